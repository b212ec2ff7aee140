package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS bridge_tickets (
	ticket_id BIGINT NOT NULL,
	origin_chain BIGINT NOT NULL,
	destination_chain BIGINT NOT NULL,
	owner_address BYTEA NOT NULL,

	status SMALLINT NOT NULL,
	dynamic_state SMALLINT NOT NULL,

	last_event_chain BIGINT NOT NULL DEFAULT 0,
	last_event_height BIGINT NOT NULL DEFAULT 0,
	last_event_tx_hash BYTEA,
	last_event_log_index BIGINT NOT NULL DEFAULT 0,

	retry_count INT NOT NULL DEFAULT 0,
	last_attempt_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	PRIMARY KEY (ticket_id, origin_chain),

	CONSTRAINT owner_address_len CHECK (octet_length(owner_address) = 20),
	CONSTRAINT status_range CHECK (status >= 1 AND status <= 10),
	CONSTRAINT ticket_id_nonneg CHECK (ticket_id >= 0),
	CONSTRAINT retry_count_nonneg CHECK (retry_count >= 0),
	CONSTRAINT last_event_tx_hash_len CHECK (last_event_tx_hash IS NULL OR octet_length(last_event_tx_hash) = 32)
);

CREATE INDEX IF NOT EXISTS bridge_tickets_status_idx ON bridge_tickets (status);
CREATE INDEX IF NOT EXISTS bridge_tickets_attempt_idx ON bridge_tickets (last_attempt_at);
`
