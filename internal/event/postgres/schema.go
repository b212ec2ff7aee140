package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS event_records (
	chain BIGINT NOT NULL,
	tx_hash BYTEA NOT NULL,
	log_index BIGINT NOT NULL,

	block_height BIGINT NOT NULL,
	event_type SMALLINT NOT NULL,

	ticket_id BIGINT NOT NULL,
	origin_chain BIGINT NOT NULL,
	destination_chain BIGINT NOT NULL DEFAULT 0,
	owner_address BYTEA NOT NULL,
	dynamic_state SMALLINT NOT NULL DEFAULT 0,

	observed_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	PRIMARY KEY (chain, tx_hash, log_index),

	CONSTRAINT tx_hash_len CHECK (octet_length(tx_hash) = 32),
	CONSTRAINT owner_address_len CHECK (octet_length(owner_address) = 20),
	CONSTRAINT log_index_nonneg CHECK (log_index >= 0),
	CONSTRAINT block_height_nonneg CHECK (block_height >= 0)
);

CREATE INDEX IF NOT EXISTS event_records_chain_height_idx ON event_records (chain, block_height, log_index);
`
