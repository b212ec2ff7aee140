package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS sweeper_claims (
	name TEXT PRIMARY KEY,
	holder TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS sweeper_claims_expires_at_idx ON sweeper_claims (expires_at);
`
