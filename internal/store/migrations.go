package store

// migrations are applied in order on every Open. Each statement must be
// idempotent and portable between Postgres and SQLite.
var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS posts (
	uri VARCHAR PRIMARY KEY,
	cid VARCHAR NOT NULL,
	indexed_at BIGINT NOT NULL
)
;
`,
	`
CREATE INDEX IF NOT EXISTS posts_indexed_at ON posts (indexed_at, uri)
;
`,
	`
CREATE TABLE IF NOT EXISTS subscription_state (
	service VARCHAR PRIMARY KEY,
	seq BIGINT NOT NULL
)
;
`,
}
