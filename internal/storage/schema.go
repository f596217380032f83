package storage

import "fmt"

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	source_ref TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	category TEXT,
	confidence REAL,
	metadata TEXT,
	embedding TEXT,
	processing_status TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	error_message TEXT,
	batch_correlation_id TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	indexed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(processing_status);
CREATE INDEX IF NOT EXISTS idx_documents_batch ON documents(batch_correlation_id);

CREATE TABLE IF NOT EXISTS batches (
	correlation_id TEXT PRIMARY KEY,
	total INTEGER NOT NULL,
	completed INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	closed_at DATETIME,
	CHECK (completed + failed <= total)
);

CREATE TABLE IF NOT EXISTS batch_members (
	correlation_id TEXT NOT NULL,
	document_id TEXT NOT NULL,
	outcome TEXT NOT NULL,
	recorded_at DATETIME NOT NULL,
	PRIMARY KEY (correlation_id, document_id)
);
`

const postgresSchema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	source_ref TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	category TEXT,
	confidence DOUBLE PRECISION,
	metadata JSONB,
	embedding vector,
	processing_status TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	error_message TEXT,
	batch_correlation_id TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	indexed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(processing_status);
CREATE INDEX IF NOT EXISTS idx_documents_batch ON documents(batch_correlation_id);

CREATE TABLE IF NOT EXISTS batches (
	correlation_id TEXT PRIMARY KEY,
	total INTEGER NOT NULL,
	completed INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	closed_at TIMESTAMPTZ,
	CHECK (completed + failed <= total)
);

CREATE TABLE IF NOT EXISTS batch_members (
	correlation_id TEXT NOT NULL,
	document_id TEXT NOT NULL,
	outcome TEXT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (correlation_id, document_id)
);
`

func schemaFor(driver string) (string, error) {
	switch driver {
	case DriverSQLite:
		return sqliteSchema, nil
	case DriverPostgres:
		return postgresSchema, nil
	default:
		return "", fmt.Errorf("unsupported driver %q", driver)
	}
}
