package store

// Schema DDL shared by the SQLite and PostgreSQL backends.
// Timestamps are stored as Unix nanoseconds.

const schemaJobs = `
CREATE TABLE IF NOT EXISTS jobs (
    job_id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    started_at BIGINT NOT NULL,
    stopped_at BIGINT,
    error_message TEXT NOT NULL DEFAULT ''
)`

const schemaNodes = `
CREATE TABLE IF NOT EXISTS nodes (
    uuid TEXT NOT NULL,
    version BIGINT NOT NULL,
    classified_by TEXT NOT NULL,
    valid_until BIGINT,
    show_prob DOUBLE PRECISION,
    hide_prob DOUBLE PRECISION,
    recommended TEXT,
    PRIMARY KEY (uuid, version)
)`

const schemaJobNodes = `
CREATE TABLE IF NOT EXISTS job_nodes (
    job_id TEXT NOT NULL REFERENCES jobs(job_id) ON DELETE CASCADE,
    uuid TEXT NOT NULL,
    version BIGINT NOT NULL,
    proxy_only INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (job_id, uuid, version),
    FOREIGN KEY (uuid, version) REFERENCES nodes(uuid, version) ON DELETE CASCADE
)`

// Single-row table; the row's job_id is the job allowed to run
const schemaAdmission = `
CREATE TABLE IF NOT EXISTS admission (
    slot INTEGER PRIMARY KEY,
    job_id TEXT,
    owner TEXT,
    claimed_at BIGINT
)`

const seedAdmission = `INSERT INTO admission (slot) VALUES (1) ON CONFLICT DO NOTHING`

// Index definitions
const indexJobsStatus = `CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`
const indexJobNodesNode = `CREATE INDEX IF NOT EXISTS idx_job_nodes_node ON job_nodes(uuid, version)`

// SQLite pragmas
const pragmaWAL = `PRAGMA journal_mode=WAL`
const pragmaFK = `PRAGMA foreign_keys=ON`
const pragmaBusyTimeout = `PRAGMA busy_timeout=5000`
const pragmaSynchronous = `PRAGMA synchronous=NORMAL`

// allSchemaStatements returns all schema DDL in order
func allSchemaStatements() []string {
	return []string{
		schemaJobs,
		schemaNodes,
		schemaJobNodes,
		schemaAdmission,
		seedAdmission,
		indexJobsStatus,
		indexJobNodesNode,
	}
}

// allPragmas returns all SQLite pragma statements
func allPragmas() []string {
	return []string{
		pragmaWAL,
		pragmaFK,
		pragmaBusyTimeout,
		pragmaSynchronous,
	}
}
