package runstore

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    issue_id INTEGER NOT NULL,
    status TEXT NOT NULL DEFAULT 'created',
    current_phase TEXT,
    branch TEXT,
    result_ref TEXT,
    abort_reason TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_issue_id ON runs(issue_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

CREATE TABLE IF NOT EXISTS phase_records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES runs(id),
    phase TEXT NOT NULL,
    status TEXT NOT NULL,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP,
    detail TEXT
);

CREATE INDEX IF NOT EXISTS idx_phase_records_run_id ON phase_records(run_id);

CREATE TABLE IF NOT EXISTS tool_calls (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    phase_record_id INTEGER NOT NULL REFERENCES phase_records(id),
    tool TEXT NOT NULL,
    args TEXT,
    dir TEXT,
    started_at TIMESTAMP NOT NULL,
    duration_ms INTEGER NOT NULL,
    exit_status INTEGER NOT NULL,
    summary TEXT
);

CREATE INDEX IF NOT EXISTS idx_tool_calls_phase_record_id ON tool_calls(phase_record_id);

CREATE TABLE IF NOT EXISTS allocations (
    run_id TEXT PRIMARY KEY REFERENCES runs(id),
    working_copy TEXT NOT NULL,
    branch TEXT,
    primary_port INTEGER NOT NULL,
    secondary_port INTEGER NOT NULL,
    allocated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`
