package store

const schema = `
CREATE TABLE IF NOT EXISTS batches (
    id TEXT PRIMARY KEY,
    started_at INTEGER NOT NULL,
    wall_clock_ms INTEGER NOT NULL,
    total INTEGER NOT NULL,
    succeeded INTEGER NOT NULL,
    failed INTEGER NOT NULL,
    timed_out INTEGER NOT NULL,
    cancelled INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_batches_started_at ON batches(started_at);

CREATE TABLE IF NOT EXISTS task_results (
    batch_id TEXT NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
    position INTEGER NOT NULL,
    task_id TEXT NOT NULL,
    agent_id TEXT,
    status TEXT NOT NULL,
    error_kind TEXT,
    output TEXT,
    duration_ms INTEGER NOT NULL,
    PRIMARY KEY (batch_id, task_id)
);

CREATE TABLE IF NOT EXISTS dead_workspaces (
    name TEXT PRIMARY KEY,
    path TEXT NOT NULL,
    branch TEXT,
    base_ref TEXT,
    reason TEXT,
    dead_at INTEGER NOT NULL,
    swept_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_dead_workspaces_dead_at ON dead_workspaces(dead_at);
`
