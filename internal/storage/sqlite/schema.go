package sqlite

// schemaVersion is stored in meta and checked on open.
const schemaVersion = "2"

const schema = `
-- Meta table (schema version, cache markers)
CREATE TABLE IF NOT EXISTS meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- Functions table: the unit of work
CREATE TABLE IF NOT EXISTS functions (
    name TEXT PRIMARY KEY,
    source_file TEXT NOT NULL DEFAULT '',
    worktree_path TEXT NOT NULL DEFAULT '',
    match_percent REAL NOT NULL DEFAULT 0 CHECK(match_percent >= 0 AND match_percent <= 100),
    status TEXT NOT NULL DEFAULT 'unclaimed',
    local_scratch_slug TEXT NOT NULL DEFAULT '',
    prod_scratch_slug TEXT NOT NULL DEFAULT '',
    claimed_by TEXT NOT NULL DEFAULT '',
    claimed_at DATETIME,
    branch TEXT NOT NULL DEFAULT '',
    commit_hash TEXT NOT NULL DEFAULT '',
    build_status TEXT NOT NULL DEFAULT 'unknown' CHECK(build_status IN ('unknown','passing','broken')),
    build_diagnosis TEXT NOT NULL DEFAULT '',
    is_committed INTEGER NOT NULL DEFAULT 0,
    pr_url TEXT NOT NULL DEFAULT '',
    pr_number INTEGER NOT NULL DEFAULT 0,
    pr_state TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_functions_status ON functions(status);
CREATE INDEX IF NOT EXISTS idx_functions_updated_at ON functions(updated_at);
CREATE INDEX IF NOT EXISTS idx_functions_claimed_by ON functions(claimed_by);

-- Claims table: active exclusive reservations on functions
CREATE TABLE IF NOT EXISTS claims (
    function_name TEXT PRIMARY KEY,
    agent_id TEXT NOT NULL,
    claimed_at DATETIME NOT NULL,
    expires_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_claims_expires_at ON claims(expires_at);
CREATE INDEX IF NOT EXISTS idx_claims_agent ON claims(agent_id);

-- Subdirectory allocations: exclusive reservation of a worktree subtree
CREATE TABLE IF NOT EXISTS subdirectory_allocations (
    subdirectory_key TEXT PRIMARY KEY,
    worktree_path TEXT NOT NULL DEFAULT '',
    branch_name TEXT NOT NULL DEFAULT '',
    locked_by_agent TEXT NOT NULL,
    locked_at DATETIME NOT NULL,
    lock_expires_at DATETIME NOT NULL,
    pending_commits INTEGER NOT NULL DEFAULT 0,
    last_commit_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_subdir_expires_at ON subdirectory_allocations(lock_expires_at);

-- Scratches: remote compile sandboxes
CREATE TABLE IF NOT EXISTS scratches (
    slug TEXT PRIMARY KEY,
    instance TEXT NOT NULL DEFAULT 'local' CHECK(instance IN ('local','production')),
    base_url TEXT NOT NULL DEFAULT '',
    function_name TEXT NOT NULL,
    score INTEGER NOT NULL DEFAULT -1,
    max_score INTEGER NOT NULL DEFAULT 0,
    match_percent REAL NOT NULL DEFAULT 0,
    claim_token TEXT NOT NULL DEFAULT '',
    verified_at DATETIME,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_scratches_function ON scratches(function_name);
CREATE INDEX IF NOT EXISTS idx_scratches_verified_at ON scratches(verified_at);

-- Match history: append-only score observations, consecutive duplicates collapsed
CREATE TABLE IF NOT EXISTS match_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    scratch_slug TEXT NOT NULL,
    observed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    score INTEGER NOT NULL,
    max_score INTEGER NOT NULL,
    match_percent REAL NOT NULL,
    FOREIGN KEY (scratch_slug) REFERENCES scratches(slug) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_match_history_slug ON match_history(scratch_slug, id);

-- Branch progress: per-branch best result per function
CREATE TABLE IF NOT EXISTS branch_progress (
    function_name TEXT NOT NULL,
    branch TEXT NOT NULL,
    match_percent REAL NOT NULL DEFAULT 0,
    scratch_slug TEXT NOT NULL DEFAULT '',
    is_committed INTEGER NOT NULL DEFAULT 0,
    commit_hash TEXT NOT NULL DEFAULT '',
    agent_id TEXT NOT NULL DEFAULT '',
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (function_name, branch)
);

-- Agents: registry of known orchestrator sessions
CREATE TABLE IF NOT EXISTS agents (
    agent_id TEXT PRIMARY KEY,
    worktree_path TEXT NOT NULL DEFAULT '',
    branch_name TEXT NOT NULL DEFAULT '',
    last_seen_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Audit log: append-only change trail
CREATE TABLE IF NOT EXISTS audit_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    action TEXT NOT NULL,
    old_value TEXT,
    new_value TEXT,
    agent_id TEXT NOT NULL DEFAULT '',
    metadata TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity_type, entity_id, id);
CREATE INDEX IF NOT EXISTS idx_audit_created_at ON audit_log(created_at);
`
