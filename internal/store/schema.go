package store

const postgresSchema = `
CREATE TABLE IF NOT EXISTS call_records (
    session      TEXT NOT NULL,
    seq          INTEGER NOT NULL,
    captured_at  TIMESTAMPTZ NOT NULL,
    url          TEXT NOT NULL,
    model        TEXT NOT NULL DEFAULT '',
    messages     INTEGER NOT NULL DEFAULT 0,
    body         JSONB NOT NULL,
    PRIMARY KEY (session, seq)
);

CREATE TABLE IF NOT EXISTS reconstructions (
    id            UUID PRIMARY KEY,
    session       TEXT NOT NULL,
    total         INTEGER NOT NULL,
    eligible      INTEGER NOT NULL,
    excluded      INTEGER NOT NULL,
    parse_errors  INTEGER NOT NULL,
    branch_count  INTEGER NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_reconstructions_session ON reconstructions(session);

CREATE TABLE IF NOT EXISTS branches (
    reconstruction_id  UUID NOT NULL REFERENCES reconstructions(id) ON DELETE CASCADE,
    branch             INTEGER NOT NULL,
    forked_from        INTEGER NOT NULL DEFAULT 0,
    fork_index         INTEGER NOT NULL DEFAULT 0,
    length             INTEGER NOT NULL,
    tip_messages       INTEGER NOT NULL,
    PRIMARY KEY (reconstruction_id, branch)
);

CREATE TABLE IF NOT EXISTS branch_members (
    reconstruction_id  UUID NOT NULL REFERENCES reconstructions(id) ON DELETE CASCADE,
    branch             INTEGER NOT NULL,
    position           INTEGER NOT NULL,
    seq                INTEGER NOT NULL,
    messages           INTEGER NOT NULL,
    PRIMARY KEY (reconstruction_id, branch, position)
);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS call_records (
    session      TEXT NOT NULL,
    seq          INTEGER NOT NULL,
    captured_at  TEXT NOT NULL,
    url          TEXT NOT NULL,
    model        TEXT NOT NULL DEFAULT '',
    messages     INTEGER NOT NULL DEFAULT 0,
    body         TEXT NOT NULL,
    PRIMARY KEY (session, seq)
);

CREATE TABLE IF NOT EXISTS reconstructions (
    id            TEXT PRIMARY KEY,
    session       TEXT NOT NULL,
    total         INTEGER NOT NULL,
    eligible      INTEGER NOT NULL,
    excluded      INTEGER NOT NULL,
    parse_errors  INTEGER NOT NULL,
    branch_count  INTEGER NOT NULL,
    created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reconstructions_session ON reconstructions(session);

CREATE TABLE IF NOT EXISTS branches (
    reconstruction_id  TEXT NOT NULL REFERENCES reconstructions(id) ON DELETE CASCADE,
    branch             INTEGER NOT NULL,
    forked_from        INTEGER NOT NULL DEFAULT 0,
    fork_index         INTEGER NOT NULL DEFAULT 0,
    length             INTEGER NOT NULL,
    tip_messages       INTEGER NOT NULL,
    PRIMARY KEY (reconstruction_id, branch)
);

CREATE TABLE IF NOT EXISTS branch_members (
    reconstruction_id  TEXT NOT NULL REFERENCES reconstructions(id) ON DELETE CASCADE,
    branch             INTEGER NOT NULL,
    position           INTEGER NOT NULL,
    seq                INTEGER NOT NULL,
    messages           INTEGER NOT NULL,
    PRIMARY KEY (reconstruction_id, branch, position)
);
`
