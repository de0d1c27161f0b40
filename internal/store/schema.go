package store

// created_at is stored as Unix microseconds so ordering is numeric.
// AUTOINCREMENT keeps ids increasing across a bulk delete.
const schema = `
CREATE TABLE IF NOT EXISTS classroom_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    created_at  INTEGER NOT NULL,
    tracker_id  INTEGER NOT NULL DEFAULT 0,
    name        TEXT    NOT NULL,
    behavior    TEXT    NOT NULL,
    confidence  REAL    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_classroom_events_created
    ON classroom_events (created_at DESC, id DESC);
`

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 10000",
	"PRAGMA synchronous = NORMAL",
}
