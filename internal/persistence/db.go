// Package persistence archives finished fair runs in SQLite and journals
// snapshots as compressed JSONL.
package persistence

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/talgya/temple-fair/internal/engine"
	"github.com/talgya/temple-fair/internal/events"
)

// DB wraps a SQLite connection for the run archive.
type DB struct {
	conn *sqlx.DB
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		seed INTEGER NOT NULL,
		config_path TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER,
		ticks INTEGER NOT NULL DEFAULT 0,
		tourists INTEGER NOT NULL DEFAULT 0,
		purchases INTEGER NOT NULL DEFAULT 0,
		revenue INTEGER NOT NULL DEFAULT 0,
		completed INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS agent_results (
		run_id TEXT NOT NULL,
		agent_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		state TEXT NOT NULL,
		start_balance INTEGER NOT NULL,
		balance INTEGER NOT NULL,
		spent INTEGER NOT NULL,
		purchases INTEGER NOT NULL,
		visited_json TEXT NOT NULL,
		unreachable_json TEXT NOT NULL,
		PRIMARY KEY (run_id, agent_id)
	);

	CREATE TABLE IF NOT EXISTS diary_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		agent_id INTEGER NOT NULL,
		tick INTEGER NOT NULL,
		at INTEGER NOT NULL,
		kind TEXT NOT NULL,
		vendor TEXT NOT NULL,
		speaker TEXT NOT NULL,
		content TEXT NOT NULL,
		amount INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		tick INTEGER NOT NULL,
		kind TEXT NOT NULL,
		agent_id INTEGER,
		name TEXT NOT NULL,
		vendor TEXT NOT NULL,
		detail TEXT NOT NULL,
		amount INTEGER NOT NULL,
		PRIMARY KEY (run_id, seq)
	);

	CREATE TABLE IF NOT EXISTS fair_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_diary_run_agent ON diary_entries(run_id, agent_id);
	CREATE INDEX IF NOT EXISTS idx_events_run_tick ON events(run_id, tick);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// Run is one archived fair run.
type Run struct {
	ID         string        `db:"id" json:"id"`
	Seed       int64         `db:"seed" json:"seed"`
	ConfigPath string        `db:"config_path" json:"config_path"`
	StartedAt  int64         `db:"started_at" json:"started_at"`
	FinishedAt sql.NullInt64 `db:"finished_at" json:"-"`
	Ticks      int64         `db:"ticks" json:"ticks"`
	Tourists   int           `db:"tourists" json:"tourists"`
	Purchases  int           `db:"purchases" json:"purchases"`
	Revenue    int64         `db:"revenue" json:"revenue"`
	Completed  bool          `db:"completed" json:"completed"`
}

// AgentResult is one tourist's final tally.
type AgentResult struct {
	RunID        string `db:"run_id"`
	AgentID      int    `db:"agent_id"`
	Name         string `db:"name"`
	State        string `db:"state"`
	StartBalance int64  `db:"start_balance"`
	Balance      int64  `db:"balance"`
	Spent        int64  `db:"spent"`
	Purchases    int    `db:"purchases"`
	Visited      string `db:"visited_json"`
	Unreachable  string `db:"unreachable_json"`
}

// EventRow is an archived event.
type EventRow struct {
	Seq     uint64        `db:"seq" json:"seq"`
	Tick    uint64        `db:"tick" json:"tick"`
	Kind    string        `db:"kind" json:"kind"`
	AgentID sql.NullInt64 `db:"agent_id" json:"-"`
	Name    string        `db:"name" json:"name,omitempty"`
	Vendor  string        `db:"vendor" json:"vendor,omitempty"`
	Detail  string        `db:"detail" json:"detail,omitempty"`
	Amount  uint64        `db:"amount" json:"amount,omitempty"`
}

// BeginRun records a new run and returns its ID.
func (db *DB) BeginRun(seed int64, configPath string) (string, error) {
	id := uuid.NewString()
	_, err := db.conn.Exec(
		"INSERT INTO runs (id, seed, config_path, started_at) VALUES (?, ?, ?, ?)",
		id, seed, configPath, time.Now().UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("begin run: %w", err)
	}
	if err := db.SaveMeta("last_run", id); err != nil {
		return "", err
	}
	return id, nil
}

// SaveEvents appends events to a run. Events already archived are skipped.
func (db *DB) SaveEvents(runID string, events []engine.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Preparex(`INSERT OR IGNORE INTO events
		(run_id, seq, tick, kind, agent_id, name, vendor, detail, amount)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range events {
		var agent sql.NullInt64
		if e.Agent != nil {
			agent = sql.NullInt64{Int64: int64(*e.Agent), Valid: true}
		}
		if _, err := stmt.Exec(runID, e.Seq, e.Tick, e.Kind, agent, e.Name, e.Vendor, e.Detail, e.Amount); err != nil {
			return fmt.Errorf("insert event %d: %w", e.Seq, err)
		}
	}

	return tx.Commit()
}

// SaveRun writes the final tallies, every diary and the remaining events.
func (db *DB) SaveRun(runID string, sim *engine.Simulation) error {
	snap := sim.Snapshot()
	slog.Info("archiving run", "run", runID, "tourists", len(snap.Agents), "tick", snap.Tick)

	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"agent_results", "diary_entries"} {
		if _, err := tx.Exec("DELETE FROM "+table+" WHERE run_id = ?", runID); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	for _, a := range snap.Agents {
		visited, _ := json.Marshal(a.Visited)
		unreachable, _ := json.Marshal(a.Unreachable)
		_, err := tx.Exec(`INSERT INTO agent_results
			(run_id, agent_id, name, state, start_balance, balance, spent, purchases, visited_json, unreachable_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, int(a.ID), a.Name, a.State.String(), a.Balance+a.Spent, a.Balance, a.Spent, a.Purchases,
			string(visited), string(unreachable),
		)
		if err != nil {
			return fmt.Errorf("insert agent %d: %w", a.ID, err)
		}
	}

	diaries := sim.Diaries()
	ids := make([]int, 0, len(diaries))
	for id := range diaries {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	for _, id := range ids {
		for _, e := range diaries[events.AgentID(id)] {
			_, err := tx.Exec(`INSERT INTO diary_entries
				(run_id, agent_id, tick, at, kind, vendor, speaker, content, amount)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				runID, id, e.Tick, e.Time.UnixMilli(), string(e.Kind), e.Vendor, e.Speaker, e.Content, e.Amount,
			)
			if err != nil {
				return fmt.Errorf("insert diary entry for agent %d: %w", id, err)
			}
		}
	}

	completed := 0
	if snap.Done {
		completed = 1
	}
	_, err = tx.Exec(`UPDATE runs SET finished_at = ?, ticks = ?, tourists = ?, purchases = ?, revenue = ?, completed = ?
		WHERE id = ?`,
		time.Now().UnixMilli(), snap.Tick, snap.Stats.Tourists, snap.Stats.Purchases, snap.Stats.Revenue, completed, runID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if err := db.SaveEvents(runID, sim.RecentEvents(0)); err != nil {
		return fmt.Errorf("save events: %w", err)
	}
	slog.Info("run archived", "run", runID, "purchases", snap.Stats.Purchases, "revenue", snap.Stats.Revenue)
	return nil
}

// SaveMeta stores a key-value pair.
func (db *DB) SaveMeta(key, value string) error {
	_, err := db.conn.Exec(
		"INSERT OR REPLACE INTO fair_meta (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta retrieves a metadata value.
func (db *DB) GetMeta(key string) (string, error) {
	var value string
	err := db.conn.Get(&value, "SELECT value FROM fair_meta WHERE key = ?", key)
	return value, err
}

// GetRun loads one run.
func (db *DB) GetRun(id string) (Run, error) {
	var r Run
	err := db.conn.Get(&r, "SELECT * FROM runs WHERE id = ?", id)
	return r, err
}

// Runs returns the most recent runs, newest first.
func (db *DB) Runs(limit int) ([]Run, error) {
	var runs []Run
	err := db.conn.Select(&runs, "SELECT * FROM runs ORDER BY started_at DESC LIMIT ?", limit)
	return runs, err
}

// AgentResults returns a run's tallies ordered by agent.
func (db *DB) AgentResults(runID string) ([]AgentResult, error) {
	var out []AgentResult
	err := db.conn.Select(&out, "SELECT * FROM agent_results WHERE run_id = ? ORDER BY agent_id", runID)
	return out, err
}

// DiaryCount returns how many diary entries a run archived.
func (db *DB) DiaryCount(runID string) (int, error) {
	var n int
	err := db.conn.Get(&n, "SELECT COUNT(*) FROM diary_entries WHERE run_id = ?", runID)
	return n, err
}

// RecentEvents returns the most recent N events of a run, newest first.
func (db *DB) RecentEvents(runID string, limit int) ([]EventRow, error) {
	var events []EventRow
	err := db.conn.Select(&events,
		`SELECT seq, tick, kind, agent_id, name, vendor, detail, amount
		FROM events WHERE run_id = ? ORDER BY seq DESC LIMIT ?`,
		runID, limit,
	)
	return events, err
}
