// Package store persists acquisition runs to SQLite: one row per run,
// coincidence counts per pair label and time bin, and the history of every
// metric result.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/alan-christopher/qlaib/qlaib/data"
	"github.com/alan-christopher/qlaib/qlaib/metrics"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store handles SQLite persistence. All methods are safe for concurrent use.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// A Run describes one pipeline run.
type Run struct {
	ID         uuid.UUID
	Source     string
	Channels   int
	Resolution float64
	Pairs      []data.PairSpec
	Started    time.Time
	// Finished is zero while the run is in progress.
	Finished     time.Time
	Batches      uint64
	Coincidences uint64
	// Error is the error the run ended with, if any.
	Error string
}

// A Count is the number of coincidences on one pair within one time bin.
type Count struct {
	Label string
	// Bin is the bin index; the bin covers [Bin*BinTicks, (Bin+1)*BinTicks).
	Bin      int64
	BinTicks int64
	N        uint64
}

// Open creates a Store with the database at path, creating its tables if
// they don't exist. ":memory:" opens a private in-memory database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		// Every connection would get its own database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}
	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *Store) createTables() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		channels INTEGER NOT NULL,
		resolution REAL NOT NULL,
		pairs TEXT NOT NULL,
		started_ns INTEGER NOT NULL,
		finished_ns INTEGER NOT NULL DEFAULT 0,
		batches INTEGER NOT NULL DEFAULT 0,
		coincidences INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS coincidence_counts (
		run_id TEXT NOT NULL,
		label TEXT NOT NULL,
		bin INTEGER NOT NULL,
		bin_ticks INTEGER NOT NULL,
		n INTEGER NOT NULL,
		PRIMARY KEY (run_id, label, bin),
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE TABLE IF NOT EXISTS metric_results (
		run_id TEXT NOT NULL,
		name TEXT NOT NULL,
		updated_ns INTEGER NOT NULL,
		value REAL,
		count INTEGER NOT NULL,
		extras TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (run_id, name, updated_ns),
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE INDEX IF NOT EXISTS idx_metric_results_name ON metric_results(run_id, name);
	`)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// BeginRun records the start of a run and returns its id.
func (s *Store) BeginRun(source string, cfg data.BackendConfig, pairs []data.PairSpec, started time.Time) (uuid.UUID, error) {
	b, err := json.Marshal(pairs)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encode pairs: %w", err)
	}
	id := uuid.New()
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`INSERT INTO runs (id, source, channels, resolution, pairs, started_ns) VALUES (?, ?, ?, ?, ?, ?)`,
		id.String(), source, cfg.Channels, cfg.Resolution, string(b), started.UnixNano())
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

// FinishRun records the end of a run. runErr may be nil.
func (s *Store) FinishRun(id uuid.UUID, finished time.Time, batches, coincidences uint64, runErr error) error {
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`UPDATE runs SET finished_ns = ?, batches = ?, coincidences = ?, error = ? WHERE id = ?`,
		finished.UnixNano(), int64(batches), int64(coincidences), msg, id.String())
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update run: no run %s", id)
	}
	return nil
}

// Runs returns every run, newest first.
func (s *Store) Runs() ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`SELECT id, source, channels, resolution, pairs, started_ns, finished_ns, batches, coincidences, error
		FROM runs ORDER BY started_ns DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r                   Run
			id, pairs           string
			started, finished   int64
			batches, coincident int64
		)
		if err := rows.Scan(&id, &r.Source, &r.Channels, &r.Resolution, &pairs, &started, &finished, &batches, &coincident, &r.Error); err != nil {
			return nil, err
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("run id %q: %w", id, err)
		}
		if err := json.Unmarshal([]byte(pairs), &r.Pairs); err != nil {
			return nil, fmt.Errorf("run %s: decode pairs: %w", id, err)
		}
		r.Started = time.Unix(0, started)
		if finished != 0 {
			r.Finished = time.Unix(0, finished)
		}
		r.Batches, r.Coincidences = uint64(batches), uint64(coincident)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// AddCounts adds counts to the totals stored for run.
func (s *Store) AddCounts(run uuid.UUID, counts []Count) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO coincidence_counts (run_id, label, bin, bin_ticks, n) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id, label, bin) DO UPDATE SET n = n + excluded.n
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, c := range counts {
		if _, err := stmt.Exec(run.String(), c.Label, c.Bin, c.BinTicks, int64(c.N)); err != nil {
			return fmt.Errorf("add count %s/%d: %w", c.Label, c.Bin, err)
		}
	}
	return tx.Commit()
}

// Counts returns the counts stored for run, ordered by label then bin.
func (s *Store) Counts(run uuid.UUID) ([]Count, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`SELECT label, bin, bin_ticks, n FROM coincidence_counts WHERE run_id = ? ORDER BY label, bin`, run.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Count
	for rows.Next() {
		var (
			c Count
			n int64
		)
		if err := rows.Scan(&c.Label, &c.Bin, &c.BinTicks, &n); err != nil {
			return nil, err
		}
		c.N = uint64(n)
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveResults stores results for run. A result already stored with the same
// name and update time is skipped, so saving an unchanged snapshot again
// adds nothing. Results that have never been computed are skipped too. It
// returns the number of results added.
func (s *Store) SaveResults(run uuid.UUID, results []metrics.Result) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO metric_results (run_id, name, updated_ns, value, count, extras) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	added := 0
	for _, r := range results {
		if r.Updated.IsZero() {
			continue
		}
		var value sql.NullFloat64
		if r.Defined {
			value = sql.NullFloat64{Float64: r.Value, Valid: true}
		}
		extras := []byte("{}")
		if len(r.Extras) > 0 {
			if extras, err = json.Marshal(r.Extras); err != nil {
				return 0, fmt.Errorf("encode extras of %s: %w", r.Name, err)
			}
		}
		res, err := stmt.Exec(run.String(), r.Name, r.Updated.UnixNano(), value, int64(r.Count), string(extras))
		if err != nil {
			return 0, fmt.Errorf("save result %s: %w", r.Name, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}
	return added, tx.Commit()
}

// Results returns the history of the metric name in run, oldest first.
func (s *Store) Results(run uuid.UUID, name string) ([]metrics.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`SELECT updated_ns, value, count, extras FROM metric_results
		WHERE run_id = ? AND name = ? ORDER BY updated_ns`, run.String(), name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []metrics.Result
	for rows.Next() {
		var (
			updated, count int64
			value          sql.NullFloat64
			extras         string
		)
		if err := rows.Scan(&updated, &value, &count, &extras); err != nil {
			return nil, err
		}
		r := metrics.Result{Name: name, Updated: time.Unix(0, updated)}
		r.Value, r.Defined, r.Count = value.Float64, value.Valid, uint64(count)
		if extras != "{}" {
			if err := json.Unmarshal([]byte(extras), &r.Extras); err != nil {
				return nil, fmt.Errorf("decode extras of %s: %w", name, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
