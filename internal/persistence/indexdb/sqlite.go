package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"chunkanchor.ai/internal/anchor"
)

// SQLiteStore persists anchor snapshots in a SQLite database. Each Save
// replaces the anchors table inside one transaction and appends a row to
// saves, so the database also keeps a small write history.
type SQLiteStore struct {
	db *sql.DB

	mu      sync.Mutex
	timeout time.Duration
	now     func() time.Time
}

type SaveRecord struct {
	Seq     int64
	SavedAt time.Time
	Owners  int
	Anchors int
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, timeout: 5 * time.Second, now: time.Now}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		// policy and enabled are nullable: rows imported from older
		// snapshots load as DEFAULT and enabled.
		`CREATE TABLE IF NOT EXISTS anchors (
			owner TEXT NOT NULL,
			name TEXT NOT NULL,
			world TEXT NOT NULL,
			x INTEGER NOT NULL,
			z INTEGER NOT NULL,
			policy TEXT,
			enabled INTEGER,
			PRIMARY KEY (owner, name)
		);`,
		`CREATE TABLE IF NOT EXISTS saves (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			saved_at TEXT NOT NULL,
			owners INTEGER NOT NULL,
			anchors INTEGER NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	_, err := db.Exec(`INSERT OR IGNORE INTO meta(key, value) VALUES ('schema_version', '1');`)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Load() (anchor.Snapshot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT owner, name, world, x, z, policy, enabled FROM anchors;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := anchor.Snapshot{}
	for rows.Next() {
		var (
			owner, name, world string
			x, z               int
			policy             sql.NullString
			enabled            sql.NullBool
		)
		if err := rows.Scan(&owner, &name, &world, &x, &z, &policy, &enabled); err != nil {
			return nil, err
		}
		a := anchor.Anchor{World: world, X: x, Z: z, Policy: anchor.PolicyDefault, Enabled: true}
		if policy.Valid {
			a.Policy = anchor.Policy(policy.String)
		}
		if enabled.Valid {
			a.Enabled = enabled.Bool
		}
		if out[owner] == nil {
			out[owner] = map[string]anchor.Anchor{}
		}
		out[owner][name] = a
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Save(snap anchor.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM anchors;`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO anchors(owner, name, world, x, z, policy, enabled) VALUES (?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	owners := 0
	for owner, anchors := range snap {
		if len(anchors) == 0 {
			continue
		}
		owners++
		for name, a := range anchors {
			if _, err := stmt.ExecContext(ctx, owner, name, a.World, a.X, a.Z, string(a.Policy), a.Enabled); err != nil {
				return fmt.Errorf("insert %s/%s: %w", owner, name, err)
			}
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO saves(saved_at, owners, anchors) VALUES (?, ?, ?);`,
		s.now().UTC().Format(time.RFC3339Nano), owners, snap.Len()); err != nil {
		return err
	}
	return tx.Commit()
}

// LastSave returns the most recent save record; ok is false before the
// first save.
func (s *SQLiteStore) LastSave() (rec SaveRecord, ok bool, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	var at string
	err = s.db.QueryRowContext(ctx, `SELECT seq, saved_at, owners, anchors FROM saves ORDER BY seq DESC LIMIT 1;`).
		Scan(&rec.Seq, &at, &rec.Owners, &rec.Anchors)
	if err == sql.ErrNoRows {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, err
	}
	rec.SavedAt, err = time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return rec, false, err
	}
	return rec, true, nil
}

// PruneSaves keeps only the newest keep rows of the save history.
func (s *SQLiteStore) PruneSaves(keep int) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `DELETE FROM saves WHERE seq NOT IN (SELECT seq FROM saves ORDER BY seq DESC LIMIT ?);`, keep)
	return err
}
