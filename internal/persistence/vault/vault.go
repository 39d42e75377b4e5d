package vault

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"agentworld.ai/internal/persistence/snapshot"
)

var (
	ErrDuplicateSeed = errors.New("seed id already recorded")
	ErrSeedNotFound  = errors.New("seed not found")
	ErrInvalidSeedID = errors.New("invalid seed id")
)

var seedIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Seed is one manifest row. Rows are never updated or deleted.
type Seed struct {
	ID           string    `json:"seed_id"`
	ScenarioID   string    `json:"scenario_id"`
	SnapshotPath string    `json:"snapshot_path"`
	Tick         uint64    `json:"created_tick"`
	WorldSeed    int64     `json:"world_seed"`
	Signature    string    `json:"signature"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// Vault keeps named snapshots under dir/seeds and their manifest in
// dir/vault.sqlite.
type Vault struct {
	db  *sql.DB
	dir string
	now func() time.Time
}

func Open(dir string) (*Vault, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty vault dir")
	}
	if err := os.MkdirAll(filepath.Join(dir, "seeds"), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "vault.sqlite"))
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
	return &Vault{db: db, dir: dir, now: time.Now}, nil
}

func (v *Vault) Close() error { return v.db.Close() }

func (v *Vault) Dir() string { return v.dir }

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
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
		`CREATE TABLE IF NOT EXISTS seeds (
			seed_id TEXT PRIMARY KEY,
			scenario_id TEXT NOT NULL,
			snapshot_path TEXT NOT NULL,
			created_tick INTEGER NOT NULL,
			world_seed INTEGER NOT NULL,
			signature TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_seeds_scenario ON seeds(scenario_id, created_tick);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func validID(id string) error {
	if !seedIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidSeedID, id)
	}
	return nil
}

// Record appends s to the manifest. An existing id is never overwritten.
func (v *Vault) Record(ctx context.Context, s Seed) error {
	if err := validID(s.ID); err != nil {
		return err
	}
	if s.RecordedAt.IsZero() {
		s.RecordedAt = v.now()
	}
	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM seeds WHERE seed_id = ?`, s.ID).Scan(&one)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", ErrDuplicateSeed, s.ID)
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO seeds(seed_id, scenario_id, snapshot_path, created_tick, world_seed, signature, recorded_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.ScenarioID, s.SnapshotPath, int64(s.Tick), s.WorldSeed, s.Signature,
		s.RecordedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return err
	}
	return tx.Commit()
}

const selectSeed = `SELECT seed_id, scenario_id, snapshot_path, created_tick, world_seed, signature, recorded_at FROM seeds`

type scanner interface {
	Scan(dest ...any) error
}

func scanSeed(r scanner) (Seed, error) {
	var (
		s    Seed
		tick int64
		at   string
	)
	if err := r.Scan(&s.ID, &s.ScenarioID, &s.SnapshotPath, &tick, &s.WorldSeed, &s.Signature, &at); err != nil {
		return s, err
	}
	s.Tick = uint64(tick)
	t, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return s, fmt.Errorf("seed %s: recorded_at: %w", s.ID, err)
	}
	s.RecordedAt = t
	return s, nil
}

func (v *Vault) Get(ctx context.Context, id string) (Seed, error) {
	s, err := scanSeed(v.db.QueryRowContext(ctx, selectSeed+` WHERE seed_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return s, fmt.Errorf("%w: %s", ErrSeedNotFound, id)
	}
	return s, err
}

// List returns seeds ordered by scenario, tick and id. An empty scenario
// lists everything.
func (v *Vault) List(ctx context.Context, scenario string) ([]Seed, error) {
	q := selectSeed
	var args []any
	if scenario != "" {
		q += ` WHERE scenario_id = ?`
		args = append(args, scenario)
	}
	q += ` ORDER BY scenario_id, created_tick, seed_id`
	rows, err := v.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Seed
	for rows.Next() {
		s, err := scanSeed(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Store writes snap under the vault and records it. An empty id gets a
// random one.
func (v *Vault) Store(ctx context.Context, id string, snap snapshot.SnapshotV1, codec snapshot.Codec) (Seed, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if err := validID(id); err != nil {
		return Seed{}, err
	}
	if _, err := v.Get(ctx, id); err == nil {
		return Seed{}, fmt.Errorf("%w: %s", ErrDuplicateSeed, id)
	} else if !errors.Is(err, ErrSeedNotFound) {
		return Seed{}, err
	}

	rel := filepath.Join("seeds", id+".snap"+codec.Ext())
	path := filepath.Join(v.dir, rel)
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		return Seed{}, err
	}
	s := Seed{
		ID:           id,
		ScenarioID:   snap.Header.ScenarioID,
		SnapshotPath: rel,
		Tick:         snap.Header.Tick,
		WorldSeed:    snap.Header.Seed,
		Signature:    snap.Header.Signature,
		RecordedAt:   v.now(),
	}
	if err := v.Record(ctx, s); err != nil {
		_ = os.Remove(path)
		return Seed{}, err
	}
	return v.Get(ctx, id)
}

// Load reads the snapshot behind id and checks it against the manifest.
func (v *Vault) Load(ctx context.Context, id string) (snapshot.SnapshotV1, Seed, error) {
	s, err := v.Get(ctx, id)
	if err != nil {
		return snapshot.SnapshotV1{}, s, err
	}
	snap, err := snapshot.ReadSnapshot(v.path(s))
	if err != nil {
		return snap, s, err
	}
	if snap.Header.Signature != s.Signature || snap.Header.Tick != s.Tick {
		return snap, s, fmt.Errorf("%w: seed %s does not match its manifest row", snapshot.ErrCorrupt, id)
	}
	return snap, s, nil
}

func (v *Vault) path(s Seed) string {
	if filepath.IsAbs(s.SnapshotPath) {
		return s.SnapshotPath
	}
	return filepath.Join(v.dir, s.SnapshotPath)
}

// ExportMeta is written next to an exported snapshot.
type ExportMeta struct {
	Seed       Seed   `json:"seed"`
	Snapshot   string `json:"snapshot"`
	ExportedAt string `json:"exported_at"`
}

// Export copies the seed's snapshot into destDir/<id>/ together with a
// meta.json describing it.
func (v *Vault) Export(ctx context.Context, id, destDir string) (string, error) {
	s, err := v.Get(ctx, id)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(destDir, s.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	src := v.path(s)
	dst := filepath.Join(dir, filepath.Base(src))
	if err := copyFile(src, dst); err != nil {
		return "", err
	}
	meta := ExportMeta{Seed: s, Snapshot: filepath.Base(dst), ExportedAt: v.now().UTC().Format(time.RFC3339Nano)}
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, "meta.json"), b, 0o644); err != nil {
		return "", err
	}
	return dst, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
