package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	_ "modernc.org/sqlite"

	"github.com/nmxmxh/swarmjit/internal/core"
)

const driverName = "sqlite"

// Meta is optional descriptive data recorded next to an artifact.
type Meta struct {
	Options     core.Options `cbor:"1,keyasint"`
	MemoryBytes uint64       `cbor:"2,keyasint"`
	Exports     []string     `cbor:"3,keyasint,omitempty"`
}

// SQLite persists artifacts in a single table so a restarted node keeps
// serving what it published.
type SQLite struct {
	db      *sql.DB
	encMode cbor.EncMode
}

// OpenSQLite opens (and creates if needed) the database at path. ":memory:"
// gives a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("artifact store path is required")
	}
	dsn := path
	if path != ":memory:" {
		if err := ensureDir(path); err != nil {
			return nil, err
		}
		dsn = "file:" + filepath.Clean(path)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open artifact store: %w", err)
	}
	// One connection keeps ":memory:" a single database and serializes writers.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping artifact store: %w", err)
	}
	if path != ":memory:" {
		var mode string
		if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&mode); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}
	if err := ensureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db, encMode: em}, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(filepath.Clean(path))
	if dir == "." || dir == string(filepath.Separator) {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	return nil
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS artifacts (
			hash       TEXT PRIMARY KEY,
			bytes      BLOB NOT NULL,
			size_bytes INTEGER NOT NULL,
			meta       BLOB,
			stored_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_stored_at ON artifacts(stored_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Put(ctx context.Context, hash core.Digest, b []byte) (bool, error) {
	return s.put(ctx, hash, b, nil)
}

// PutArtifact stores an artifact together with its metadata.
func (s *SQLite) PutArtifact(ctx context.Context, a *core.Artifact) (bool, error) {
	meta, err := s.encMode.Marshal(Meta{Options: a.Options, MemoryBytes: a.MemoryBytes, Exports: a.Exports})
	if err != nil {
		return false, fmt.Errorf("encode artifact meta: %w", err)
	}
	return s.put(ctx, a.Hash, a.Bytes, meta)
}

func (s *SQLite) put(ctx context.Context, hash core.Digest, b, meta []byte) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO artifacts (hash, bytes, size_bytes, meta, stored_at) VALUES (?, ?, ?, ?, ?)`,
		hash.String(), b, len(b), meta, time.Now().UTC().Unix())
	if err != nil {
		return false, fmt.Errorf("put artifact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("put artifact: %w", err)
	}
	return n > 0, nil
}

func (s *SQLite) Get(ctx context.Context, hash core.Digest) ([]byte, error) {
	var b []byte
	err := s.db.QueryRowContext(ctx, `SELECT bytes FROM artifacts WHERE hash = ?`, hash.String()).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NotFoundError(hash)
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return b, nil
}

// GetArtifact returns the artifact and whatever metadata was stored with it.
func (s *SQLite) GetArtifact(ctx context.Context, hash core.Digest) (*core.Artifact, error) {
	var (
		b    []byte
		meta []byte
	)
	err := s.db.QueryRowContext(ctx, `SELECT bytes, meta FROM artifacts WHERE hash = ?`, hash.String()).Scan(&b, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NotFoundError(hash)
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	a := core.RawArtifact(hash, b)
	if len(meta) > 0 {
		var m Meta
		if err := cbor.Unmarshal(meta, &m); err != nil {
			return nil, fmt.Errorf("decode artifact meta: %w", err)
		}
		a.Options, a.MemoryBytes, a.Exports = m.Options, m.MemoryBytes, m.Exports
	}
	return a, nil
}

func (s *SQLite) Has(ctx context.Context, hash core.Digest) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM artifacts WHERE hash = ?`, hash.String()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has artifact: %w", err)
	}
	return true, nil
}

func (s *SQLite) List(ctx context.Context) ([]core.Digest, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT hash FROM artifacts ORDER BY hash`)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []core.Digest
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("list artifacts: %w", err)
		}
		d, err := core.ParseDigest(h)
		if err != nil {
			return nil, fmt.Errorf("list artifacts: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
