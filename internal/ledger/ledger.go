// Package ledger records completed releases in a SQLite database.
package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"monorel/internal/cas"
)

//go:embed schema.sql
var schemaSQL string

//go:embed pragmas.sql
var pragmasSQL string

var (
	ErrReleaseNotFound = errors.New("release not found")
	ErrCorrupt         = errors.New("release snapshot does not match its digest")
)

// Change is the version transition of one package.
type Change struct {
	Name string `json:"name"`
	From string `json:"from"`
	To   string `json:"to"`
}

// Release is one recorded release.
type Release struct {
	ID        string
	CreatedAt time.Time
	// Command is "version" or "publish".
	Command string
	Mode    string
	SHA     string
	Tags    []string
	Changes []Change
	// Digest is the BLAKE3 digest of the snapshot.
	Digest string
}

// snapshot is the content that is compressed, stored and digested.
type snapshot struct {
	Command string   `json:"command"`
	Mode    string   `json:"mode"`
	SHA     string   `json:"sha"`
	Tags    []string `json:"tags"`
	Changes []Change `json:"changes"`
}

func (r *Release) snapshot() snapshot {
	return snapshot{Command: r.Command, Mode: r.Mode, SHA: r.SHA, Tags: r.Tags, Changes: r.Changes}
}

// DB wraps a SQLite connection for the release ledger.
type DB struct {
	conn *sql.DB
	path string

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Open opens or creates a ledger at dbPath.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	for _, pragma := range strings.Split(pragmasSQL, "\n") {
		pragma = strings.TrimSpace(pragma)
		if pragma == "" || strings.HasPrefix(pragma, "--") {
			continue
		}
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("applying pragma %q: %w", pragma, err)
		}
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &DB{conn: conn, path: dbPath, enc: enc, dec: dec}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	db.enc.Close()
	db.dec.Close()
	return db.conn.Close()
}

// Record stores r, filling in its ID, CreatedAt and Digest.
func (db *DB) Record(ctx context.Context, r *Release) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.Tags == nil {
		r.Tags = []string{}
	}

	snap := r.snapshot()
	data, err := cas.Canonical(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	digest, err := cas.Digest("release", snap)
	if err != nil {
		return fmt.Errorf("digesting snapshot: %w", err)
	}
	r.Digest = digest
	tags, err := json.Marshal(r.Tags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO releases (id, ts, command, mode, sha, tags, digest, snapshot) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.CreatedAt.UnixMilli(), r.Command, r.Mode, r.SHA, string(tags), digest, db.enc.EncodeAll(data, nil),
	)
	if err != nil {
		return fmt.Errorf("inserting release: %w", err)
	}
	for _, c := range r.Changes {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO release_packages (release_id, name, from_version, to_version) VALUES (?, ?, ?, ?)`,
			r.ID, c.Name, c.From, c.To,
		)
		if err != nil {
			return fmt.Errorf("inserting package %s: %w", c.Name, err)
		}
	}
	return tx.Commit()
}

// List returns the most recent releases first. A limit of zero or less
// returns all of them.
func (db *DB) List(ctx context.Context, limit int) ([]*Release, error) {
	query := `SELECT id, ts, command, mode, sha, tags, digest FROM releases ORDER BY ts DESC, rowid DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying releases: %w", err)
	}
	defer rows.Close()

	var out []*Release
	for rows.Next() {
		r, err := scanRelease(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("querying releases: %w", err)
	}

	for _, r := range out {
		if r.Changes, err = db.changes(ctx, r.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRelease(s scanner) (*Release, error) {
	var (
		r    Release
		ts   int64
		tags string
	)
	if err := s.Scan(&r.ID, &ts, &r.Command, &r.Mode, &r.SHA, &tags, &r.Digest); err != nil {
		return nil, err
	}
	r.CreatedAt = time.UnixMilli(ts)
	if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
		return nil, fmt.Errorf("decoding tags of %s: %w", r.ID, err)
	}
	return &r, nil
}

func (db *DB) changes(ctx context.Context, id string) ([]Change, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT name, from_version, to_version FROM release_packages WHERE release_id = ? ORDER BY name`, id)
	if err != nil {
		return nil, fmt.Errorf("querying packages: %w", err)
	}
	defer rows.Close()

	var out []Change
	for rows.Next() {
		var c Change
		if err := rows.Scan(&c.Name, &c.From, &c.To); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Get returns the release with the given ID or ID prefix.
func (db *DB) Get(ctx context.Context, id string) (*Release, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT id, ts, command, mode, sha, tags, digest FROM releases WHERE id LIKE ? ORDER BY ts DESC LIMIT 1`, id+"%")
	r, err := scanRelease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReleaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying release: %w", err)
	}
	if r.Changes, err = db.changes(ctx, r.ID); err != nil {
		return nil, err
	}
	return r, nil
}

// Snapshot returns the canonical JSON snapshot of a release after checking
// it against the stored digest.
func (db *DB) Snapshot(ctx context.Context, id string) ([]byte, error) {
	var (
		blob   []byte
		digest string
	)
	err := db.conn.QueryRowContext(ctx, `SELECT snapshot, digest FROM releases WHERE id = ?`, id).Scan(&blob, &digest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReleaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying snapshot: %w", err)
	}

	data, err := db.dec.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing snapshot: %w", err)
	}
	if cas.Sum(append([]byte("release\n"), data...)) != digest {
		return nil, fmt.Errorf("%s: %w", id, ErrCorrupt)
	}
	return data, nil
}
