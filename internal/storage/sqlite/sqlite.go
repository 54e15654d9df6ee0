// Package sqlite persists compiled artifacts in a local SQLite file so a
// single host keeps its cache across restarts.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/heliosforge/progcache/internal/domain"
	_ "github.com/mattn/go-sqlite3"
)

type Backend struct {
	db *sql.DB
}

// Open creates or opens the database at path in WAL mode and applies the schema.
func Open(ctx context.Context, path string) (*Backend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	b := &Backend{db: db}
	if err := b.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *Backend) migrate(ctx context.Context) error {
	schemas := []string{
		`CREATE TABLE IF NOT EXISTS compiled_artifacts (
			cache_key TEXT PRIMARY KEY,
			version TEXT NOT NULL,
			payload BLOB NOT NULL,
			sha256 TEXT NOT NULL,
			created_at INTEGER NOT NULL -- unix nanoseconds, UTC
		);`,
		`CREATE INDEX IF NOT EXISTS compiled_artifacts_created_at_idx ON compiled_artifacts (created_at);`,
	}
	for _, schema := range schemas {
		if _, err := b.db.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, key domain.CacheKey) (domain.CompiledArtifact, bool, error) {
	if b == nil || b.db == nil {
		return domain.CompiledArtifact{}, false, errors.New("sqlite backend not initialized")
	}
	var (
		artifact  domain.CompiledArtifact
		rawKey    string
		version   string
		createdAt int64
	)
	row := b.db.QueryRowContext(ctx,
		`SELECT cache_key, version, payload, sha256, created_at FROM compiled_artifacts WHERE cache_key = ?`,
		string(key),
	)
	if err := row.Scan(&rawKey, &version, &artifact.Payload, &artifact.SHA256, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.CompiledArtifact{}, false, nil
		}
		return domain.CompiledArtifact{}, false, fmt.Errorf("select artifact: %w", err)
	}
	artifact.Key = domain.CacheKey(rawKey)
	artifact.Version = domain.TargetVersion(version)
	artifact.CreatedAt = time.Unix(0, createdAt).UTC()
	return artifact, true, nil
}

func (b *Backend) Put(ctx context.Context, artifact domain.CompiledArtifact) error {
	if b == nil || b.db == nil {
		return errors.New("sqlite backend not initialized")
	}
	createdAt := artifact.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO compiled_artifacts (cache_key, version, payload, sha256, created_at) VALUES (?, ?, ?, ?, ?)`,
		string(artifact.Key), string(artifact.Version), artifact.Payload, artifact.SHA256, createdAt.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

func (b *Backend) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	if b == nil || b.db == nil {
		return 0, errors.New("sqlite backend not initialized")
	}
	res, err := b.db.ExecContext(ctx, `DELETE FROM compiled_artifacts WHERE created_at < ?`, olderThan.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune artifacts: %w", err)
	}
	return res.RowsAffected()
}

func (b *Backend) HealthCheck(ctx context.Context) error {
	if b == nil || b.db == nil {
		return errors.New("sqlite backend not initialized")
	}
	return b.db.PingContext(ctx)
}
