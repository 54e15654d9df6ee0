package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/heliosforge/progcache/internal/domain"
)

const DefaultTable = "compiled_artifacts"

var tablePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Backend keeps one row per cache key. Conflict handling happens in
// artifactstore; Put here always upserts.
type Backend struct {
	db    DB
	table string
}

func NewBackend(db DB, table string) (*Backend, error) {
	if db == nil {
		return nil, errors.New("database handle is required")
	}
	table = strings.TrimSpace(table)
	if table == "" {
		table = DefaultTable
	}
	if !tablePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Backend{db: db, table: table}, nil
}

// Migrate creates the artifact table when it does not exist.
func (b *Backend) Migrate(ctx context.Context) error {
	if b == nil || b.db == nil {
		return errors.New("postgres backend not initialized")
	}
	for _, stmt := range migrationStatements(b.table) {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", b.table, err)
		}
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, key domain.CacheKey) (domain.CompiledArtifact, bool, error) {
	if b == nil || b.db == nil {
		return domain.CompiledArtifact{}, false, errors.New("postgres backend not initialized")
	}
	var (
		artifact domain.CompiledArtifact
		version  string
	)
	row := b.db.QueryRowContext(ctx, selectQuery(b.table), string(key))
	if err := row.Scan(&artifact.Key, &version, &artifact.Payload, &artifact.SHA256, &artifact.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.CompiledArtifact{}, false, nil
		}
		return domain.CompiledArtifact{}, false, fmt.Errorf("select artifact: %w", err)
	}
	artifact.Version = domain.TargetVersion(version)
	artifact.CreatedAt = artifact.CreatedAt.UTC()
	return artifact, true, nil
}

func (b *Backend) Put(ctx context.Context, artifact domain.CompiledArtifact) error {
	if b == nil || b.db == nil {
		return errors.New("postgres backend not initialized")
	}
	createdAt := artifact.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := b.db.ExecContext(
		ctx,
		upsertQuery(b.table),
		string(artifact.Key),
		string(artifact.Version),
		artifact.Payload,
		artifact.SHA256,
		createdAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert artifact: %w", err)
	}
	return nil
}

// Prune deletes rows created before the cutoff.
func (b *Backend) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	if b == nil || b.db == nil {
		return 0, errors.New("postgres backend not initialized")
	}
	res, err := b.db.ExecContext(ctx, pruneQuery(b.table), olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune artifacts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune artifacts: %w", err)
	}
	return n, nil
}

func migrationStatements(table string) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + table + ` (
			cache_key CHAR(64) PRIMARY KEY,
			version TEXT NOT NULL,
			payload BYTEA NOT NULL,
			sha256 CHAR(64) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ` + table + `_created_at_idx ON ` + table + ` (created_at)`,
	}
}

func selectQuery(table string) string {
	return `SELECT cache_key, version, payload, sha256, created_at FROM ` + table + ` WHERE cache_key = $1`
}

func upsertQuery(table string) string {
	return `INSERT INTO ` + table + ` (cache_key, version, payload, sha256, created_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (cache_key) DO UPDATE SET
			version = EXCLUDED.version,
			payload = EXCLUDED.payload,
			sha256 = EXCLUDED.sha256,
			created_at = EXCLUDED.created_at`
}

func pruneQuery(table string) string {
	return `DELETE FROM ` + table + ` WHERE created_at < $1`
}
