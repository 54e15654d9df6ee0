// Package auditlog journals artifact mints, compile failures and denied
// requests. Each event carries an integrity digest over its canonical JSON
// form so rows can be checked after the fact.
package auditlog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/heliosforge/progcache/internal/platform/auth"
	"github.com/heliosforge/progcache/internal/platform/httpserver"
)

const (
	ActionArtifactMinted        = "artifact.minted"
	ActionArtifactCompileFailed = "artifact.compile_failed"

	DefaultTable = "artifact_audit_events"
)

var tablePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

type Event struct {
	OccurredAt   time.Time
	Actor        string
	Action       string
	ResourceType string
	ResourceID   string
	RequestID    string
	RemoteAddr   string
	UserAgent    string
	Payload      any
}

func (e Event) Validate() error {
	if e.OccurredAt.IsZero() {
		return errors.New("OccurredAt is required")
	}
	if strings.TrimSpace(e.Actor) == "" {
		return errors.New("Actor is required")
	}
	if strings.TrimSpace(e.Action) == "" {
		return errors.New("Action is required")
	}
	if strings.TrimSpace(e.ResourceType) == "" {
		return errors.New("ResourceType is required")
	}
	if strings.TrimSpace(e.ResourceID) == "" {
		return errors.New("ResourceID is required")
	}
	return nil
}

// Recorder persists audit events. Record failures never fail the request
// that produced the event; callers log them.
type Recorder interface {
	Record(ctx context.Context, event Event) error
}

// FromContext returns the authenticated subject, or "anonymous", and the
// request id carried by ctx.
func FromContext(ctx context.Context) (actor, requestID string) {
	actor = "anonymous"
	if id, ok := auth.IdentityFromContext(ctx); ok && strings.TrimSpace(id.Subject) != "" {
		actor = id.Subject
	}
	requestID, _ = httpserver.RequestIDFromContext(ctx)
	return actor, requestID
}

type QueryRower interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLRecorder appends events to a postgres table.
type SQLRecorder struct {
	db    QueryRower
	table string
}

func NewSQLRecorder(db QueryRower, table string) (*SQLRecorder, error) {
	if db == nil {
		return nil, errors.New("database handle is required")
	}
	table = strings.TrimSpace(table)
	if table == "" {
		table = DefaultTable
	}
	if !tablePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid audit table name %q", table)
	}
	return &SQLRecorder{db: db, table: table}, nil
}

func (s *SQLRecorder) Migrate(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("audit recorder not initialized")
	}
	if _, err := s.db.ExecContext(ctx, createTableQuery(s.table)); err != nil {
		return fmt.Errorf("migrate %s: %w", s.table, err)
	}
	return nil
}

func (s *SQLRecorder) Record(ctx context.Context, event Event) error {
	if s == nil || s.db == nil {
		return errors.New("audit recorder not initialized")
	}
	_, err := Insert(ctx, s.db, s.table, event)
	return err
}

// Insert validates event, stamps its integrity digest and returns the new
// row id.
func Insert(ctx context.Context, q QueryRower, table string, event Event) (int64, error) {
	if q == nil {
		return 0, errors.New("queryer is required")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := event.Validate(); err != nil {
		return 0, err
	}
	payloadJSON, err := marshalPayload(event.Payload)
	if err != nil {
		return 0, err
	}
	integrity, err := ComputeIntegritySHA256(event, payloadJSON)
	if err != nil {
		return 0, err
	}

	var id int64
	err = q.QueryRowContext(
		ctx,
		insertQuery(table),
		event.OccurredAt.UTC(),
		strings.TrimSpace(event.Actor),
		strings.TrimSpace(event.Action),
		strings.TrimSpace(event.ResourceType),
		strings.TrimSpace(event.ResourceID),
		nullString(event.RequestID),
		nullString(event.RemoteAddr),
		nullString(event.UserAgent),
		payloadJSON,
		integrity,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert audit event: %w", err)
	}
	return id, nil
}

func ComputeIntegritySHA256(event Event, payloadJSON []byte) (string, error) {
	type integrityInput struct {
		OccurredAt   time.Time       `json:"occurred_at"`
		Actor        string          `json:"actor"`
		Action       string          `json:"action"`
		ResourceType string          `json:"resource_type"`
		ResourceID   string          `json:"resource_id"`
		RequestID    string          `json:"request_id,omitempty"`
		RemoteAddr   string          `json:"remote_addr,omitempty"`
		UserAgent    string          `json:"user_agent,omitempty"`
		Payload      json.RawMessage `json:"payload"`
	}

	in := integrityInput{
		OccurredAt:   event.OccurredAt.UTC(),
		Actor:        strings.TrimSpace(event.Actor),
		Action:       strings.TrimSpace(event.Action),
		ResourceType: strings.TrimSpace(event.ResourceType),
		ResourceID:   strings.TrimSpace(event.ResourceID),
		RequestID:    strings.TrimSpace(event.RequestID),
		RemoteAddr:   strings.TrimSpace(event.RemoteAddr),
		UserAgent:    strings.TrimSpace(event.UserAgent),
		Payload:      payloadJSON,
	}

	blob, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("marshal integrity: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

// LogRecorder writes events to a structured logger.
type LogRecorder struct {
	Logger *slog.Logger
}

func (l LogRecorder) Record(ctx context.Context, event Event) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := event.Validate(); err != nil {
		return err
	}
	payloadJSON, err := marshalPayload(event.Payload)
	if err != nil {
		return err
	}
	integrity, err := ComputeIntegritySHA256(event, payloadJSON)
	if err != nil {
		return err
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.LogAttrs(ctx, slog.LevelInfo, "audit event",
		slog.Time("occurred_at", event.OccurredAt.UTC()),
		slog.String("actor", event.Actor),
		slog.String("action", event.Action),
		slog.String("resource_type", event.ResourceType),
		slog.String("resource_id", event.ResourceID),
		slog.String("request_id", event.RequestID),
		slog.String("payload", string(payloadJSON)),
		slog.String("integrity_sha256", integrity),
	)
	return nil
}

func marshalPayload(payload any) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	blob, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return blob, nil
}

func nullString(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}

func createTableQuery(table string) string {
	return `CREATE TABLE IF NOT EXISTS ` + table + ` (
		event_id BIGSERIAL PRIMARY KEY,
		occurred_at TIMESTAMPTZ NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		request_id TEXT,
		remote_addr TEXT,
		user_agent TEXT,
		payload JSONB NOT NULL,
		integrity_sha256 TEXT NOT NULL
	)`
}

func insertQuery(table string) string {
	return `INSERT INTO ` + table + ` (
		occurred_at,
		actor,
		action,
		resource_type,
		resource_id,
		request_id,
		remote_addr,
		user_agent,
		payload,
		integrity_sha256
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	RETURNING event_id`
}
