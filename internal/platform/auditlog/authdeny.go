package auditlog

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/heliosforge/progcache/internal/platform/auth"
	"github.com/heliosforge/progcache/internal/platform/httpserver"
)

// AuthDenyEvent maps a rejected request onto an audit event.
func AuthDenyEvent(service, requestID string, event auth.DenyEvent) Event {
	actor := "anonymous"
	if strings.TrimSpace(event.Subject) != "" {
		actor = strings.TrimSpace(event.Subject)
	}
	return Event{
		OccurredAt:   event.Time,
		Actor:        actor,
		Action:       "auth." + strings.TrimSpace(event.Reason),
		ResourceType: "http",
		ResourceID:   event.Method + " " + event.Path,
		RequestID:    requestID,
		RemoteAddr:   event.RemoteAddr,
		UserAgent:    event.UserAgent,
		Payload: map[string]any{
			"service":  service,
			"status":   event.Status,
			"reason":   event.Reason,
			"role":     event.Role,
			"required": event.Required,
		},
	}
}

// DenyHook adapts rec to auth.Middleware.OnDeny.
func DenyHook(rec Recorder, service string, logger *slog.Logger) func(r *http.Request, event auth.DenyEvent) {
	return func(r *http.Request, event auth.DenyEvent) {
		requestID, _ := httpserver.RequestIDFromContext(r.Context())
		// The request context ends with the response; the journal write must not.
		ctx := context.WithoutCancel(r.Context())
		if err := rec.Record(ctx, AuthDenyEvent(service, requestID, event)); err != nil && logger != nil {
			logger.Warn("audit record failed", "action", "auth."+event.Reason, "error", err)
		}
	}
}
