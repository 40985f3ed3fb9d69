package auditlog

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/docforge-labs/docforge-go/internal/platform/auth"
)

// Recorder is the best-effort front to the audit trail: the run row is always
// authoritative, so a failed audit insert is logged and swallowed. A nil
// Recorder drops everything, which keeps tests and auditless deployments
// free of conditionals at the call sites.
type Recorder struct {
	db     QueryRower
	logger *slog.Logger
}

func NewRecorder(db QueryRower, logger *slog.Logger) *Recorder {
	if db == nil {
		return nil
	}
	return &Recorder{db: db, logger: logger}
}

// RecordRunAction writes one run lifecycle action. The actor comes from the
// request's authenticated identity when present, else from fallbackActor
// (worker endpoints pass the worker id).
func (rec *Recorder) RecordRunAction(r *http.Request, action, workspaceID, runID, fallbackActor string, payload map[string]any) {
	if rec == nil {
		return
	}
	actor := strings.TrimSpace(fallbackActor)
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && strings.TrimSpace(identity.Subject) != "" {
		actor = identity.Subject
	}
	if actor == "" {
		actor = "anonymous"
	}

	var ip net.IP
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = net.ParseIP(host)
	}

	_, err := Insert(r.Context(), rec.db, Event{
		OccurredAt:   time.Now().UTC(),
		Actor:        actor,
		Action:       action,
		WorkspaceID:  workspaceID,
		ResourceType: "run",
		ResourceID:   runID,
		RequestID:    r.Header.Get("X-Request-Id"),
		IP:           ip,
		UserAgent:    r.UserAgent(),
		Payload:      payload,
	})
	if err != nil && rec.logger != nil {
		rec.logger.Warn("audit insert failed", "action", action, "run_id", runID, "error", err)
	}
}

// AuthDenyFunc adapts the audit trail to the auth middleware's hook.
func (rec *Recorder) AuthDenyFunc(service string) auth.AuditFunc {
	return func(ctx context.Context, event auth.DenyEvent) error {
		if rec == nil {
			return nil
		}
		actor := strings.TrimSpace(event.Subject)
		if actor == "" {
			actor = "anonymous"
		}

		var ip net.IP
		if host, _, err := net.SplitHostPort(event.RemoteAddr); err == nil {
			ip = net.ParseIP(host)
		}

		_, err := Insert(ctx, rec.db, Event{
			OccurredAt:   event.Time,
			Actor:        actor,
			Action:       "auth." + strings.TrimSpace(event.Reason),
			ResourceType: "http",
			ResourceID:   event.Method + " " + event.Path,
			RequestID:    event.RequestID,
			IP:           ip,
			UserAgent:    event.UserAgent,
			Payload: map[string]any{
				"service": service,
				"status":  event.Status,
				"reason":  event.Reason,
				"error":   event.Error,
				"subject": event.Subject,
				"email":   event.Email,
				"roles":   event.Roles,
			},
		})
		return err
	}
}
