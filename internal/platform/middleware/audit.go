package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// AuditEntry represents an audit log entry produced by the middleware.
// It captures what sync-related action was taken, when, from where, and the
// outcome.
type AuditEntry struct {
	Action     string // trigger_sync, resolve_conflict, retry, reset, monitor, read
	ConflictID string
	IPAddress  string
	UserAgent  string
	Path       string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// AuditRecorder is the interface that the audit middleware uses to persist
// audit entries. This decouples the middleware from any concrete sink so that
// tests can provide a mock implementation.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit returns Echo middleware that intercepts requests to /api/v1/* and
// logs every sync-related action with its outcome.
//
// If no AuditRecorder is provided, it falls back to structured zerolog logging.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path

			if !isAuditablePath(path) {
				return next(c)
			}

			// Execute the handler first so we capture the response status
			err := next(c)

			entry := AuditEntry{
				Timestamp:  time.Now().UTC(),
				Path:       path,
				Method:     req.Method,
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				StatusCode: c.Response().Status,
			}

			// Request ID from middleware chain
			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}

			entry.Action = actionFromRequest(req.Method, path)
			entry.ConflictID = extractConflictID(path)

			// Record the audit entry
			if len(recorders) > 0 && recorders[0] != nil {
				if recErr := recorders[0].RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			// Always emit a structured log for the audit trail
			logger.Info().
				Str("type", "sync_audit").
				Str("request_id", entry.RequestID).
				Str("action", entry.Action).
				Str("conflict_id", entry.ConflictID).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("sync_action")

			return err
		}
	}
}

// isAuditablePath returns true if the path is under /api/v1/.
func isAuditablePath(path string) bool {
	return strings.HasPrefix(path, "/api/v1/")
}

// actionFromRequest maps a request to a sync audit action code.
func actionFromRequest(method, path string) string {
	if method == http.MethodGet || method == http.MethodHead {
		return "read"
	}
	switch {
	case strings.HasSuffix(path, "/resolve"):
		return "resolve_conflict"
	case strings.HasSuffix(path, "/retry"):
		return "retry"
	case strings.HasSuffix(path, "/reset"):
		return "reset"
	case strings.Contains(path, "/monitor/"):
		return "monitor"
	case strings.HasSuffix(path, "/sync"):
		return "trigger_sync"
	default:
		return "write"
	}
}

// extractConflictID finds a conflict identifier in resolve paths of the form
// /api/v1/sync/conflicts/<uuid>/resolve.
func extractConflictID(path string) string {
	const prefix = "/api/v1/sync/conflicts/"
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	segments := strings.Split(strings.TrimPrefix(path, prefix), "/")
	if len(segments) > 0 && isUUIDLike(segments[0]) {
		return segments[0]
	}
	return ""
}

// isUUIDLike checks if a string parses as a UUID.
func isUUIDLike(s string) bool {
	if len(s) < 1 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
