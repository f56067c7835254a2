package api

import (
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/tallyhq/tally/internal/auth"
)

// auditLog emits a structured audit entry for an admin or client action.
// Extra key/value pairs go in detail.
func auditLog(r *http.Request, action string, resourceType string, resourceID string, detail ...any) {
	attrs := make([]any, 0, 10+len(detail))
	attrs = append(attrs,
		"action", action,
		"resource_type", resourceType,
		"resource_id", resourceID,
		"ip", clientIP(r),
		"request_id", RequestIDFromContext(r.Context()),
	)

	if c := auth.ClientFromContext(r.Context()); c != nil {
		attrs = append(attrs, "client_id", c.ID, "client_name", c.Name, "client_user_id", c.UserID)
	}

	attrs = append(attrs, detail...)
	slog.Info("audit", attrs...)
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the
// connection's remote address with the port stripped.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
