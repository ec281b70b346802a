package middleware

import (
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// AccessEntry captures who touched which clinical resource, when, from
// where, and with what outcome. It is the HTTP-level access trail; plan
// mutations additionally get domain audit entries of their own.
type AccessEntry struct {
	Actor        string
	ResourceType string
	Action       string // read, create, update, delete, search
	Path         string
	Method       string
	IPAddress    string
	RequestID    string
	StatusCode   int
	Timestamp    time.Time
}

// AccessRecorder persists access entries. Tests provide mock implementations.
type AccessRecorder interface {
	RecordAccess(entry AccessEntry) error
}

// AccessRecorderFunc is a function adapter for AccessRecorder.
type AccessRecorderFunc func(entry AccessEntry) error

func (f AccessRecorderFunc) RecordAccess(entry AccessEntry) error {
	return f(entry)
}

// AccessAudit returns middleware that logs every /api/v1/* request touching
// patient or plan data. The acting clinician is taken from the X-Actor
// header; identity verification is the deployment's gateway concern.
//
// Without a recorder, entries are only emitted as structured logs.
func AccessAudit(logger zerolog.Logger, recorders ...AccessRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path

			if !strings.HasPrefix(path, "/api/v1/") {
				return next(c)
			}

			// Run the handler first so the response status is known.
			err := next(c)

			entry := AccessEntry{
				Actor:        req.Header.Get("X-Actor"),
				ResourceType: resourceTypeFromPath(path),
				Action:       actionFromMethod(req.Method),
				Path:         path,
				Method:       req.Method,
				IPAddress:    c.RealIP(),
				StatusCode:   c.Response().Status,
				Timestamp:    time.Now().UTC(),
			}
			entry.RequestID = GetRequestID(c)

			if len(recorders) > 0 && recorders[0] != nil {
				if recErr := recorders[0].RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record access entry")
				}
			}

			logger.Info().
				Str("type", "access_audit").
				Str("request_id", entry.RequestID).
				Str("actor", entry.Actor).
				Str("resource_type", entry.ResourceType).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("resource access")

			return err
		}
	}
}

// resourceTypeFromPath extracts the first path segment after /api/v1/,
// e.g. "/api/v1/plans/123/finalize" -> "plans".
func resourceTypeFromPath(path string) string {
	rest := strings.TrimPrefix(path, "/api/v1/")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i]
	}
	return rest
}

func actionFromMethod(method string) string {
	switch method {
	case "GET":
		return "read"
	case "POST":
		return "create"
	case "PUT", "PATCH":
		return "update"
	case "DELETE":
		return "delete"
	default:
		return strings.ToLower(method)
	}
}
