// Package audit emits security-relevant lifecycle events as structured log
// entries. Entries carry identifiers only, never credentials or tokens.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"stepline.social/internal/account"
	"stepline.social/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// Event names recorded by the HTTP layer.
const (
	EventRegisterStart  = "account.register.start"
	EventRegisterVerify = "account.register.verify"
	EventLogin          = "account.login"
	EventLockout        = "account.lockout"
	EventRefresh        = "account.refresh"
	EventRefreshReuse   = "account.refresh.reuse"
	EventLogout         = "account.logout"
	EventLogoutAll      = "account.logout.all"
	EventPasswordForgot = "account.password.forgot"
	EventPasswordReset  = "account.password.reset"
)

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit entry enriched with request and user context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if userID, ok := account.UserIDFromContext(ctx); ok {
		entry["user_id"] = userID
	}
	if len(fields) > 0 {
		copyFields := make(map[string]any, len(fields))
		for k, v := range fields {
			copyFields[k] = v
		}
		entry["fields"] = copyFields
	} else {
		entry["fields"] = map[string]any{}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
