package audit

import (
	"context"
	"errors"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"credledger.org/internal/auth"
	"credledger.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with request and operator context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	zf := []zap.Field{zap.String("type", "audit"), zap.String("event", event)}
	if rid := RequestIDFromContext(ctx); rid != "" {
		zf = append(zf, zap.String("request_id", rid))
	}
	if g, ok := auth.FromContext(ctx); ok {
		zf = append(zf, zap.String("operator", g.Subject))
		if !g.Signer.IsZero() {
			zf = append(zf, zap.Stringer("signer", g.Signer))
		}
	}
	zf = append(zf, zap.Object("fields", fieldMap(fields)))
	obs.Named("audit").Info(event, zf...)
	return nil
}

type fieldMap map[string]any

func (m fieldMap) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := enc.AddReflected(k, m[k]); err != nil {
			return err
		}
	}
	return nil
}
