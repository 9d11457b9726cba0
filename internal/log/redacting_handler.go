package log

import (
	"context"
	"log/slog"
	"strings"
)

const redactedValue = "[REDACTED]"

var sensitiveFields = map[string]struct{}{
	"passphrase": {},
	"password":   {},
	"secret":     {},
	"key":        {},
	"token":      {},
	"salt":       {},
	"nonce":      {},
}

// Attribute keys ending in one of these are treated as sensitive too, so
// "master_key" or "archive_passphrase" never reach the sink.
var sensitiveSuffixes = []string{"_key", "_passphrase", "_password", "_secret"}

type RedactingHandler struct {
	inner slog.Handler
}

func NewRedactingHandler(inner slog.Handler) *RedactingHandler {
	return &RedactingHandler{inner: inner}
}

func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *RedactingHandler) Handle(ctx context.Context, record slog.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			fallback := slog.NewRecord(record.Time, slog.LevelError, "redaction handler panic recovered", record.PC)
			fallback.AddAttrs(slog.String("panic", redactedValue))
			err = h.inner.Handle(ctx, fallback)
		}
	}()

	out := slog.NewRecord(record.Time, record.Level, record.Message, record.PC)
	record.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(redactAttr(attr))
		return true
	})
	return h.inner.Handle(ctx, out)
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		out = append(out, redactAttr(attr))
	}
	return &RedactingHandler{inner: h.inner.WithAttrs(out)}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{inner: h.inner.WithGroup(name)}
}

func isSensitiveKey(key string) bool {
	key = strings.ToLower(key)
	if _, ok := sensitiveFields[key]; ok {
		return true
	}
	for _, suffix := range sensitiveSuffixes {
		if strings.HasSuffix(key, suffix) {
			return true
		}
	}
	return false
}

func redactAttr(attr slog.Attr) slog.Attr {
	if isSensitiveKey(attr.Key) {
		return slog.String(attr.Key, redactedValue)
	}

	value := attr.Value.Resolve()
	if value.Kind() != slog.KindGroup {
		return attr
	}

	group := value.Group()
	nested := make([]slog.Attr, 0, len(group))
	for _, member := range group {
		nested = append(nested, redactAttr(member))
	}
	return slog.Attr{Key: attr.Key, Value: slog.GroupValue(nested...)}
}
