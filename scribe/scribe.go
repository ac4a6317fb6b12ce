// Package scribe defines anvil-wide logging helpers.
//
// Logging happens via slog. Request-scoped attributes (repo id,
// conversation id, turn id) travel on the context and are attached to
// every record by the wrapping handler.
package scribe

import (
	"context"
	"log/slog"
	"slices"
	"strings"
)

type attrsKey struct{}

// Redact replaces the values of known secret-bearing environment
// variables in arr, which is expected to hold KEY=VALUE pairs.
func Redact(arr []string) []string {
	ret := make([]string, 0, len(arr))
	for _, s := range arr {
		key, _, ok := strings.Cut(s, "=")
		if ok && isSecretEnv(key) {
			ret = append(ret, key+"=[REDACTED]")
			continue
		}
		ret = append(ret, s)
	}
	return ret
}

func isSecretEnv(key string) bool {
	switch key {
	case "ANTHROPIC_API_KEY", "OPENAI_API_KEY", "ANVIL_PLATFORM_API_KEY", "ANVIL_JWT_SECRET":
		return true
	}
	return false
}

// ContextWithAttr returns a context carrying the given attrs in addition
// to any attrs already present.
func ContextWithAttr(ctx context.Context, add ...slog.Attr) context.Context {
	attrs := slices.Clone(Attrs(ctx))
	attrs = append(attrs, add...)
	return context.WithValue(ctx, attrsKey{}, attrs)
}

// Attrs returns the attrs carried by ctx, if any.
func Attrs(ctx context.Context) []slog.Attr {
	attrs, _ := ctx.Value(attrsKey{}).([]slog.Attr)
	return attrs
}

// AttrsWrap wraps h so that context-carried attrs are added to every record.
func AttrsWrap(h slog.Handler) slog.Handler {
	return &augmentHandler{Handler: h}
}

type augmentHandler struct {
	slog.Handler
}

func (h *augmentHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(Attrs(ctx)...)
	return h.Handler.Handle(ctx, r)
}
