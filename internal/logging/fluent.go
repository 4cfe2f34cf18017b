package logging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fluent/fluent-logger-golang/fluent"
)

// FluentConfig holds the Fluent Bit forward endpoint.
type FluentConfig struct {
	Host      string
	Port      int
	TagPrefix string // prefix of every tag; the level is appended
}

// NewFluentClient connects to Fluent Bit.
// The client connects lazily: errors surface on the first Post.
func NewFluentClient(cfg FluentConfig) (*fluent.Fluent, error) {
	if cfg.TagPrefix == "" {
		return nil, errors.New("fluent tag prefix is required")
	}

	client, err := fluent.New(fluent.Config{
		FluentHost:   cfg.Host,
		FluentPort:   cfg.Port,
		TagPrefix:    cfg.TagPrefix,
		Async:        true,
		WriteTimeout: 3 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("create fluent client: %w", err)
	}
	return client, nil
}

// Poster is the part of *fluent.Fluent the handler uses.
type Poster interface {
	Post(tag string, message any) error
}

// FluentHandler is a slog.Handler that forwards records to Fluent Bit.
// Each record becomes a map tagged with its level.
type FluentHandler struct {
	client   Poster
	minLevel slog.Leveler
	attrs    []slog.Attr
	groups   []string
}

// NewFluentHandler creates a handler posting records at or above minLevel.
func NewFluentHandler(client Poster, minLevel slog.Leveler) *FluentHandler {
	if minLevel == nil {
		minLevel = slog.LevelInfo
	}
	return &FluentHandler{client: client, minLevel: minLevel}
}

func (h *FluentHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.minLevel.Level()
}

func (h *FluentHandler) Handle(_ context.Context, r slog.Record) error {
	data := make(map[string]any, r.NumAttrs()+len(h.attrs)+3)
	data["level"] = r.Level.String()
	data["message"] = r.Message
	data["timestamp"] = r.Time.UTC().Format(time.RFC3339Nano)

	target := h.target(data)
	for _, a := range h.attrs {
		addAttr(target, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		addAttr(target, a)
		return true
	})

	// Fluent Bit being down must not break the caller.
	_ = h.client.Post(levelTag(r.Level), data)
	return nil
}

func (h *FluentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := *h
	h2.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &h2
}

func (h *FluentHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.groups = append(append([]string{}, h.groups...), name)
	return &h2
}

// target returns the nested map the current groups point to.
func (h *FluentHandler) target(data map[string]any) map[string]any {
	m := data
	for _, g := range h.groups {
		sub := make(map[string]any)
		m[g] = sub
		m = sub
	}
	return m
}

func addAttr(m map[string]any, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		attrs := a.Value.Group()
		if len(attrs) == 0 {
			return
		}
		sub := m
		if a.Key != "" {
			sub = make(map[string]any, len(attrs))
			m[a.Key] = sub
		}
		for _, ga := range attrs {
			addAttr(sub, ga)
		}
		return
	}

	switch v := a.Value.Any().(type) {
	case error:
		m[a.Key] = v.Error()
	case time.Duration:
		m[a.Key] = v.String()
	case time.Time:
		m[a.Key] = v.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		m[a.Key] = v.String()
	default:
		m[a.Key] = v
	}
}

func levelTag(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "error"
	case l >= slog.LevelWarn:
		return "warn"
	case l >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}

// Fanout returns a handler that passes each record to every handler.
func Fanout(handlers ...slog.Handler) slog.Handler {
	return fanout(handlers)
}

type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
