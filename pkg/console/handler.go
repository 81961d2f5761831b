package console

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Handler tees slog records at or above level to the hub as console lines,
// while passing every record on to next
type Handler struct {
	next   slog.Handler
	hub    *Hub
	level  slog.Leveler
	prefix string // Pre-rendered attrs from WithAttrs
	group  string
}

// NewHandler wraps next
func NewHandler(next slog.Handler, hub *Hub, level slog.Leveler) *Handler {
	return &Handler{next: next, hub: hub, level: level}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level) || level >= h.level.Level()
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= h.level.Level() {
		var b strings.Builder
		b.WriteString(r.Message)
		b.WriteString(h.prefix)
		r.Attrs(func(a slog.Attr) bool {
			writeAttr(&b, h.group, a)
			return true
		})
		h.hub.Publish(Entry{Time: r.Time, Kind: KindLog, Text: b.String()})
	}

	if h.next.Enabled(ctx, r.Level) {
		return h.next.Handle(ctx, r)
	}
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var b strings.Builder
	b.WriteString(h.prefix)
	for _, a := range attrs {
		writeAttr(&b, h.group, a)
	}
	return &Handler{
		next:   h.next.WithAttrs(attrs),
		hub:    h.hub,
		level:  h.level,
		prefix: b.String(),
		group:  h.group,
	}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &Handler{
		next:   h.next.WithGroup(name),
		hub:    h.hub,
		level:  h.level,
		prefix: h.prefix,
		group:  group,
	}
}

func writeAttr(b *strings.Builder, group string, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if group != "" {
		key = group + "." + key
	}
	fmt.Fprintf(b, " %s=%v", key, a.Value.Resolve())
}
