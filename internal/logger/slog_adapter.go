package logger

import (
	"context"
	"log"
	"log/slog"
	"strings"
)

// NewSlogHandler returns a slog.Handler writing through l. Attributes are
// appended to the message as key=value pairs, group names joined with dots.
// It returns nil for a nil logger.
func NewSlogHandler(l *Logger) slog.Handler {
	if l == nil {
		return nil
	}
	return &slogHandler{log: l}
}

// NewStdLogger returns a standard library *log.Logger whose output is
// routed through l at the given level. Used for http.Server.ErrorLog.
func NewStdLogger(l *Logger, level slog.Level) *log.Logger {
	if l == nil {
		return nil
	}
	return slog.NewLogLogger(NewSlogHandler(l), level)
}

type slogHandler struct {
	log *Logger
	// group is the dotted key prefix of the open groups, "" or "a.b.".
	group string
	// attrs holds the attributes added with WithAttrs, already rendered.
	attrs string
}

func (h *slogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return fromSlogLevel(level) >= h.log.GetLevel()
}

func (h *slogHandler) Handle(_ context.Context, record slog.Record) error {
	var b strings.Builder
	b.WriteString(record.Message)
	b.WriteString(h.attrs)
	record.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, h.group, a)
		return true
	})

	h.log.log(fromSlogLevel(record.Level), "%s", strings.TrimPrefix(b.String(), " "))
	return nil
}

func (h *slogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var b strings.Builder
	b.WriteString(h.attrs)
	for _, a := range attrs {
		writeAttr(&b, h.group, a)
	}
	return &slogHandler{log: h.log, group: h.group, attrs: b.String()}
}

func (h *slogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &slogHandler{log: h.log, group: h.group + name + ".", attrs: h.attrs}
}

// writeAttr appends " key=value", flattening groups into dotted keys.
func writeAttr(b *strings.Builder, group string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		inner := group
		if a.Key != "" {
			inner += a.Key + "."
		}
		for _, nested := range a.Value.Group() {
			writeAttr(b, inner, nested)
		}
		return
	}

	key := a.Key
	if key == "" {
		key = "attr"
	}
	b.WriteByte(' ')
	b.WriteString(group)
	b.WriteString(key)
	b.WriteByte('=')
	b.WriteString(a.Value.String())
}

func fromSlogLevel(level slog.Level) Level {
	switch {
	case level >= slog.LevelError:
		return LevelError
	case level >= slog.LevelWarn:
		return LevelWarn
	case level >= slog.LevelInfo:
		return LevelInfo
	default:
		return LevelDebug
	}
}
