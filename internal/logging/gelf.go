package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Graylog2/go-gelf/gelf"
)

const gelfFacility = "keelhaul"

// GelfSink is the part of a GELF writer the handler needs.
type GelfSink interface {
	WriteMessage(m *gelf.Message) error
}

// NewGelfWriter opens a UDP GELF writer to addr ("host:port").
func NewGelfWriter(addr string) (*gelf.UDPWriter, error) {
	w, err := gelf.NewUDPWriter(addr)
	if err != nil {
		return nil, fmt.Errorf("open gelf writer %s: %w", addr, err)
	}
	w.Facility = gelfFacility
	return w, nil
}

// GelfHandler turns slog records into GELF messages. Attributes become
// additional fields, with groups flattened into dotted names.
type GelfHandler struct {
	sink   GelfSink
	level  slog.Leveler
	host   string
	attrs  []slog.Attr
	groups []string
}

func NewGelfHandler(sink GelfSink, level slog.Leveler) *GelfHandler {
	host, _ := os.Hostname()
	return &GelfHandler{sink: sink, level: level, host: host}
}

func (h *GelfHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *GelfHandler) Handle(_ context.Context, r slog.Record) error {
	extra := make(map[string]any, len(h.attrs)+r.NumAttrs()+1)
	for _, a := range h.attrs {
		addExtra(extra, "", a)
	}
	prefix := groupPrefix(h.groups)
	r.Attrs(func(a slog.Attr) bool {
		addExtra(extra, prefix, a)
		return true
	})
	extra["_level_name"] = r.Level.String()

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return h.sink.WriteMessage(&gelf.Message{
		Version:  "1.1",
		Host:     h.host,
		Short:    r.Message,
		TimeUnix: float64(ts.UnixNano()) / float64(time.Second),
		Level:    syslogLevel(r.Level),
		Facility: gelfFacility,
		Extra:    extra,
	})
}

func (h *GelfHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	prefix := groupPrefix(h.groups)
	next.attrs = append(append([]slog.Attr(nil), h.attrs...), prefixed(prefix, attrs)...)
	return &next
}

func (h *GelfHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.groups = append(append([]string(nil), h.groups...), name)
	return &next
}

func groupPrefix(groups []string) string {
	var p string
	for _, g := range groups {
		p += g + "."
	}
	return p
}

func prefixed(prefix string, attrs []slog.Attr) []slog.Attr {
	if prefix == "" {
		return attrs
	}
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = slog.Attr{Key: prefix + a.Key, Value: a.Value}
	}
	return out
}

func addExtra(extra map[string]any, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			addExtra(extra, p, ga)
		}
		return
	}
	// GELF reserves "_id".
	key := prefix + a.Key
	if key == "id" {
		key = "id_"
	}
	switch a.Value.Kind() {
	case slog.KindInt64, slog.KindUint64, slog.KindFloat64, slog.KindBool:
		extra["_"+key] = a.Value.Any()
	default:
		extra["_"+key] = a.Value.String()
	}
}

// syslogLevel maps slog levels onto the syslog severities GELF uses.
func syslogLevel(l slog.Level) int32 {
	switch {
	case l >= slog.LevelError:
		return 3
	case l >= slog.LevelWarn:
		return 4
	case l >= slog.LevelInfo:
		return 6
	default:
		return 7
	}
}
