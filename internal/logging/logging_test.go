package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Graylog2/go-gelf/gelf"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{in: "", want: slog.LevelInfo},
		{in: "info", want: slog.LevelInfo},
		{in: " DEBUG ", want: slog.LevelDebug},
		{in: "warn", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "trace", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Fatalf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestConfigureFormats(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	closeFn, err := Configure(Options{Level: "debug", Format: "json", Output: &buf})
	if err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	defer closeFn()

	slog.Debug("hello", "service", "web")
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not json: %q", buf.String())
	}
	if rec["msg"] != "hello" || rec["service"] != "web" {
		t.Fatalf("record = %v", rec)
	}

	if _, err := Configure(Options{Format: "xml"}); err == nil {
		t.Fatal("Configure(format=xml) error = nil")
	}
}

func TestConfigureWritesFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	path := filepath.Join(t.TempDir(), "logs", "keelhaul.log")
	var console bytes.Buffer
	closeFn, err := Configure(Options{Level: "info", Output: &console, File: path})
	if err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	slog.Info("pass complete", "updated", 2)
	slog.Debug("filtered out")
	if err := closeFn(); err != nil {
		t.Fatalf("close error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"pass complete"`) {
		t.Fatalf("file = %q", data)
	}
	if strings.Contains(string(data), "filtered out") {
		t.Fatalf("debug record leaked into file: %q", data)
	}
	if !strings.Contains(console.String(), "pass complete") {
		t.Fatalf("console = %q", console.String())
	}
}

type sink struct{ msgs []*gelf.Message }

func (s *sink) WriteMessage(m *gelf.Message) error {
	s.msgs = append(s.msgs, m)
	return nil
}

func TestGelfHandler(t *testing.T) {
	s := &sink{}
	log := slog.New(NewGelfHandler(s, slog.LevelInfo)).With("component", "loop")

	log.Debug("ignored")
	log.WithGroup("svc").Warn("check failed", "name", "api", "attempt", 3, slog.Group("ref", "tag", "1"))

	if len(s.msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(s.msgs))
	}
	m := s.msgs[0]
	if m.Short != "check failed" || m.Level != 4 || m.Facility != gelfFacility {
		t.Fatalf("message = %+v", m)
	}
	want := map[string]any{
		"_component":   "loop",
		"_svc.name":    "api",
		"_svc.attempt": int64(3),
		"_svc.ref.tag": "1",
		"_level_name":  "WARN",
	}
	for k, v := range want {
		if m.Extra[k] != v {
			t.Errorf("Extra[%q] = %#v, want %#v", k, m.Extra[k], v)
		}
	}
}

func TestFanoutRespectsLevels(t *testing.T) {
	var debugBuf, warnBuf bytes.Buffer
	h := Fanout(
		slog.NewTextHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&warnBuf, &slog.HandlerOptions{Level: slog.LevelWarn}),
	)
	log := slog.New(h).With("k", "v")
	log.Info("info line")
	log.Warn("warn line")

	if !strings.Contains(debugBuf.String(), "info line") || !strings.Contains(debugBuf.String(), "warn line") {
		t.Fatalf("debug handler = %q", debugBuf.String())
	}
	if strings.Contains(warnBuf.String(), "info line") || !strings.Contains(warnBuf.String(), "k=v") {
		t.Fatalf("warn handler = %q", warnBuf.String())
	}
}
