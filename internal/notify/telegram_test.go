package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"keelhaul/internal/reconcile"
)

type botServer struct {
	mu       sync.Mutex
	paths    []string
	messages []sendMessageRequest
	fail     bool
}

func (b *botServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	b.mu.Lock()
	b.paths = append(b.paths, r.URL.Path)
	b.messages = append(b.messages, req)
	fail := b.fail
	b.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if fail {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
		return
	}
	_, _ = w.Write([]byte(`{"ok":true}`))
}

func newTelegram(t *testing.T, bot *botServer, opts Options) *Telegram {
	t.Helper()
	srv := httptest.NewServer(bot)
	t.Cleanup(srv.Close)
	tg := NewTelegram("123:abc", "-42", opts)
	tg.BaseURL = srv.URL
	return tg
}

func updated(name, id string) reconcile.Result {
	return reconcile.Result{
		ServiceID:    id,
		ServiceName:  name,
		Image:        "acme/web:1@sha256:aaaa",
		Outcome:      reconcile.OutcomeUpdated,
		Reason:       reconcile.ReasonDigestChanged,
		UpdatedImage: "docker.io/acme/web:1@sha256:bbbb",
	}
}

func TestReportPassSendsOnePerUpdate(t *testing.T) {
	bot := &botServer{}
	tg := newTelegram(t, bot, Options{})

	tg.ReportPass(context.Background(), reconcile.Summary{
		Results: []reconcile.Result{
			updated("web", "abcdefghijklmnop"),
			{ServiceName: "api", Outcome: reconcile.OutcomeNoChange},
			{ServiceName: "db", Outcome: reconcile.OutcomeError, Err: errors.New("boom")},
			updated("worker", "w1"),
		},
	})

	if len(bot.messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(bot.messages))
	}
	if got, want := bot.paths[0], "/bot123:abc/sendMessage"; got != want {
		t.Fatalf("path = %q, want %q", got, want)
	}
	if bot.messages[0].ChatID != "-42" {
		t.Fatalf("chat_id = %q", bot.messages[0].ChatID)
	}
	if got, want := bot.messages[0].Text, "Service web updated (abcdefghij)"; got != want {
		t.Fatalf("text = %q, want %q", got, want)
	}
}

func TestReportPassSkipsDryRun(t *testing.T) {
	bot := &botServer{}
	tg := newTelegram(t, bot, Options{})

	tg.ReportPass(context.Background(), reconcile.Summary{
		DryRun:  true,
		Results: []reconcile.Result{updated("web", "w")},
	})
	if len(bot.messages) != 0 {
		t.Fatalf("messages = %d, want 0", len(bot.messages))
	}
}

func TestMessageImageOptions(t *testing.T) {
	r := updated("web", "svc1")
	tests := []struct {
		name string
		opts Options
		want []string
		not  []string
	}{
		{name: "bare", opts: Options{}, want: []string{"Service web updated (svc1)"}, not: []string{"old image", "new image"}},
		{name: "old", opts: Options{IncludeOldImage: true}, want: []string{"old image: acme/web:1@sha256:aaaa"}, not: []string{"new image"}},
		{name: "new", opts: Options{IncludeNewImage: true}, want: []string{"new image: docker.io/acme/web:1@sha256:bbbb"}, not: []string{"old image"}},
		{name: "both", opts: Options{IncludeOldImage: true, IncludeNewImage: true}, want: []string{"old image:", "new image:"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Message(r, tt.opts)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("Message() = %q, missing %q", got, w)
				}
			}
			for _, n := range tt.not {
				if strings.Contains(got, n) {
					t.Errorf("Message() = %q, should not contain %q", got, n)
				}
			}
		})
	}
}

func TestSendReportsAPIError(t *testing.T) {
	bot := &botServer{fail: true}
	tg := newTelegram(t, bot, Options{})

	err := tg.Send(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("Send() error = %v, want chat not found", err)
	}
}

func TestSendRedactsTokenOnTransportError(t *testing.T) {
	tg := NewTelegram("999:secret", "1", Options{})
	tg.BaseURL = "http://127.0.0.1:1"

	err := tg.Send(context.Background(), "hello")
	if err == nil {
		t.Fatal("Send() error = nil, want error")
	}
	if strings.Contains(err.Error(), "999:secret") {
		t.Fatalf("error leaks token: %v", err)
	}
}
