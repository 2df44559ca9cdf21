package source

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/qamon/qamon/internal/bus"
	"github.com/qamon/qamon/internal/config"
)

func TestNewSlackSource_MissingTokens(t *testing.T) {
	rec := &enqueueRecorder{}
	if _, err := NewSlackSource(config.SlackConfig{APIToken: "xoxb-1"}, rec.fn()); err == nil {
		t.Error("expected error for missing app token")
	}
	if _, err := NewSlackSource(config.SlackConfig{AppToken: "xapp-1"}, rec.fn()); err == nil {
		t.Error("expected error for missing api token")
	}
}

func TestSlackSource_HandleEventFilters(t *testing.T) {
	rec := &enqueueRecorder{}
	src, err := NewSlackSource(config.SlackConfig{AppToken: "xapp-1", APIToken: "xoxb-1"}, rec.fn())
	if err != nil {
		t.Fatalf("NewSlackSource error: %v", err)
	}

	cases := []struct {
		name string
		ev   slackEvent
		want bool
	}{
		{"plain message", slackEvent{Type: "message", Channel: "C1", User: "U1", Text: "hi", TS: "1700000000.000100"}, true},
		{"edit", slackEvent{Type: "message", Subtype: "message_changed", Channel: "C1", User: "U1", Text: "hi", TS: "1.2"}, false},
		{"bot post", slackEvent{Type: "message", Channel: "C1", User: "U1", BotID: "B1", Text: "hi", TS: "1.2"}, false},
		{"no user", slackEvent{Type: "message", Channel: "C1", Text: "hi", TS: "1.2"}, false},
		{"blank text", slackEvent{Type: "message", Channel: "C1", User: "U1", Text: "   ", TS: "1.2"}, false},
		{"reaction", slackEvent{Type: "reaction_added", Channel: "C1", User: "U1", TS: "1.2"}, false},
	}

	for _, tc := range cases {
		before := len(rec.msgs)
		src.handleEvent(tc.ev)
		got := len(rec.msgs) > before
		if got != tc.want {
			t.Errorf("%s: enqueued=%v, want %v", tc.name, got, tc.want)
		}
	}

	m := rec.msgs[0]
	if m.MessageID != "C1/1700000000.000100" || m.Channel != "C1" || m.UserID != "U1" {
		t.Errorf("unexpected message identity: %+v", m)
	}
	if m.Timestamp.Unix() != 1700000000 {
		t.Errorf("timestamp = %v", m.Timestamp)
	}
}

func TestSlackTime(t *testing.T) {
	ts := slackTime("1700000000.123456")
	if ts.Unix() != 1700000000 {
		t.Errorf("seconds = %d", ts.Unix())
	}
	if slackTime("garbage").IsZero() {
		t.Error("malformed ts should fall back to now, not zero")
	}
}

// fakeSlack runs an in-process Socket Mode endpoint: connections.open hands
// out a ws URL on the same server, the socket pushes the scripted envelopes
// and records acks.
type fakeSlack struct {
	srv       *httptest.Server
	envelopes []string

	mu   sync.Mutex
	acks []string
}

func newFakeSlack(t *testing.T, envelopes []string) *fakeSlack {
	t.Helper()
	f := &fakeSlack{envelopes: envelopes}
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/apps.connections.open", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer xapp-1" {
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "invalid_auth"})
			return
		}
		wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/socket"
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "url": wsURL})
	})
	mux.HandleFunc("/socket", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		for _, env := range f.envelopes {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(env)); err != nil {
				return
			}
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var ack struct {
				EnvelopeID string `json:"envelope_id"`
			}
			if json.Unmarshal(data, &ack) == nil && ack.EnvelopeID != "" {
				f.mu.Lock()
				f.acks = append(f.acks, ack.EnvelopeID)
				f.mu.Unlock()
			}
		}
	})
	mux.HandleFunc("/users.info", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("user") {
		case "U1":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"ok": true,
				"user": map[string]any{
					"name":    "alice",
					"profile": map[string]any{"display_name": "Alice", "real_name": "Alice A"},
				},
			})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "user_not_found"})
		}
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeSlack) ackedEnvelopes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acks...)
}

func newTestSlackSource(t *testing.T, f *fakeSlack, enqueue EnqueueFunc) *SlackSource {
	t.Helper()
	src, err := NewSlackSource(config.SlackConfig{AppToken: "xapp-1", APIToken: "xoxb-1"}, enqueue)
	if err != nil {
		t.Fatalf("NewSlackSource error: %v", err)
	}
	src.apiBase = f.srv.URL
	return src
}

func TestSlackSource_SocketModeDelivery(t *testing.T) {
	hello := `{"type":"hello"}`
	event := `{"envelope_id":"env-1","type":"events_api","payload":{"event":{"type":"message","channel":"C1","user":"U1","text":"how do I deploy?","ts":"1700000000.000100"}}}`

	f := newFakeSlack(t, []string{hello, event})

	msgs := make(chan bus.ChatMessage, 1)
	src := newTestSlackSource(t, f, func(m bus.ChatMessage) { msgs <- m })

	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer src.Stop()

	select {
	case m := <-msgs:
		if m.Channel != "C1" || m.UserID != "U1" || m.Text != "how do I deploy?" {
			t.Errorf("unexpected message: %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered over socket mode")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if acks := f.ackedEnvelopes(); len(acks) == 1 && acks[0] == "env-1" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("envelope not acked: %v", f.ackedEnvelopes())
}

func TestSlackSource_StartFailsOnBadToken(t *testing.T) {
	f := newFakeSlack(t, nil)
	rec := &enqueueRecorder{}
	src, _ := NewSlackSource(config.SlackConfig{AppToken: "xapp-wrong", APIToken: "xoxb-1"}, rec.fn())
	src.apiBase = f.srv.URL

	if err := src.Start(context.Background()); err == nil {
		src.Stop()
		t.Fatal("expected start failure with invalid app token")
	}
}

func TestSlackSource_Resolve(t *testing.T) {
	f := newFakeSlack(t, nil)
	rec := &enqueueRecorder{}
	src := newTestSlackSource(t, f, rec.fn())
	ctx := context.Background()

	name, err := src.Resolve(ctx, "U1")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if name != "Alice" {
		t.Errorf("name = %q, want Alice", name)
	}

	// Second lookup is served from cache; break the server to prove it.
	f.srv.Close()
	name, err = src.Resolve(ctx, "U1")
	if err != nil || name != "Alice" {
		t.Errorf("cached resolve failed: %q %v", name, err)
	}
}

func TestSlackSource_ResolveUnknownUser(t *testing.T) {
	f := newFakeSlack(t, nil)
	rec := &enqueueRecorder{}
	src := newTestSlackSource(t, f, rec.fn())

	if _, err := src.Resolve(context.Background(), "U404"); err != ErrUnknownUser {
		t.Errorf("expected ErrUnknownUser, got %v", err)
	}
}

// mockSource implements Source for manager tests.
type mockSource struct {
	name     string
	started  bool
	stopped  bool
	resolved map[string]string
}

func (m *mockSource) Name() string                    { return m.name }
func (m *mockSource) Start(ctx context.Context) error { m.started = true; return nil }
func (m *mockSource) Stop() error                     { m.stopped = true; return nil }

func (m *mockSource) Resolve(_ context.Context, userID string) (string, error) {
	if name, ok := m.resolved[userID]; ok {
		return name, nil
	}
	return "", ErrUnknownUser
}

func TestManager_ResolveFansOut(t *testing.T) {
	a := &mockSource{name: "a", resolved: map[string]string{"U1": "Alice"}}
	b := &mockSource{name: "b", resolved: map[string]string{"U2": "Bob"}}
	m := &Manager{sources: map[string]Source{"a": a, "b": b}}
	ctx := context.Background()

	if name, err := m.Resolve(ctx, "U1"); err != nil || name != "Alice" {
		t.Errorf("Resolve(U1) = %q, %v", name, err)
	}
	if name, err := m.Resolve(ctx, "U2"); err != nil || name != "Bob" {
		t.Errorf("Resolve(U2) = %q, %v", name, err)
	}
	if _, err := m.Resolve(ctx, "U3"); err != ErrUnknownUser {
		t.Errorf("Resolve(U3) err = %v, want ErrUnknownUser", err)
	}
}

func TestManager_StartStopAll(t *testing.T) {
	a := &mockSource{name: "a"}
	m := &Manager{sources: map[string]Source{"a": a}}

	if err := m.StartAll(context.Background()); err != nil {
		t.Errorf("StartAll error: %v", err)
	}
	if !a.started {
		t.Error("source not started")
	}
	if err := m.StopAll(); err != nil {
		t.Errorf("StopAll error: %v", err)
	}
	if !a.stopped {
		t.Error("source not stopped")
	}

	if names := m.Enabled(); len(names) != 1 || names[0] != "a" {
		t.Errorf("Enabled = %v", names)
	}
}

func TestNewManager_NoSourcesEnabled(t *testing.T) {
	rec := &enqueueRecorder{}
	m, err := NewManager(config.SourcesConfig{}, rec.fn())
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}
	if len(m.Enabled()) != 0 {
		t.Errorf("expected no sources, got %v", m.Enabled())
	}
}
