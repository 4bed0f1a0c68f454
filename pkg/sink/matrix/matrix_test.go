// Copyright 2024-2026 Aiku AI

package matrix

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/aiku/chatrelay/pkg/relay"
)

// maxEventBytes is the homeserver's event size limit.
const maxEventBytes = 65536

// fakeHomeserver answers send and whoami requests. A non-zero status makes
// every send fail with the given errcode.
type fakeHomeserver struct {
	Server *httptest.Server

	status  int
	errcode string

	mu     sync.Mutex
	sent   []map[string]any
	tokens []string
}

func newFakeHomeserver(status int, errcode string) *fakeHomeserver {
	f := &fakeHomeserver{status: status, errcode: errcode}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeHomeserver) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.tokens = append(f.tokens, r.Header.Get("Authorization"))
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if f.status != 0 {
		w.WriteHeader(f.status)
		_ = json.NewEncoder(w).Encode(map[string]string{"errcode": f.errcode, "error": "fake error"})
		return
	}

	switch {
	case r.Method == http.MethodPut && strings.Contains(r.URL.Path, "/send/m.room.message/"):
		if len(body) > maxEventBytes {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			_ = json.NewEncoder(w).Encode(map[string]string{"errcode": "M_TOO_LARGE", "error": "event too large"})
			return
		}
		var content map[string]any
		_ = json.Unmarshal(body, &content)
		f.mu.Lock()
		f.sent = append(f.sent, content)
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"event_id": "$evt1"})
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/account/whoami"):
		_ = json.NewEncoder(w).Encode(map[string]string{"user_id": "@relay:example.org"})
	default:
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"errcode": "M_UNRECOGNIZED", "error": "not found"})
	}
}

func (f *fakeHomeserver) Sent() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.sent...)
}

func newTestSink(t *testing.T, f *fakeHomeserver, cfg Config) *Sink {
	t.Helper()
	cfg.HomeserverURL = f.Server.URL
	cfg.UserID = "@relay:example.org"
	cfg.AccessToken = "syt_token"
	s, err := New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSend_PlainText(t *testing.T) {
	t.Parallel()
	f := newFakeHomeserver(0, "")
	defer f.Server.Close()
	s := newTestSink(t, f, Config{})

	if err := s.Send(context.Background(), "!room:example.org", "hello world"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	sent := f.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 event, got %d", len(sent))
	}
	if sent[0]["msgtype"] != "m.text" || sent[0]["body"] != "hello world" {
		t.Errorf("unexpected content: %v", sent[0])
	}
	if _, ok := sent[0]["formatted_body"]; ok {
		t.Errorf("plain text should not carry formatted_body: %v", sent[0])
	}
	f.mu.Lock()
	token := f.tokens[0]
	f.mu.Unlock()
	if token != "Bearer syt_token" {
		t.Errorf("Authorization: got %q", token)
	}
}

func TestSend_Markdown(t *testing.T) {
	t.Parallel()
	f := newFakeHomeserver(0, "")
	defer f.Server.Close()
	s := newTestSink(t, f, Config{MsgType: "m.notice"})

	if err := s.Send(context.Background(), "!room:example.org", "**Ana** posted"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := f.Sent()[0]
	if got["msgtype"] != "m.notice" {
		t.Errorf("msgtype: got %v", got["msgtype"])
	}
	if got["format"] != "org.matrix.custom.html" {
		t.Errorf("format: got %v", got["format"])
	}
	if got["formatted_body"] != "<strong>Ana</strong> posted" {
		t.Errorf("formatted_body: got %v", got["formatted_body"])
	}
	if got["body"] != "**Ana** posted" {
		t.Errorf("body should keep the source text: got %v", got["body"])
	}
}

func TestSend_PlainTextOption(t *testing.T) {
	t.Parallel()
	f := newFakeHomeserver(0, "")
	defer f.Server.Close()
	s := newTestSink(t, f, Config{PlainText: true})

	if err := s.Send(context.Background(), "!room:example.org", "**bold**"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, ok := f.Sent()[0]["formatted_body"]; ok {
		t.Error("plain_text should disable formatted_body")
	}
}

func TestSend_ErrorClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		status    int
		errcode   string
		transient bool
	}{
		{"forbidden", http.StatusForbidden, "M_FORBIDDEN", false},
		{"unknown token", http.StatusUnauthorized, "M_UNKNOWN_TOKEN", false},
		{"room not found", http.StatusNotFound, "M_NOT_FOUND", false},
		{"rate limited", http.StatusTooManyRequests, "M_LIMIT_EXCEEDED", true},
		{"server error", http.StatusInternalServerError, "M_UNKNOWN", true},
		{"other client error", http.StatusBadRequest, "M_UNKNOWN", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFakeHomeserver(tt.status, tt.errcode)
			defer f.Server.Close()
			s := newTestSink(t, f, Config{})

			err := s.Send(context.Background(), "!room:example.org", "x")
			if err == nil {
				t.Fatal("expected error")
			}
			if got := relay.IsTransient(err); got != tt.transient {
				t.Errorf("IsTransient: got %v, want %v (%v)", got, tt.transient, err)
			}
		})
	}
}

func TestPing(t *testing.T) {
	t.Parallel()
	f := newFakeHomeserver(0, "")
	defer f.Server.Close()
	if err := newTestSink(t, f, Config{}).Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	bad := newFakeHomeserver(http.StatusUnauthorized, "M_UNKNOWN_TOKEN")
	defer bad.Server.Close()
	err := newTestSink(t, bad, Config{}).Ping(context.Background())
	if err == nil || relay.IsTransient(err) {
		t.Errorf("Ping with a bad token should fail permanently: %v", err)
	}
}

func TestConfigMissing(t *testing.T) {
	t.Parallel()
	got := (Config{}).Missing()
	if len(got) != 2 || got[0] != "homeserver_url" || got[1] != "access_token" {
		t.Errorf("Missing: got %v", got)
	}
}

func TestSend_FitsEventLimitAtMaxLength(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name          string
		text          string
		wantFormatted bool
	}{
		{"markdown heavy", strings.Repeat("**a**", MaxMessageLength/5), false},
		{"escaped runes", strings.Repeat("<", MaxMessageLength), false},
		{"four byte runes", strings.Repeat("😀", MaxMessageLength), false},
		{"short markdown keeps html", "**" + strings.Repeat("b", 100) + "**", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFakeHomeserver(0, "")
			defer f.Server.Close()
			s := newTestSink(t, f, Config{})

			if n := len([]rune(tt.text)); n > MaxMessageLength {
				t.Fatalf("test text has %d runes, over the limit", n)
			}
			if err := s.Send(context.Background(), "!room:example.org", tt.text); err != nil {
				t.Fatalf("Send: %v", err)
			}
			sent := f.Sent()
			if len(sent) != 1 {
				t.Fatalf("expected 1 event, got %d", len(sent))
			}
			if sent[0]["body"] != tt.text {
				t.Error("body should carry the full chunk")
			}
			_, formatted := sent[0]["formatted_body"]
			if formatted != tt.wantFormatted {
				t.Errorf("formatted_body present: got %v, want %v", formatted, tt.wantFormatted)
			}
		})
	}
}

func TestSend_OversizedContentIsPermanent(t *testing.T) {
	t.Parallel()
	f := newFakeHomeserver(0, "")
	defer f.Server.Close()
	s := newTestSink(t, f, Config{})

	err := s.Send(context.Background(), "!room:example.org", strings.Repeat("<", maxContentBytes/6+1))
	if err == nil || relay.IsTransient(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if len(f.Sent()) != 0 {
		t.Error("oversized content must not reach the homeserver")
	}
}
