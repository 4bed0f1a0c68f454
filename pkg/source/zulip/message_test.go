// Copyright 2024-2026 Aiku AI

package zulip

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/aiku/chatrelay/pkg/relay"
)

func decodeMessage(t *testing.T, raw string) *Message {
	t.Helper()
	msg := &Message{ownEmail: "relay-bot@zulip.example.com"}
	if err := json.Unmarshal([]byte(raw), msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg
}

func TestMessageNormalize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		raw     string
		want    relay.InboundMessage
		wantErr error
	}{
		{
			name: "stream message",
			raw: `{"type":"stream","sender_email":"ana@x.io","sender_full_name":"Ana",
				"display_recipient":"dev","subject":"releases","content":"v2 is out"}`,
			want: relay.InboundMessage{Sender: "Ana", Stream: "dev", Topic: "releases", Content: "v2 is out"},
		},
		{
			name: "private message",
			raw: `{"type":"private","sender_email":"ana@x.io","sender_full_name":"Ana",
				"display_recipient":[{"email":"ana@x.io","full_name":"Ana"},{"email":"bo@x.io","full_name":""}],
				"subject":"","content":"psst"}`,
			want: relay.InboundMessage{Sender: "Ana", Stream: "Ana, bo@x.io", Content: "psst"},
		},
		{
			name: "rendered html",
			raw: `{"type":"stream","sender_email":"ana@x.io","sender_full_name":"Ana","display_recipient":"dev",
				"subject":"t","content":"<p>New <strong>Wallet</strong> build</p>","content_type":"text/html"}`,
			want: relay.InboundMessage{Sender: "Ana", Stream: "dev", Topic: "t", Content: "New **Wallet** build"},
		},
		{
			name:    "own message",
			raw:     `{"sender_email":"Relay-Bot@zulip.example.com","sender_full_name":"Relay","display_recipient":"dev","content":"x"}`,
			wantErr: relay.ErrSkipEvent,
		},
		{
			name:    "missing sender",
			raw:     `{"sender_email":"ana@x.io","display_recipient":"dev","content":"x"}`,
			wantErr: relay.ErrMalformedEvent,
		},
		{
			name:    "missing content",
			raw:     `{"sender_email":"ana@x.io","sender_full_name":"Ana","display_recipient":"dev"}`,
			wantErr: relay.ErrMalformedEvent,
		},
		{
			name:    "bad display_recipient",
			raw:     `{"sender_email":"ana@x.io","sender_full_name":"Ana","display_recipient":42,"content":"x"}`,
			wantErr: relay.ErrMalformedEvent,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := decodeMessage(t, tt.raw).Normalize()
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("got %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}
