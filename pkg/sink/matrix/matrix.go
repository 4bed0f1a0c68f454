// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matrix delivers relayed messages into a Matrix room.
package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/chatrelay/pkg/relay"
	"github.com/aiku/chatrelay/pkg/relay/relayfmt"
)

const (
	// MaxMessageLength bounds a chunk so its plain body fits maxContentBytes
	// even when every rune is JSON-escaped to six bytes.
	MaxMessageLength = 8000

	// maxContentBytes is the budget for the event content. The rest of the
	// 64 KiB PDU limit is left for the envelope the homeserver adds.
	maxContentBytes = 56 * 1024
)

// Config holds the Matrix account used to post.
type Config struct {
	HomeserverURL string `yaml:"homeserver_url"`
	UserID        string `yaml:"user_id"`
	AccessToken   string `yaml:"access_token"`
	// MsgType is m.text or m.notice.
	MsgType string `yaml:"msgtype"`
	// PlainText disables the HTML formatted_body.
	PlainText bool `yaml:"plain_text"`
}

// Missing returns the names of required keys that are empty.
func (c Config) Missing() []string {
	var missing []string
	if c.HomeserverURL == "" {
		missing = append(missing, "homeserver_url")
	}
	if c.AccessToken == "" {
		missing = append(missing, "access_token")
	}
	return missing
}

// Sink posts chunks as m.room.message events.
type Sink struct {
	client    *mautrix.Client
	msgType   event.MessageType
	plainText bool
	log       zerolog.Logger
}

var _ relay.Sink = (*Sink)(nil)

// New creates a Matrix sink. The client does not retry on its own; the pump
// owns the retry policy.
func New(cfg Config, log zerolog.Logger) (*Sink, error) {
	client, err := mautrix.NewClient(cfg.HomeserverURL, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create matrix client: %w", err)
	}
	log = log.With().Str("component", "matrix").Logger()
	client.Log = log
	client.DefaultHTTPRetries = 0

	msgType := event.MsgText
	if cfg.MsgType == string(event.MsgNotice) {
		msgType = event.MsgNotice
	}
	return &Sink{
		client:    client,
		msgType:   msgType,
		plainText: cfg.PlainText,
		log:       log,
	}, nil
}

// MaxMessageLength implements relay.Sink.
func (s *Sink) MaxMessageLength() int {
	return MaxMessageLength
}

// Send implements relay.Sink. chatID is a room ID.
func (s *Sink) Send(ctx context.Context, chatID, text string) error {
	content := &event.MessageEventContent{
		MsgType: s.msgType,
		Body:    text,
	}
	if !s.plainText {
		if formatted, ok := relayfmt.MarkdownToHTML(text); ok {
			content.Format = event.FormatHTML
			content.FormattedBody = formatted
		}
	}
	if err := fitContent(content); err != nil {
		return relay.Permanent(fmt.Errorf("failed to send to %s: %w", chatID, err))
	}

	resp, err := s.client.SendMessageEvent(ctx, id.RoomID(chatID), event.EventMessage, content)
	if err != nil {
		return classify(fmt.Errorf("failed to send to %s: %w", chatID, err))
	}
	s.log.Debug().Str("room_id", chatID).Str("event_id", string(resp.EventID)).Msg("Sent event")
	return nil
}

// fitContent drops the HTML body when the marshalled content would exceed
// maxContentBytes, and fails when even the plain body does not fit.
func fitContent(content *event.MessageEventContent) error {
	size, err := contentSize(content)
	if err != nil {
		return err
	}
	if size <= maxContentBytes {
		return nil
	}
	if content.FormattedBody != "" {
		content.Format = ""
		content.FormattedBody = ""
		if size, err = contentSize(content); err != nil {
			return err
		}
		if size <= maxContentBytes {
			return nil
		}
	}
	return fmt.Errorf("event content is %d bytes, limit is %d", size, maxContentBytes)
}

func contentSize(content *event.MessageEventContent) (int, error) {
	data, err := json.Marshal(content)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// Ping checks the access token with /whoami.
func (s *Sink) Ping(ctx context.Context) error {
	resp, err := s.client.Whoami(ctx)
	if err != nil {
		return classify(fmt.Errorf("whoami: %w", err))
	}
	s.log.Info().Str("user_id", string(resp.UserID)).Msg("Authenticated")
	return nil
}

// classify maps Matrix errors onto the relay taxonomy. Auth and room access
// errors are permanent, rate limits and server errors are transient.
func classify(err error) error {
	switch {
	case errors.Is(err, mautrix.MForbidden),
		errors.Is(err, mautrix.MUnknownToken),
		errors.Is(err, mautrix.MMissingToken),
		errors.Is(err, mautrix.MNotFound),
		errors.Is(err, mautrix.MBadJSON),
		errors.Is(err, mautrix.MNotJSON):
		return relay.Permanent(err)
	case errors.Is(err, mautrix.MLimitExceeded):
		return relay.Transient(err)
	}

	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) && httpErr.Response != nil {
		status := httpErr.Response.StatusCode
		if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
			return relay.Transient(err)
		}
		return relay.Permanent(err)
	}
	return relay.Transient(err)
}
