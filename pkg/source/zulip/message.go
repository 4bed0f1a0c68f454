// Copyright 2024-2026 Aiku AI

package zulip

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aiku/chatrelay/pkg/relay"
	"github.com/aiku/chatrelay/pkg/relay/relayfmt"
)

// Message is a message object from a Zulip "message" event.
type Message struct {
	ID             int64  `json:"id"`
	Type           string `json:"type"`
	SenderID       int64  `json:"sender_id"`
	SenderEmail    string `json:"sender_email"`
	SenderFullName string `json:"sender_full_name"`
	// DisplayRecipient is the stream name for stream messages and a list of
	// users for private messages.
	DisplayRecipient json.RawMessage `json:"display_recipient"`
	Subject          string          `json:"subject"`
	Content          string          `json:"content"`
	ContentType      string          `json:"content_type"`

	// ownEmail is the relay account; its messages are skipped.
	ownEmail string
}

var _ relay.Event = (*Message)(nil)

type recipient struct {
	Email    string `json:"email"`
	FullName string `json:"full_name"`
}

// Normalize implements relay.Event.
func (m *Message) Normalize() (relay.InboundMessage, error) {
	if m.ownEmail != "" && strings.EqualFold(m.SenderEmail, m.ownEmail) {
		return relay.InboundMessage{}, relay.ErrSkipEvent
	}

	stream, err := m.streamName()
	if err != nil {
		return relay.InboundMessage{}, err
	}

	content := m.Content
	if m.ContentType == "text/html" {
		content = relayfmt.HTMLToMarkdown(content)
	}

	return relay.InboundMessage{
		Sender:  m.SenderFullName,
		Stream:  stream,
		Topic:   m.Subject,
		Content: content,
	}.Normalize()
}

// streamName returns the stream for stream messages and the participants'
// names for private messages.
func (m *Message) streamName() (string, error) {
	raw := m.DisplayRecipient
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}

	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return name, nil
	}

	var users []recipient
	if err := json.Unmarshal(raw, &users); err != nil {
		return "", fmt.Errorf("%w: display_recipient: %w", relay.ErrMalformedEvent, err)
	}
	names := make([]string, 0, len(users))
	for _, u := range users {
		if u.FullName != "" {
			names = append(names, u.FullName)
		} else {
			names = append(names, u.Email)
		}
	}
	return strings.Join(names, ", "), nil
}
