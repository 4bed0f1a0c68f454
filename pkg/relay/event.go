// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"fmt"
)

// InboundMessage is the platform-independent view of a source message.
type InboundMessage struct {
	Sender  string
	Stream  string
	Topic   string
	Content string
}

// Event is a raw inbound event from a source platform. Normalize adapts it
// to an InboundMessage, returning an error wrapping ErrMalformedEvent when
// required fields are missing or ErrSkipEvent when it should be ignored.
type Event interface {
	Normalize() (InboundMessage, error)
}

// Handler receives inbound events from a source. Pump is the production
// implementation.
type Handler interface {
	HandleMessage(ctx context.Context, evt Event)
}

// Sink delivers rendered chunks to the destination platform.
type Sink interface {
	// Send posts text to the given chat. Implementations classify failures
	// with Transient or Permanent.
	Send(ctx context.Context, chatID, text string) error
	// MaxMessageLength is the platform's per-message limit in characters.
	MaxMessageLength() int
}

// Normalize implements Event so already-normalized messages can be handed to
// a Handler directly.
func (m InboundMessage) Normalize() (InboundMessage, error) {
	switch {
	case m.Sender == "":
		return InboundMessage{}, fmt.Errorf("%w: missing sender", ErrMalformedEvent)
	case m.Content == "":
		return InboundMessage{}, fmt.Errorf("%w: missing content", ErrMalformedEvent)
	}
	return m, nil
}
