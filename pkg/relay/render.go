// Copyright 2024-2026 Aiku AI

package relay

import "github.com/aiku/chatrelay/pkg/relay/relayfmt"

// Render fills the rule's template with the message fields and splits the
// result into chunks of at most maxChunkLen characters. Multi-chunk output
// carries "Part i/n" indicators.
func Render(msg InboundMessage, rule FilterRule, maxChunkLen int) ([]string, error) {
	format := rule.Format
	if format == "" {
		format = DefaultFormat
	}
	return relayfmt.Render(format, relayfmt.Fields{
		Sender:  msg.Sender,
		Stream:  msg.Stream,
		Topic:   msg.Topic,
		Content: msg.Content,
	}, maxChunkLen)
}
