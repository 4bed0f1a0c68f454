// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/chatrelay/pkg/relay"
)

// PostedEvent is a new post together with the display names the server
// attaches to the WebSocket event.
type PostedEvent struct {
	Post               *model.Post
	SenderName         string
	ChannelDisplayName string
	ChannelName        string
}

var _ relay.Event = (*PostedEvent)(nil)

// Normalize implements relay.Event. The topic is the thread root, empty for
// top-level posts.
func (e *PostedEvent) Normalize() (relay.InboundMessage, error) {
	if e.Post == nil {
		return relay.InboundMessage{}, fmt.Errorf("%w: missing post", relay.ErrMalformedEvent)
	}
	stream := e.ChannelDisplayName
	if stream == "" {
		stream = e.ChannelName
	}
	return relay.InboundMessage{
		Sender:  strings.TrimPrefix(e.SenderName, "@"),
		Stream:  stream,
		Topic:   e.Post.RootId,
		Content: e.Post.Message,
	}.Normalize()
}

// handleEvent dispatches posted events to h and ignores everything else.
func (s *Source) handleEvent(ctx context.Context, evt *model.WebSocketEvent, h relay.Handler) {
	if evt.EventType() != model.WebsocketEventPosted {
		s.log.Trace().Str("event_type", string(evt.EventType())).Msg("Unhandled event type")
		return
	}

	posted, err := s.parsePostedEvent(evt)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to parse posted event")
		return
	}
	if posted == nil {
		return
	}
	h.HandleMessage(ctx, posted)
}

// parsePostedEvent extracts a post from a WebSocket event, applying echo
// prevention and the channel filter. Returns (nil, nil) to skip silently,
// (nil, err) to log an error, or (event, nil) to proceed.
func (s *Source) parsePostedEvent(evt *model.WebSocketEvent) (*PostedEvent, error) {
	data := evt.GetData()
	postJSON, ok := data["post"].(string)
	if !ok {
		return nil, fmt.Errorf("posted event missing post data")
	}

	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, fmt.Errorf("failed to unmarshal post: %w", err)
	}

	// Echo prevention: skip own posts.
	if post.UserId == s.userID {
		return nil, nil
	}

	// Skip non-default post types (system messages).
	if post.Type != "" && post.Type != model.PostTypeDefault {
		return nil, nil
	}

	if s.channels != nil {
		if _, ok := s.channels[post.ChannelId]; !ok {
			s.log.Trace().Str("channel_id", post.ChannelId).Msg("Skipping post outside watched channels")
			return nil, nil
		}
	}

	senderName, _ := data["sender_name"].(string)
	displayName, _ := data["channel_display_name"].(string)
	channelName, _ := data["channel_name"].(string)
	return &PostedEvent{
		Post:               &post,
		SenderName:         senderName,
		ChannelDisplayName: displayName,
		ChannelName:        channelName,
	}, nil
}
