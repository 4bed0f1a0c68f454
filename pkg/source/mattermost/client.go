// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package mattermost reads posts from a Mattermost server over its
// WebSocket event stream.
package mattermost

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/chatrelay/pkg/relay"
)

var errStreamClosed = errors.New("websocket event channel closed")

// Config holds the account used to listen and an optional channel filter.
type Config struct {
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`
	// Channels limits relaying to these channel IDs when non-empty.
	Channels       []string      `yaml:"channels"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

// Missing returns the names of required keys that are empty.
func (c Config) Missing() []string {
	var missing []string
	if c.ServerURL == "" {
		missing = append(missing, "server_url")
	}
	if c.Token == "" {
		missing = append(missing, "token")
	}
	return missing
}

// Source listens for posted events as a single Mattermost user.
type Source struct {
	cfg      Config
	client   *model.Client4
	userID   string
	channels map[string]struct{}
	sleep    relay.SleepFunc
	log      zerolog.Logger
}

// New creates a Mattermost source. It does not contact the server.
func New(cfg Config, log zerolog.Logger) *Source {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	client := model.NewAPIv4Client(cfg.ServerURL)
	client.SetToken(cfg.Token)

	var channels map[string]struct{}
	if len(cfg.Channels) > 0 {
		channels = make(map[string]struct{}, len(cfg.Channels))
		for _, id := range cfg.Channels {
			channels[id] = struct{}{}
		}
	}
	return &Source{
		cfg:      cfg,
		client:   client,
		channels: channels,
		sleep:    relay.SleepContext,
		log:      log.With().Str("component", "mm_source").Logger(),
	}
}

// Run authenticates, connects the WebSocket and dispatches posted events to
// h until ctx is cancelled. Authentication or the first connection failing
// wraps relay.ErrStartup; later disconnects are retried after
// ReconnectDelay.
func (s *Source) Run(ctx context.Context, h relay.Handler) error {
	s.log.Info().Str("server_url", s.cfg.ServerURL).Msg("Connecting to Mattermost")

	me, _, err := s.client.GetMe(ctx, "")
	if err != nil {
		return fmt.Errorf("%w: failed to verify Mattermost session: %w", relay.ErrStartup, err)
	}
	s.userID = me.Id
	s.log.Info().Str("user_id", me.Id).Str("username", me.Username).Msg("Authenticated")

	ws, err := s.connectWebSocket()
	if err != nil {
		return fmt.Errorf("%w: %w", relay.ErrStartup, err)
	}

	for {
		err := s.listen(ctx, ws.EventChannel, h)
		ws.Close()
		if err == nil {
			return nil
		}
		s.log.Warn().Err(err).Msg("WebSocket disconnected, reconnecting")

		for {
			if s.sleep(ctx, s.cfg.ReconnectDelay) != nil {
				return nil
			}
			ws, err = s.connectWebSocket()
			if err == nil {
				break
			}
			s.log.Error().Err(err).Msg("Failed to reconnect WebSocket")
		}
	}
}

func (s *Source) connectWebSocket() (*model.WebSocketClient, error) {
	wsURL := httpToWS(s.cfg.ServerURL)
	ws, err := model.NewWebSocketClient4(wsURL, s.client.AuthToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create websocket client: %w", err)
	}
	ws.Listen()
	s.log.Info().Str("ws_url", wsURL).Msg("WebSocket connected")
	return ws, nil
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

// listen dispatches events until ctx is done (nil) or the channel closes
// (errStreamClosed).
func (s *Source) listen(ctx context.Context, events <-chan *model.WebSocketEvent, h relay.Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return errStreamClosed
			}
			if evt == nil {
				continue
			}
			s.handleEvent(ctx, evt, h)
		}
	}
}
