// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package mattermost delivers relayed messages as Mattermost posts.
package mattermost

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/chatrelay/pkg/relay"
)

// MaxMessageLength is the server's post message limit.
const MaxMessageLength = 16383

// Config holds the account used to post.
type Config struct {
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`
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

// Sink posts chunks into a Mattermost channel.
type Sink struct {
	client *model.Client4
	log    zerolog.Logger
}

var _ relay.Sink = (*Sink)(nil)

// New creates a Mattermost sink authenticated with a personal access or bot token.
func New(cfg Config, log zerolog.Logger) *Sink {
	client := model.NewAPIv4Client(cfg.ServerURL)
	client.SetToken(cfg.Token)
	return &Sink{
		client: client,
		log:    log.With().Str("component", "mm_sink").Logger(),
	}
}

// MaxMessageLength implements relay.Sink.
func (s *Sink) MaxMessageLength() int {
	return MaxMessageLength
}

// Send implements relay.Sink. chatID is a channel ID.
func (s *Sink) Send(ctx context.Context, chatID, text string) error {
	post := &model.Post{
		ChannelId: chatID,
		Message:   text,
	}
	created, resp, err := s.client.CreatePost(ctx, post)
	if err != nil {
		return classify(resp, fmt.Errorf("failed to create post: %w", err))
	}
	s.log.Debug().Str("channel_id", chatID).Str("post_id", created.Id).Msg("Created post")
	return nil
}

// Ping verifies the token with GetMe.
func (s *Sink) Ping(ctx context.Context) error {
	me, resp, err := s.client.GetMe(ctx, "")
	if err != nil {
		return classify(resp, fmt.Errorf("failed to verify Mattermost session: %w", err))
	}
	s.log.Info().Str("user_id", me.Id).Str("username", me.Username).Msg("Authenticated")
	return nil
}

// classify maps a Client4 failure onto the relay taxonomy by status code.
// Requests that never got a response are left to network error detection.
func classify(resp *model.Response, err error) error {
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	var appErr *model.AppError
	if status == 0 && errors.As(err, &appErr) {
		status = appErr.StatusCode
	}

	switch {
	case status == 0:
		return relay.Transient(err)
	case status == http.StatusUnauthorized, status == http.StatusForbidden, status == http.StatusNotFound:
		return relay.Permanent(err)
	case status == http.StatusTooManyRequests, status >= http.StatusInternalServerError:
		return relay.Transient(err)
	default:
		return relay.Permanent(err)
	}
}
