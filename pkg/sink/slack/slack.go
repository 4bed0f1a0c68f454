// Copyright 2024-2026 Aiku AI

// Package slack delivers relayed messages to a Slack channel.
package slack

import (
	"context"
	"fmt"
	"strings"

	"github.com/lestrrat-go/slack"
	"github.com/rs/zerolog"

	"github.com/aiku/chatrelay/pkg/relay"
)

// MaxMessageLength is chat.postMessage's text limit.
const MaxMessageLength = 40000

// Config holds the bot token and optional post identity.
type Config struct {
	Token    string `yaml:"token"`
	Username string `yaml:"username"`
	IconURL  string `yaml:"icon_url"`
	// APIURL overrides the Web API endpoint, mostly for tests.
	APIURL string `yaml:"api_url"`
}

// Missing returns the names of required keys that are empty.
func (c Config) Missing() []string {
	if c.Token == "" {
		return []string{"token"}
	}
	return nil
}

// Sink posts chunks with chat.postMessage.
type Sink struct {
	client *slack.Client
	cfg    Config
	log    zerolog.Logger
}

var _ relay.Sink = (*Sink)(nil)

// New creates a Slack sink.
func New(cfg Config, log zerolog.Logger) *Sink {
	var opts []slack.Option
	if cfg.APIURL != "" {
		endpoint := cfg.APIURL
		if !strings.HasSuffix(endpoint, "/") {
			endpoint += "/"
		}
		opts = append(opts, slack.WithAPIEndpoint(endpoint))
	}
	return &Sink{
		client: slack.New(cfg.Token, opts...),
		cfg:    cfg,
		log:    log.With().Str("component", "slack").Logger(),
	}
}

// MaxMessageLength implements relay.Sink.
func (s *Sink) MaxMessageLength() int {
	return MaxMessageLength
}

// Send implements relay.Sink. chatID is a channel ID or name.
func (s *Sink) Send(ctx context.Context, chatID, text string) error {
	call := s.client.Chat().PostMessage(chatID).Text(text)
	if s.cfg.Username != "" {
		call = call.Username(s.cfg.Username)
	}
	if s.cfg.IconURL != "" {
		call = call.IconURL(s.cfg.IconURL)
	}
	if _, err := call.Do(ctx); err != nil {
		return classify(fmt.Errorf("chat.postMessage to %s: %w", chatID, err))
	}
	return nil
}

// Ping verifies the token with auth.test.
func (s *Sink) Ping(ctx context.Context) error {
	if _, err := s.client.Auth().Test().Do(ctx); err != nil {
		return classify(fmt.Errorf("auth.test: %w", err))
	}
	s.log.Info().Msg("Authenticated")
	return nil
}

// transientCodes are Web API error codes worth retrying.
var transientCodes = []string{
	"ratelimited",
	"rate_limited",
	"service_unavailable",
	"internal_error",
	"fatal_error",
	"request_timeout",
}

// classify marks retryable API errors as transient. Other API errors are
// permanent unless they are network failures.
func classify(err error) error {
	msg := err.Error()
	for _, code := range transientCodes {
		if strings.Contains(msg, code) {
			return relay.Transient(err)
		}
	}
	if relay.IsTransient(err) {
		return relay.Transient(err)
	}
	return relay.Permanent(err)
}
