// Copyright 2024-2026 Aiku AI

// Package telegram delivers relayed messages through the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/chatrelay/pkg/relay"
)

const (
	// DefaultAPIURL is the public Bot API endpoint.
	DefaultAPIURL = "https://api.telegram.org"
	// MaxMessageLength is the sendMessage text limit.
	MaxMessageLength = 4096
)

// errBadEntities is returned when the Bot API cannot parse the markup of a
// message sent with a parse mode.
var errBadEntities = errors.New("can't parse entities")

// Config holds the Telegram bot connection settings.
type Config struct {
	Token                 string        `yaml:"bot_token"`
	APIURL                string        `yaml:"api_url"`
	ParseMode             string        `yaml:"parse_mode"`
	DisableWebPagePreview bool          `yaml:"disable_web_page_preview"`
	Timeout               time.Duration `yaml:"timeout"`
}

// Missing returns the names of required keys that are empty.
func (c Config) Missing() []string {
	if c.Token == "" {
		return []string{"bot_token"}
	}
	return nil
}

// Sink posts chunks to a Telegram chat.
type Sink struct {
	cfg    Config
	http   *http.Client
	apiURL string
	log    zerolog.Logger
}

var _ relay.Sink = (*Sink)(nil)

// New creates a Telegram sink. It does not contact the API.
func New(cfg Config, log zerolog.Logger) *Sink {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Sink{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		apiURL: strings.TrimSuffix(cfg.APIURL, "/") + "/bot" + cfg.Token,
		log:    log.With().Str("component", "telegram").Logger(),
	}
}

// MaxMessageLength implements relay.Sink.
func (s *Sink) MaxMessageLength() int {
	return MaxMessageLength
}

// apiResponse is the envelope every Bot API method returns.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
}

// Send implements relay.Sink.
func (s *Sink) Send(ctx context.Context, chatID, text string) error {
	req := sendMessageRequest{
		ChatID:                chatID,
		Text:                  text,
		ParseMode:             s.cfg.ParseMode,
		DisableWebPagePreview: s.cfg.DisableWebPagePreview,
	}
	_, err := s.call(ctx, "sendMessage", req)
	if errors.Is(err, errBadEntities) && req.ParseMode != "" {
		// A chunk boundary can split a tag or entity.
		s.log.Warn().Err(err).Str("parse_mode", req.ParseMode).Msg("Markup rejected, resending chunk as plain text")
		req.ParseMode = ""
		_, err = s.call(ctx, "sendMessage", req)
	}
	if err != nil {
		return fmt.Errorf("telegram sendMessage: %w", err)
	}
	return nil
}

// Ping verifies the bot token with getMe.
func (s *Sink) Ping(ctx context.Context) error {
	raw, err := s.call(ctx, "getMe", struct{}{})
	if err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	var me struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	}
	if err := json.Unmarshal(raw, &me); err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	s.log.Info().Int64("bot_id", me.ID).Str("username", me.Username).Msg("Authenticated")
	return nil
}

func (s *Sink) call(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, relay.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return nil, relay.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, relay.Transient(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, relay.Transient(err)
	}

	var res apiResponse
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, classifyStatus(resp.StatusCode, fmt.Errorf("status %d: invalid response body: %w", resp.StatusCode, err))
	}
	if resp.StatusCode != http.StatusOK || !res.OK {
		msg := fmt.Errorf("status %d: %s", resp.StatusCode, res.Description)
		if res.Parameters != nil && res.Parameters.RetryAfter > 0 {
			msg = fmt.Errorf("%w (retry after %ds)", msg, res.Parameters.RetryAfter)
		}
		if resp.StatusCode == http.StatusBadRequest && strings.Contains(res.Description, errBadEntities.Error()) {
			msg = fmt.Errorf("%w: %w", errBadEntities, msg)
		}
		return nil, classifyStatus(resp.StatusCode, msg)
	}
	return res.Result, nil
}

// classifyStatus marks rate limiting and server errors as transient and
// every other failure as permanent.
func classifyStatus(status int, err error) error {
	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return relay.Transient(err)
	}
	return relay.Permanent(err)
}
