// Copyright 2024-2026 Aiku AI

// Package zulip reads messages from a Zulip realm through the real-time
// events API (register a queue, then long-poll it).
package zulip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/chatrelay/pkg/relay"
)

// errBadQueue means the server garbage-collected our event queue.
var errBadQueue = errors.New("event queue expired")

// Config holds the bot account and subscription settings.
type Config struct {
	Site   string `yaml:"site"`
	Email  string `yaml:"email"`
	APIKey string `yaml:"api_key"`
	// Stream limits the queue to one stream when set.
	Stream string `yaml:"stream"`
	// ApplyMarkdown asks for rendered HTML, which is converted back to
	// markdown before matching.
	ApplyMarkdown  bool          `yaml:"apply_markdown"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PollTimeout    time.Duration `yaml:"poll_timeout"`
}

// Missing returns the names of required keys that are empty.
func (c Config) Missing() []string {
	var missing []string
	if c.Email == "" {
		missing = append(missing, "email")
	}
	if c.APIKey == "" {
		missing = append(missing, "api_key")
	}
	if c.Site == "" {
		missing = append(missing, "site")
	}
	return missing
}

// Source is a Zulip event queue consumer.
type Source struct {
	cfg   Config
	http  *http.Client
	base  string
	sleep relay.SleepFunc
	log   zerolog.Logger
}

// New creates a Zulip source. It does not contact the server.
func New(cfg Config, log zerolog.Logger) *Source {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 2 * time.Minute
	}
	return &Source{
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.PollTimeout},
		base:  strings.TrimSuffix(cfg.Site, "/") + "/api/v1",
		sleep: relay.SleepContext,
		log:   log.With().Str("component", "zulip").Logger(),
	}
}

type queue struct {
	ID          string
	LastEventID int64
}

type apiResult struct {
	Result string `json:"result"`
	Msg    string `json:"msg"`
	Code   string `json:"code"`
}

type registerResponse struct {
	apiResult
	QueueID     string `json:"queue_id"`
	LastEventID int64  `json:"last_event_id"`
}

type eventsResponse struct {
	apiResult
	Events []struct {
		Type    string          `json:"type"`
		ID      int64           `json:"id"`
		Message json.RawMessage `json:"message"`
	} `json:"events"`
}

// Run registers a queue and dispatches every message event to h until ctx
// is cancelled. A failure to register the first queue wraps
// relay.ErrStartup; later failures are retried after ReconnectDelay.
func (s *Source) Run(ctx context.Context, h relay.Handler) error {
	q, err := s.register(ctx)
	if err != nil {
		return fmt.Errorf("%w: zulip register: %w", relay.ErrStartup, err)
	}

	for {
		err := s.poll(ctx, q, h)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, errBadQueue) {
			s.log.Warn().Str("queue_id", q.ID).Msg("Event queue expired, re-registering")
		} else {
			s.log.Error().Err(err).Dur("delay", s.cfg.ReconnectDelay).Msg("Event loop failed, reconnecting")
			if s.sleep(ctx, s.cfg.ReconnectDelay) != nil {
				return nil
			}
		}

		for {
			q, err = s.register(ctx)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return nil
			}
			s.log.Error().Err(err).Dur("delay", s.cfg.ReconnectDelay).Msg("Failed to register queue")
			if s.sleep(ctx, s.cfg.ReconnectDelay) != nil {
				return nil
			}
		}
	}
}

func (s *Source) register(ctx context.Context) (*queue, error) {
	form := url.Values{}
	form.Set("event_types", `["message"]`)
	form.Set("apply_markdown", strconv.FormatBool(s.cfg.ApplyMarkdown))
	if s.cfg.Stream != "" {
		narrow, err := json.Marshal([][]string{{"stream", s.cfg.Stream}})
		if err != nil {
			return nil, err
		}
		form.Set("narrow", string(narrow))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+"/register", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var resp registerResponse
	if err := s.do(req, &resp); err != nil {
		return nil, err
	}
	s.log.Info().Str("queue_id", resp.QueueID).Str("stream", s.cfg.Stream).Msg("Queue registered")
	return &queue{ID: resp.QueueID, LastEventID: resp.LastEventID}, nil
}

// poll long-polls q until an error occurs, advancing LastEventID.
func (s *Source) poll(ctx context.Context, q *queue, h relay.Handler) error {
	for {
		params := url.Values{}
		params.Set("queue_id", q.ID)
		params.Set("last_event_id", strconv.FormatInt(q.LastEventID, 10))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+"/events?"+params.Encode(), nil)
		if err != nil {
			return err
		}

		var resp eventsResponse
		if err := s.do(req, &resp); err != nil {
			return err
		}

		for _, evt := range resp.Events {
			q.LastEventID = max(q.LastEventID, evt.ID)
			if evt.Type != "message" {
				continue
			}
			msg := &Message{ownEmail: s.cfg.Email}
			if err := json.Unmarshal(evt.Message, msg); err != nil {
				s.log.Warn().Err(err).Int64("zulip_event_id", evt.ID).Msg("Failed to decode message event")
				continue
			}
			s.log.Debug().
				Int64("message_id", msg.ID).
				Str("sender", msg.SenderFullName).
				Str("topic", msg.Subject).
				Msg("Received message")
			h.HandleMessage(ctx, msg)
		}
	}
}

// do sends an authenticated request and decodes a successful JSON reply
// into out.
func (s *Source) do(req *http.Request, out any) error {
	req.SetBasicAuth(s.cfg.Email, s.cfg.APIKey)
	req.Header.Set("User-Agent", "chatrelay")

	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return err
	}

	var result apiResult
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("status %d: invalid response: %w", resp.StatusCode, err)
	}
	if result.Code == "BAD_EVENT_QUEUE_ID" {
		return fmt.Errorf("%w: %s", errBadQueue, result.Msg)
	}
	if resp.StatusCode != http.StatusOK || result.Result != "success" {
		return fmt.Errorf("status %d: %s", resp.StatusCode, result.Msg)
	}
	return json.Unmarshal(body, out)
}
