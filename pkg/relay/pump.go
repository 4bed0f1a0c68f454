// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/oklog/ulid"
	"github.com/rs/zerolog"

	"github.com/aiku/chatrelay/pkg/relay/relayfmt"
)

// PumpConfig configures a Pump. It is copied at construction and never
// changed afterwards.
type PumpConfig struct {
	Filter FilterConfig
	// ChatID is the destination chat on the sink platform.
	ChatID string
	// MaxChunkLength overrides the sink's MaxMessageLength when positive.
	MaxChunkLength int
	Retry          RetryConfig

	// Sleep waits between delivery attempts. Defaults to a timer.
	Sleep SleepFunc
	// Backoff overrides the exponential backoff derived from Retry.
	Backoff BackoffFunc
	// Metrics receives the pump's counters. A private set is used when nil.
	Metrics *metrics.Set
}

// Pump is the relay's message handler: it normalizes each inbound event,
// matches it against the filter, renders the matching rule and delivers the
// resulting chunks to the sink in order.
//
// Events are processed one at a time. Concurrent HandleMessage calls are
// serialised, so chunks of different messages never interleave.
type Pump struct {
	sink        Sink
	filter      FilterConfig
	chatID      string
	maxChunkLen int
	retry       RetryConfig
	sleep       SleepFunc
	backoff     BackoffFunc
	metrics     *pumpMetrics
	log         zerolog.Logger

	mu      sync.Mutex
	entropy io.Reader
	closed  atomic.Bool
}

var _ Handler = (*Pump)(nil)

// NewPump creates a Pump delivering to sink.
func NewPump(sink Sink, cfg PumpConfig, log zerolog.Logger) *Pump {
	retry := cfg.Retry.withDefaults()
	p := &Pump{
		sink:        sink,
		filter:      cfg.Filter,
		chatID:      cfg.ChatID,
		maxChunkLen: cfg.MaxChunkLength,
		retry:       retry,
		sleep:       cfg.Sleep,
		backoff:     cfg.Backoff,
		metrics:     newPumpMetrics(cfg.Metrics),
		log:         log.With().Str("component", "pump").Logger(),
		entropy:     ulid.Monotonic(newEntropySource(), 0),
	}
	if p.maxChunkLen <= 0 {
		p.maxChunkLen = sink.MaxMessageLength()
	}
	if p.sleep == nil {
		p.sleep = SleepContext
	}
	if p.backoff == nil {
		p.backoff = exponentialBackoff(retry.MinBackoff, retry.MaxBackoff)
	}
	return p
}

// LogFilterSummary logs whether filtering is enabled and which patterns are
// watched.
func (p *Pump) LogFilterSummary() {
	if !p.filter.Enabled {
		p.log.Warn().Msg("Message filtering is disabled, nothing will be forwarded")
		return
	}
	p.log.Info().
		Int("patterns", len(p.filter.Rules)).
		Int("max_chunk_length", p.maxChunkLen).
		Msg("Message filtering is enabled")
	for i, rule := range p.filter.Rules {
		p.log.Info().Int("index", i).Str("text", rule.Text).Bool("ignore_case", rule.IgnoreCase).Msg("Watching pattern")
	}
}

// HandleMessage implements Handler. Per-event failures are logged and never
// returned. Delivery is detached from ctx cancellation so a send that has
// started finishes its retry budget during shutdown.
func (p *Pump) HandleMessage(ctx context.Context, evt Event) {
	if p.closed.Load() {
		p.log.Debug().Msg("Pump closed, ignoring event")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed.Load() {
		p.log.Debug().Msg("Pump closed, ignoring event")
		return
	}
	p.handle(context.WithoutCancel(ctx), evt)
}

// Close stops accepting events and waits for the one in flight, if any.
func (p *Pump) Close() {
	p.closed.Store(true)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.log.Debug().Msg("Pump closed")
}

func (p *Pump) handle(ctx context.Context, evt Event) {
	log := p.log.With().Str("event_id", p.newEventID()).Logger()
	p.metrics.events.Inc()

	msg, err := evt.Normalize()
	if errors.Is(err, ErrSkipEvent) {
		log.Trace().Err(err).Msg("Skipping event")
		return
	} else if err != nil {
		p.metrics.malformed.Inc()
		log.Warn().Err(err).Msg("Dropping malformed event")
		return
	}

	log = log.With().
		Str("sender", msg.Sender).
		Str("stream", msg.Stream).
		Str("topic", msg.Topic).
		Logger()
	log.Debug().Msg("Received message")

	rule, ok := Match(msg, p.filter)
	if !ok {
		log.Debug().Msg("Message doesn't match any pattern, skipping")
		return
	}
	p.metrics.matched.Inc()
	log = log.With().Str("rule", rule.Text).Logger()
	log.Info().Msg("Message matches pattern")

	chunks, err := p.render(msg, *rule)
	if err != nil {
		p.metrics.templateErrors.Inc()
		log.Error().Err(err).Msg("Failed to render message")
		return
	}

	if err := p.sendChunks(ctx, log, chunks); err != nil {
		// Already logged per chunk.
		return
	}
	log.Info().Int("chunks", len(chunks)).Msg("Forwarded message")
}

// render runs the formatter and turns a panic into a template error so a
// bad rule can never take the pump down.
func (p *Pump) render(msg InboundMessage, rule FilterRule) (chunks []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic while rendering: %v", relayfmt.ErrTemplate, r)
		}
	}()
	return Render(msg, rule, p.maxChunkLen)
}

// SendChunks delivers chunks to the sink in order. Transient failures are
// retried up to the configured number of attempts; a chunk that still fails
// is skipped and the remaining chunks are sent. A permanent failure abandons
// the remaining chunks. The returned error joins every failure.
func (p *Pump) SendChunks(ctx context.Context, chunks []string) error {
	return p.sendChunks(ctx, p.log, chunks)
}

func (p *Pump) sendChunks(ctx context.Context, log zerolog.Logger, chunks []string) error {
	var errs []error
	for i, chunk := range chunks {
		clog := log.With().Int("chunk", i+1).Int("chunks", len(chunks)).Logger()

		err := p.sendWithRetry(ctx, clog, chunk)
		switch {
		case err == nil:
			p.metrics.chunksSent.Inc()
			clog.Debug().Msg("Sent chunk")
		case IsTransient(err):
			p.metrics.failedTransient.Inc()
			clog.Error().Err(err).Msg("Giving up on chunk after retries")
			errs = append(errs, err)
		default:
			p.metrics.failedPermanent.Inc()
			clog.Error().Err(err).
				Int("abandoned", len(chunks)-i-1).
				Msg("Permanent delivery failure, dropping rest of message")
			return errors.Join(append(errs, err)...)
		}
	}
	return errors.Join(errs...)
}

func (p *Pump) sendWithRetry(ctx context.Context, log zerolog.Logger, chunk string) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = p.sink.Send(ctx, p.chatID, chunk)
		if err == nil || !IsTransient(err) || attempt >= p.retry.MaxAttempts {
			break
		}

		wait := p.backoff(attempt)
		p.metrics.retries.Inc()
		log.Warn().Err(err).
			Int("attempt", attempt).
			Int("max_attempts", p.retry.MaxAttempts).
			Dur("backoff", wait).
			Msg("Transient delivery failure, retrying")
		if serr := p.sleep(ctx, wait); serr != nil {
			return errors.Join(err, serr)
		}
	}
	if err != nil && IsTransient(err) && p.retry.MaxAttempts > 1 {
		return fmt.Errorf("%d attempts failed: %w", p.retry.MaxAttempts, err)
	}
	return err
}

// newEntropySource returns a ChaCha8 stream seeded from the runtime's random
// source. It feeds ULID generation and is not used for anything secret.
func newEntropySource() io.Reader {
	var seed [32]byte
	for i := 0; i < len(seed); i += 8 {
		binary.LittleEndian.PutUint64(seed[i:], rand.Uint64())
	}
	return rand.NewChaCha8(seed)
}

// newEventID returns a ULID used to correlate log lines of one event.
// Callers hold p.mu.
func (p *Pump) newEventID() string {
	id, err := ulid.New(ulid.Timestamp(time.Now()), p.entropy)
	if err != nil {
		return ""
	}
	return id.String()
}
