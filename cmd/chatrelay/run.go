// Copyright 2024-2026 Aiku AI

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"

	"github.com/aiku/chatrelay/pkg/relay"
	"github.com/aiku/chatrelay/pkg/sink/matrix"
	mmsink "github.com/aiku/chatrelay/pkg/sink/mattermost"
	"github.com/aiku/chatrelay/pkg/sink/slack"
	"github.com/aiku/chatrelay/pkg/sink/telegram"
	mmsource "github.com/aiku/chatrelay/pkg/source/mattermost"
	"github.com/aiku/chatrelay/pkg/source/zulip"
)

// source is implemented by every source adapter.
type source interface {
	Run(ctx context.Context, h relay.Handler) error
}

// sink is a relay.Sink that can verify its credentials at startup.
type sink interface {
	relay.Sink
	Ping(ctx context.Context) error
}

const startupTimeout = 30 * time.Second

// run wires the configured source and sink through a Pump and blocks until
// ctx is cancelled or the source fails.
func run(ctx context.Context, cfg *Config, log zerolog.Logger) error {
	snk, err := newSink(cfg.Sink, log)
	if err != nil {
		return fmt.Errorf("%w: %w", relay.ErrStartup, err)
	}
	pingCtx, cancelPing := context.WithTimeout(ctx, startupTimeout)
	err = snk.Ping(pingCtx)
	cancelPing()
	if err != nil {
		return fmt.Errorf("%w: sink %s: %w", relay.ErrStartup, cfg.Sink.Type, err)
	}

	src, err := newSource(cfg.Source, log)
	if err != nil {
		return fmt.Errorf("%w: %w", relay.ErrStartup, err)
	}

	set := metrics.NewSet()
	pump := relay.NewPump(snk, relay.PumpConfig{
		Filter:         cfg.Filter,
		ChatID:         cfg.Sink.ChatID,
		MaxChunkLength: cfg.Sink.MaxChunkLength,
		Retry:          cfg.Delivery,
		Metrics:        set,
	}, log)
	pump.LogFilterSummary()

	var srv *http.Server
	if cfg.Metrics.ListenAddr != "" {
		srv = startMetricsServer(pump, cfg.Metrics.ListenAddr, log)
	}

	log.Info().Str("source", cfg.Source.Type).Str("sink", cfg.Sink.Type).Msg("Relay running")
	err = src.Run(ctx, pump)
	pump.Close()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			log.Warn().Err(serr).Msg("Failed to shut down metrics server")
		}
	}
	return err
}

func newSource(cfg SourceConfig, log zerolog.Logger) (source, error) {
	switch cfg.Type {
	case "zulip":
		return zulip.New(cfg.Zulip, log), nil
	case "mattermost":
		return mmsource.New(cfg.Mattermost, log), nil
	default:
		return nil, fmt.Errorf("unknown source type %q", cfg.Type)
	}
}

func newSink(cfg SinkConfig, log zerolog.Logger) (sink, error) {
	switch cfg.Type {
	case "telegram":
		return telegram.New(cfg.Telegram, log), nil
	case "matrix":
		s, err := matrix.New(cfg.Matrix, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "mattermost":
		return mmsink.New(cfg.Mattermost, log), nil
	case "slack":
		return slack.New(cfg.Slack, log), nil
	default:
		return nil, fmt.Errorf("unknown sink type %q", cfg.Type)
	}
}

// metricsHandler serves the pump's counters and process metrics.
func metricsHandler(pump *relay.Pump) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		buf := new(bytes.Buffer)
		pump.WritePrometheus(buf)
		metrics.WriteProcessMetrics(buf)

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = buf.WriteTo(w)
	})
	return mux
}

func startMetricsServer(pump *relay.Pump, addr string, log zerolog.Logger) *http.Server {
	srv := &http.Server{
		Addr:         addr,
		Handler:      metricsHandler(pump),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("Metrics server failed")
		}
	}()
	log.Info().Str("addr", addr).Msg("Serving metrics")
	return srv
}
