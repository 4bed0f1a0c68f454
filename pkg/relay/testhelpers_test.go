// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"sync"
	"time"
)

// sendCall records one Send invocation on mockSink.
type sendCall struct {
	ChatID string
	Text   string
}

// mockSink records sends and returns scripted errors. Errors are consumed
// in order, one per Send call; once exhausted every send succeeds.
type mockSink struct {
	mu     sync.Mutex
	calls  []sendCall
	errs   []error
	maxLen int
}

func (m *mockSink) Send(_ context.Context, chatID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, sendCall{ChatID: chatID, Text: text})
	if len(m.errs) == 0 {
		return nil
	}
	err := m.errs[0]
	m.errs = m.errs[1:]
	return err
}

func (m *mockSink) MaxMessageLength() int {
	if m.maxLen == 0 {
		return 4096
	}
	return m.maxLen
}

func (m *mockSink) Calls() []sendCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]sendCall, len(m.calls))
	copy(cp, m.calls)
	return cp
}

// recordingSleep captures requested waits without sleeping.
type recordingSleep struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *recordingSleep) Sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waits = append(r.waits, d)
	return nil
}

func (r *recordingSleep) Waits() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]time.Duration, len(r.waits))
	copy(cp, r.waits)
	return cp
}

// badEvent always fails normalization with the given error.
type badEvent struct {
	err error
}

func (b badEvent) Normalize() (InboundMessage, error) {
	return InboundMessage{}, b.err
}

func walletFilter() FilterConfig {
	return FilterConfig{
		Enabled: true,
		Rules: []FilterRule{
			{Text: "Wallet Extensions", Format: "🧩 {sender}: {content}"},
			{Text: "wallet", Format: "💼 {sender}: {content}"},
		},
	}
}
