// Copyright 2024-2026 Aiku AI

package relay

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

const (
	metricEvents          = "chatrelay_events_total"
	metricMalformed       = "chatrelay_malformed_events_total"
	metricMatched         = "chatrelay_events_matched_total"
	metricTemplateErrors  = "chatrelay_template_errors_total"
	metricChunksSent      = "chatrelay_chunks_sent_total"
	metricRetries         = "chatrelay_send_retries_total"
	metricFailedTransient = `chatrelay_send_failures_total{kind="transient"}`
	metricFailedPermanent = `chatrelay_send_failures_total{kind="permanent"}`
)

// pumpMetrics holds the counters a Pump updates while handling events.
type pumpMetrics struct {
	set *metrics.Set

	events          *metrics.Counter
	malformed       *metrics.Counter
	matched         *metrics.Counter
	templateErrors  *metrics.Counter
	chunksSent      *metrics.Counter
	retries         *metrics.Counter
	failedTransient *metrics.Counter
	failedPermanent *metrics.Counter
}

func newPumpMetrics(set *metrics.Set) *pumpMetrics {
	if set == nil {
		set = metrics.NewSet()
	}
	return &pumpMetrics{
		set:             set,
		events:          set.GetOrCreateCounter(metricEvents),
		malformed:       set.GetOrCreateCounter(metricMalformed),
		matched:         set.GetOrCreateCounter(metricMatched),
		templateErrors:  set.GetOrCreateCounter(metricTemplateErrors),
		chunksSent:      set.GetOrCreateCounter(metricChunksSent),
		retries:         set.GetOrCreateCounter(metricRetries),
		failedTransient: set.GetOrCreateCounter(metricFailedTransient),
		failedPermanent: set.GetOrCreateCounter(metricFailedPermanent),
	}
}

// WritePrometheus writes the pump's counters in Prometheus text format.
func (p *Pump) WritePrometheus(w io.Writer) {
	p.metrics.set.WritePrometheus(w)
}
