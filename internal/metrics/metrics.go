package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowpbx/tdmcore/internal/tdm"
)

// SpanSource exposes the spans and the call table of a registry.
type SpanSource interface {
	Spans() []*tdm.Span
	CallTable() *tdm.CallTable
}

// CDRDispositionCounter returns finished CDR counts grouped by disposition.
type CDRDispositionCounter interface {
	CountByDisposition(ctx context.Context) (map[string]int, error)
}

// CDRWriterStats exposes the CDR recorder's failure count.
type CDRWriterStats interface {
	Failed() int64
}

// SessionCounter returns the number of bridged SIP media sessions.
type SessionCounter interface {
	ActiveSessionCount() int
}

// Collector is a prometheus.Collector that gathers tdmcore metrics at
// scrape time.
type Collector struct {
	spans     SpanSource
	cdrs      CDRDispositionCounter
	recorder  CDRWriterStats
	sessions  SessionCounter
	startTime time.Time
	logger    *slog.Logger

	spanInfoDesc      *prometheus.Desc
	spanAlarmDesc     *prometheus.Desc
	channelStateDesc  *prometheus.Desc
	channelsInUseDesc *prometheus.Desc
	activeCallsDesc   *prometheus.Desc
	callTableSizeDesc *prometheus.Desc
	callsTotalDesc    *prometheus.Desc
	cdrFailuresDesc   *prometheus.Desc
	gwSessionsDesc    *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider except spans
// may be nil if unavailable.
func NewCollector(
	spans SpanSource,
	cdrs CDRDispositionCounter,
	recorder CDRWriterStats,
	sessions SessionCounter,
	startTime time.Time,
	logger *slog.Logger,
) *Collector {
	return &Collector{
		spans:     spans,
		cdrs:      cdrs,
		recorder:  recorder,
		sessions:  sessions,
		startTime: startTime,
		logger:    logger.With("subsystem", "metrics"),

		spanInfoDesc: prometheus.NewDesc(
			"tdmcore_span_info",
			"Configured spans with their driver and signaling module",
			[]string{"span", "driver", "signaling"}, nil,
		),
		spanAlarmDesc: prometheus.NewDesc(
			"tdmcore_span_in_alarm",
			"Whether the span is in alarm (1) or clear (0)",
			[]string{"span"}, nil,
		),
		channelStateDesc: prometheus.NewDesc(
			"tdmcore_channels",
			"Number of channels per span in each call state",
			[]string{"span", "state"}, nil,
		),
		channelsInUseDesc: prometheus.NewDesc(
			"tdmcore_channels_in_use",
			"Number of channels per span currently in use",
			[]string{"span"}, nil,
		),
		activeCallsDesc: prometheus.NewDesc(
			"tdmcore_active_calls",
			"Number of call ids currently allocated",
			nil, nil,
		),
		callTableSizeDesc: prometheus.NewDesc(
			"tdmcore_call_table_size",
			"Capacity of the call id table",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"tdmcore_calls_total",
			"Total number of finished calls (from CDR)",
			[]string{"disposition"}, nil,
		),
		cdrFailuresDesc: prometheus.NewDesc(
			"tdmcore_cdr_write_failures_total",
			"Total number of failed CDR writes",
			nil, nil,
		),
		gwSessionsDesc: prometheus.NewDesc(
			"tdmcore_sip_sessions_active",
			"Number of SIP calls bridged onto TDM channels",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"tdmcore_uptime_seconds",
			"Seconds since the tdmcore process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.spanInfoDesc
	ch <- c.spanAlarmDesc
	ch <- c.channelStateDesc
	ch <- c.channelsInUseDesc
	ch <- c.activeCallsDesc
	ch <- c.callTableSizeDesc
	ch <- c.callsTotalDesc
	ch <- c.cdrFailuresDesc
	ch <- c.gwSessionsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, span := range c.spans.Spans() {
		name := span.Name()
		ch <- prometheus.MustNewConstMetric(
			c.spanInfoDesc, prometheus.GaugeValue, 1,
			name, span.Driver().Name(), span.SignalingName(),
		)
		ch <- prometheus.MustNewConstMetric(
			c.spanAlarmDesc, prometheus.GaugeValue, boolValue(span.HasFlag(tdm.SpanInAlarm)), name,
		)
		ch <- prometheus.MustNewConstMetric(
			c.channelsInUseDesc, prometheus.GaugeValue, float64(span.UseCount()), name,
		)

		byState := make(map[tdm.State]int)
		for _, chn := range span.Channels() {
			byState[chn.State()]++
		}
		for st, n := range byState {
			ch <- prometheus.MustNewConstMetric(
				c.channelStateDesc, prometheus.GaugeValue, float64(n), name, st.String(),
			)
		}
	}

	calls := c.spans.CallTable()
	ch <- prometheus.MustNewConstMetric(c.activeCallsDesc, prometheus.GaugeValue, float64(calls.Len()))
	ch <- prometheus.MustNewConstMetric(c.callTableSizeDesc, prometheus.GaugeValue, float64(calls.Size()))

	if c.cdrs != nil {
		counts, err := c.cdrs.CountByDisposition(ctx)
		if err != nil {
			c.logger.Error("failed to count cdrs by disposition", "error", err)
		} else {
			for disposition, n := range counts {
				ch <- prometheus.MustNewConstMetric(
					c.callsTotalDesc, prometheus.CounterValue, float64(n), disposition,
				)
			}
		}
	}

	if c.recorder != nil {
		ch <- prometheus.MustNewConstMetric(c.cdrFailuresDesc, prometheus.CounterValue, float64(c.recorder.Failed()))
	}

	if c.sessions != nil {
		ch <- prometheus.MustNewConstMetric(c.gwSessionsDesc, prometheus.GaugeValue, float64(c.sessions.ActiveSessionCount()))
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds(),
	)
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
