package metrics

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/flowpbx/tdmcore/internal/driver/soft"
	"github.com/flowpbx/tdmcore/internal/signaling/clear"
	"github.com/flowpbx/tdmcore/internal/tdm"
)

type stubCDRs struct {
	counts map[string]int
	err    error
}

func (s stubCDRs) CountByDisposition(context.Context) (map[string]int, error) {
	return s.counts, s.err
}

type stubRecorder int64

func (s stubRecorder) Failed() int64 { return int64(s) }

type stubSessions int

func (s stubSessions) ActiveSessionCount() int { return int(s) }

func gather(t *testing.T, c *Collector) map[string][]*dto.Metric {
	t.Helper()
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	out := make(map[string][]*dto.Metric)
	for _, f := range families {
		out[f.GetName()] = f.GetMetric()
	}
	return out
}

func label(m *dto.Metric, name string) string {
	for _, l := range m.GetLabel() {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}

func newRegistry(t *testing.T) *tdm.Registry {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	reg := tdm.NewRegistry(tdm.WithLogger(logger), tdm.WithMaxCalls(16))
	t.Cleanup(func() { reg.Close() })
	span, err := reg.CreateSpan(soft.Name, "s1")
	if err != nil {
		t.Fatalf("CreateSpan() error: %v", err)
	}
	if err := span.Configure(context.Background(), map[string]string{"channels": "3"}); err != nil {
		t.Fatalf("Configure() error: %v", err)
	}
	// Attached but not started, so state changes stay pending.
	if err := span.ConfigureSignaling(clear.New(logger), nil); err != nil {
		t.Fatalf("ConfigureSignaling() error: %v", err)
	}
	if err := span.SetSigStatus(tdm.SigStatusUp); err != nil {
		t.Fatalf("SetSigStatus() error: %v", err)
	}
	return reg
}

func TestCollector(t *testing.T) {
	reg := newRegistry(t)
	ch, err := reg.OpenBySpan(1, tdm.TopDown, &tdm.CallerData{ANI: "100"})
	if err != nil {
		t.Fatalf("OpenBySpan() error: %v", err)
	}
	ch.SetFlag(tdm.ChanNonBlock)
	if err := ch.PlaceCall(); err != nil {
		t.Fatalf("PlaceCall() error: %v", err)
	}

	c := NewCollector(reg,
		stubCDRs{counts: map[string]int{"answered": 7, "busy": 2}},
		stubRecorder(3), stubSessions(1),
		time.Now().Add(-time.Minute), slog.New(slog.DiscardHandler))
	got := gather(t, c)

	if v := got["tdmcore_active_calls"][0].GetGauge().GetValue(); v != 1 {
		t.Errorf("tdmcore_active_calls = %v, want 1", v)
	}
	if v := got["tdmcore_call_table_size"][0].GetGauge().GetValue(); v != 16 {
		t.Errorf("tdmcore_call_table_size = %v, want 16", v)
	}
	if v := got["tdmcore_channels_in_use"][0].GetGauge().GetValue(); v != 1 {
		t.Errorf("tdmcore_channels_in_use = %v, want 1", v)
	}

	states := make(map[string]float64)
	for _, m := range got["tdmcore_channels"] {
		states[label(m, "state")] = m.GetGauge().GetValue()
	}
	if states["DOWN"] != 2 || states["DIALING"] != 1 {
		t.Errorf("tdmcore_channels by state = %v, want DOWN=2 DIALING=1", states)
	}

	info := got["tdmcore_span_info"]
	if len(info) != 1 || label(info[0], "driver") != soft.Name || label(info[0], "signaling") != clear.Name {
		t.Errorf("tdmcore_span_info = %v", info)
	}

	calls := make(map[string]float64)
	for _, m := range got["tdmcore_calls_total"] {
		calls[label(m, "disposition")] = m.GetCounter().GetValue()
	}
	if calls["answered"] != 7 || calls["busy"] != 2 {
		t.Errorf("tdmcore_calls_total = %v", calls)
	}
	if v := got["tdmcore_cdr_write_failures_total"][0].GetCounter().GetValue(); v != 3 {
		t.Errorf("tdmcore_cdr_write_failures_total = %v, want 3", v)
	}
	if v := got["tdmcore_sip_sessions_active"][0].GetGauge().GetValue(); v != 1 {
		t.Errorf("tdmcore_sip_sessions_active = %v, want 1", v)
	}
	if v := got["tdmcore_uptime_seconds"][0].GetGauge().GetValue(); v < 60 {
		t.Errorf("tdmcore_uptime_seconds = %v, want >= 60", v)
	}
}

func TestCollectorOptionalProviders(t *testing.T) {
	reg := newRegistry(t)
	c := NewCollector(reg, stubCDRs{err: errors.New("db closed")}, nil, nil, time.Now(), slog.New(slog.DiscardHandler))
	got := gather(t, c)

	for _, name := range []string{"tdmcore_calls_total", "tdmcore_cdr_write_failures_total", "tdmcore_sip_sessions_active"} {
		if _, ok := got[name]; ok {
			t.Errorf("%s reported without a provider", name)
		}
	}
	if _, ok := got["tdmcore_span_in_alarm"]; !ok {
		t.Error("tdmcore_span_in_alarm missing")
	}
}
