// Package metrics implements the hand-rolled counter/gauge/histogram
// primitives required by the core (C9): atomics and a concurrent map only,
// no external metrics library, per the one component where that dependency
// is disallowed by design rather than by default.
package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// labelKey builds a deterministic identity for a label set by sorting the
// label names before joining, so {a=1,b=2} and {b=2,a=1} collide on the
// same series.
func labelKey(labels map[string]string) string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, n := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(n)
		b.WriteString(`="`)
		b.WriteString(labels[n])
		b.WriteByte('"')
	}
	return b.String()
}

// CounterVec is a monotonic uint64 counter keyed by a label set.
type CounterVec struct {
	name   string
	help   string
	mu     sync.Mutex
	values map[string]*atomic.Uint64
	labels map[string]map[string]string
}

// NewCounterVec builds an empty CounterVec.
func NewCounterVec(name, help string) *CounterVec {
	return &CounterVec{name: name, help: help, values: make(map[string]*atomic.Uint64), labels: make(map[string]map[string]string)}
}

// Add increments the series identified by labels by n.
func (c *CounterVec) Add(labels map[string]string, n uint64) {
	key := labelKey(labels)
	c.mu.Lock()
	v, ok := c.values[key]
	if !ok {
		v = new(atomic.Uint64)
		c.values[key] = v
		c.labels[key] = labels
	}
	c.mu.Unlock()
	v.Add(n)
}

// Inc increments the series identified by labels by 1.
func (c *CounterVec) Inc(labels map[string]string) { c.Add(labels, 1) }

func (c *CounterVec) render(out *strings.Builder) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.values) == 0 {
		return
	}
	fmt.Fprintf(out, "# HELP %s %s\n", c.name, c.help)
	fmt.Fprintf(out, "# TYPE %s counter\n", c.name)
	for key, v := range c.values {
		if key == "" {
			fmt.Fprintf(out, "%s %d\n", c.name, v.Load())
		} else {
			fmt.Fprintf(out, "%s{%s} %d\n", c.name, key, v.Load())
		}
	}
}

// GaugeVec is a signed int64 value keyed by a label set.
type GaugeVec struct {
	name   string
	help   string
	mu     sync.Mutex
	values map[string]*atomic.Int64
}

// NewGaugeVec builds an empty GaugeVec.
func NewGaugeVec(name, help string) *GaugeVec {
	return &GaugeVec{name: name, help: help, values: make(map[string]*atomic.Int64)}
}

func (g *GaugeVec) series(labels map[string]string) *atomic.Int64 {
	key := labelKey(labels)
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.values[key]
	if !ok {
		v = new(atomic.Int64)
		g.values[key] = v
	}
	return v
}

// Inc increments the series identified by labels by 1.
func (g *GaugeVec) Inc(labels map[string]string) { g.series(labels).Add(1) }

// Dec decrements the series identified by labels by 1.
func (g *GaugeVec) Dec(labels map[string]string) { g.series(labels).Add(-1) }

// Set assigns the series identified by labels to v.
func (g *GaugeVec) Set(labels map[string]string, v int64) { g.series(labels).Store(v) }

func (g *GaugeVec) render(out *strings.Builder) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.values) == 0 {
		return
	}
	fmt.Fprintf(out, "# HELP %s %s\n", g.name, g.help)
	fmt.Fprintf(out, "# TYPE %s gauge\n", g.name)
	for key, v := range g.values {
		label := key
		if label == "" {
			fmt.Fprintf(out, "%s %d\n", g.name, v.Load())
		} else {
			fmt.Fprintf(out, "%s{%s} %d\n", g.name, label, v.Load())
		}
	}
}

// bucketBoundsMicros is the fixed microsecond bucket ladder (§4.9): 100,
// 500, 1k, 5k, 10k, 50k, 100k, 500k, 1M, plus +Inf implicitly.
var bucketBoundsMicros = []int64{100, 500, 1_000, 5_000, 10_000, 50_000, 100_000, 500_000, 1_000_000}

type histogramSeries struct {
	buckets []atomic.Uint64 // len(bucketBoundsMicros)+1, last is +Inf
	sum     atomic.Uint64   // microseconds
	count   atomic.Uint64
}

// HistogramVec observes microsecond durations into the fixed bucket ladder.
type HistogramVec struct {
	name   string
	help   string
	mu     sync.Mutex
	series map[string]*histogramSeries
}

// NewHistogramVec builds an empty HistogramVec.
func NewHistogramVec(name, help string) *HistogramVec {
	return &HistogramVec{name: name, help: help, series: make(map[string]*histogramSeries)}
}

// Observe records durationMicros against the series identified by labels.
func (h *HistogramVec) Observe(labels map[string]string, durationMicros int64) {
	key := labelKey(labels)

	h.mu.Lock()
	s, ok := h.series[key]
	if !ok {
		s = &histogramSeries{buckets: make([]atomic.Uint64, len(bucketBoundsMicros)+1)}
		h.series[key] = s
	}
	h.mu.Unlock()

	for i, bound := range bucketBoundsMicros {
		if durationMicros <= bound {
			s.buckets[i].Add(1)
		}
	}
	s.buckets[len(bucketBoundsMicros)].Add(1) // +Inf
	s.sum.Add(uint64(durationMicros))
	s.count.Add(1)
}

func (h *HistogramVec) render(out *strings.Builder) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.series) == 0 {
		return
	}
	fmt.Fprintf(out, "# HELP %s %s\n", h.name, h.help)
	fmt.Fprintf(out, "# TYPE %s histogram\n", h.name)
	for key, s := range h.series {
		prefix := h.name
		for i, bound := range bucketBoundsMicros {
			le := strconv.FormatInt(bound, 10)
			writeLabeled(out, prefix+"_bucket", key, "le", le, s.buckets[i].Load())
		}
		writeLabeled(out, prefix+"_bucket", key, "le", "+Inf", s.buckets[len(bucketBoundsMicros)].Load())
		if key == "" {
			fmt.Fprintf(out, "%s_sum %d\n", prefix, s.sum.Load())
			fmt.Fprintf(out, "%s_count %d\n", prefix, s.count.Load())
		} else {
			fmt.Fprintf(out, "%s_sum{%s} %d\n", prefix, key, s.sum.Load())
			fmt.Fprintf(out, "%s_count{%s} %d\n", prefix, key, s.count.Load())
		}
	}
}

func writeLabeled(out *strings.Builder, metric, baseLabels, extraName, extraValue string, v uint64) {
	if baseLabels == "" {
		fmt.Fprintf(out, "%s{%s=\"%s\"} %d\n", metric, extraName, extraValue, v)
		return
	}
	fmt.Fprintf(out, "%s{%s,%s=\"%s\"} %d\n", metric, baseLabels, extraName, extraValue, v)
}

// Registry bundles every series required by §4.9.
type Registry struct {
	WsUpgradesTotal          *CounterVec
	WsSessionsActive         *GaugeVec
	PolicyDecisionsTotal     *CounterVec
	HandshakeRejectionsTotal *CounterVec
	DispatchDurationMicros   *HistogramVec
	DecodeErrorsTotal        *CounterVec
	ServiceErrorsTotal       *CounterVec
	WriterTimeoutsTotal      *CounterVec
	Draining                 *GaugeVec
}

// New builds a Registry with every required series declared (possibly with
// zero recorded observations, which is fine — render skips empty series).
func New() *Registry {
	return &Registry{
		WsUpgradesTotal:          NewCounterVec("wsprism_ws_upgrades_total", "Total HTTP->WS upgrade attempts."),
		WsSessionsActive:         NewGaugeVec("wsprism_ws_sessions_active", "Currently active WebSocket sessions."),
		PolicyDecisionsTotal:     NewCounterVec("wsprism_policy_decisions_total", "Total policy pipeline decisions."),
		HandshakeRejectionsTotal: NewCounterVec("wsprism_handshake_rejections_total", "Total handshake defender rejections."),
		DispatchDurationMicros:   NewHistogramVec("wsprism_dispatch_duration_micros", "Dispatch handler latency in microseconds."),
		DecodeErrorsTotal:        NewCounterVec("wsprism_decode_errors_total", "Total inbound decode errors."),
		ServiceErrorsTotal:       NewCounterVec("wsprism_service_errors_total", "Total service handler errors."),
		WriterTimeoutsTotal:      NewCounterVec("wsprism_writer_timeouts_total", "Total outbound writer send timeouts."),
		Draining:                 NewGaugeVec("wsprism_draining", "Whether the gateway is in draining mode (0/1)."),
	}
}

// Render produces the Prometheus text exposition format for every declared
// series. Callers append any additional exporter output (e.g. the process
// collectors bridged in internal/telemetry/promexport) after this text.
func (r *Registry) Render() string {
	var out strings.Builder
	for _, c := range []*CounterVec{
		r.WsUpgradesTotal, r.PolicyDecisionsTotal, r.HandshakeRejectionsTotal,
		r.DecodeErrorsTotal, r.ServiceErrorsTotal, r.WriterTimeoutsTotal,
	} {
		c.render(&out)
	}
	for _, g := range []*GaugeVec{r.WsSessionsActive, r.Draining} {
		g.render(&out)
	}
	r.DispatchDurationMicros.render(&out)
	return out.String()
}
