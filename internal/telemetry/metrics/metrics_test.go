package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCounterVec_DeterministicLabelOrdering(t *testing.T) {
	c := NewCounterVec("test_total", "help text")
	c.Inc(map[string]string{"b": "2", "a": "1"})
	c.Inc(map[string]string{"a": "1", "b": "2"})

	var out strings.Builder
	c.render(&out)
	assert.Equal(t, 1, strings.Count(out.String(), "test_total{"))
	assert.Contains(t, out.String(), `test_total{a="1",b="2"} 2`)
}

func TestGaugeVec_IncDecSet(t *testing.T) {
	g := NewGaugeVec("test_gauge", "help")
	labels := map[string]string{"tenant": "acme"}
	g.Inc(labels)
	g.Inc(labels)
	g.Dec(labels)
	assert.Equal(t, int64(1), g.series(labels).Load())

	g.Set(labels, 5)
	assert.Equal(t, int64(5), g.series(labels).Load())
}

func TestHistogramVec_BucketsAreCumulative(t *testing.T) {
	h := NewHistogramVec("test_hist", "help")
	labels := map[string]string{"tenant": "acme"}
	h.Observe(labels, 50)
	h.Observe(labels, 2000)

	var out strings.Builder
	h.render(&out)
	rendered := out.String()

	assert.Contains(t, rendered, `le="100"} 1`)
	assert.Contains(t, rendered, `le="5000"} 2`)
	assert.Contains(t, rendered, `le="+Inf"} 2`)
	assert.Contains(t, rendered, `test_hist_sum{tenant="acme"} 2050`)
	assert.Contains(t, rendered, `test_hist_count{tenant="acme"} 2`)
}

func TestRegistry_RenderSkipsUnusedSeries(t *testing.T) {
	r := New()
	out := r.Render()
	assert.Empty(t, out)

	r.WsUpgradesTotal.Inc(map[string]string{"tenant": "acme", "status": "ok"})
	out = r.Render()
	assert.Contains(t, out, "wsprism_ws_upgrades_total")
}

func TestNewTraceID_UniqueWithinSameNanosecond(t *testing.T) {
	now := time.Now()
	a := NewTraceID(now)
	b := NewTraceID(now)
	assert.NotEqual(t, a, b)
}
