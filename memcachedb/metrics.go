package memcachedb

import (
	"fmt"

	metrics "github.com/rcrowley/go-metrics"
)

// opMetrics records per-operation call counts, error counts, and latency
// into a private go-metrics registry, the way ValentinKolb-dKV
// instruments its store. Metrics are pure observation: nothing here
// feeds back into routing or retry decisions.
type opMetrics struct {
	registry metrics.Registry
}

func newOpMetrics() *opMetrics {
	return &opMetrics{registry: metrics.NewRegistry()}
}

func (m *opMetrics) timer(op string) metrics.Timer {
	return metrics.GetOrRegisterTimer(fmt.Sprintf("memcachedb.%s.latency", op), m.registry)
}

func (m *opMetrics) calls(op string) metrics.Counter {
	return metrics.GetOrRegisterCounter(fmt.Sprintf("memcachedb.%s.calls", op), m.registry)
}

func (m *opMetrics) errors(op string) metrics.Counter {
	return metrics.GetOrRegisterCounter(fmt.Sprintf("memcachedb.%s.errors", op), m.registry)
}

// track wraps fn, recording a call, its latency, and (if fn returns a
// non-nil error) an error count for op.
func (m *opMetrics) track(op string, fn func() error) error {
	m.calls(op).Inc(1)
	var err error
	m.timer(op).Time(func() {
		err = fn()
	})
	if err != nil {
		m.errors(op).Inc(1)
	}
	return err
}

// Snapshot returns a flattened view of every registered metric, keyed by
// name; Client.Metrics exposes it.
func (m *opMetrics) Snapshot() map[string]interface{} {
	out := make(map[string]interface{})
	m.registry.Each(func(name string, i interface{}) {
		switch v := i.(type) {
		case metrics.Counter:
			out[name] = v.Count()
		case metrics.Timer:
			out[name+".p50"] = v.Percentile(0.5)
			out[name+".p99"] = v.Percentile(0.99)
			out[name+".count"] = v.Count()
		}
	})
	return out
}
