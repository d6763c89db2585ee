// Package metrics exports translation statistics to Prometheus.
package metrics

import (
	"errors"

	prom "github.com/prometheus/client_golang/prometheus"
)

const namespace = "dynarec"

// Stats is a snapshot of the cumulative statistics of a session.
type Stats struct {
	Blocks              int
	BufferGrows         int
	RelocationsRecorded int
	RelocationsPatched  int
	RelocationsPending  int
	CodeBytes           int
	CodeCapacity        int
}

// Metrics is the collection of translation metrics of one session. A nil
// *Metrics is valid and records nothing.
//
// Sessions registering on the same registry share the collectors: counters
// and gauges are the sums over all the sessions.
type Metrics struct {
	BlocksTranslated    prom.Counter
	BufferGrows         prom.Counter
	RelocationsRecorded prom.Counter
	RelocationsPatched  prom.Counter
	CodeBytes           prom.Gauge
	CodeCapacity        prom.Gauge
	RelocationsPending  prom.Gauge

	// last is the snapshot counters were last advanced to.
	last Stats
}

// New returns the metrics registered on reg, reusing the collectors already
// registered by another session. A nil reg returns nil.
func New(reg prom.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}
	m := &Metrics{
		BlocksTranslated: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_translated_total",
			Help:      "Number of guest blocks translated",
		}),
		BufferGrows: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_grows_total",
			Help:      "Number of code buffer reallocations",
		}),
		RelocationsRecorded: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "relocations_recorded_total",
			Help:      "Number of jump sites recorded for later patching",
		}),
		RelocationsPatched: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "relocations_patched_total",
			Help:      "Number of jump sites patched",
		}),
		CodeBytes: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "code_bytes",
			Help:      "Bytes of host code written",
		}),
		CodeCapacity: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "code_capacity_bytes",
			Help:      "Bytes of executable memory allocated",
		}),
		RelocationsPending: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "relocations_pending",
			Help:      "Number of jump sites waiting for their target",
		}),
	}
	for _, c := range []*prom.Counter{&m.BlocksTranslated, &m.BufferGrows, &m.RelocationsRecorded, &m.RelocationsPatched} {
		if err := register(reg, c); err != nil {
			return nil, err
		}
	}
	for _, g := range []*prom.Gauge{&m.CodeBytes, &m.CodeCapacity, &m.RelocationsPending} {
		if err := register(reg, g); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// register registers *c on reg, replacing it with the equivalent collector
// registered before.
func register[T prom.Collector](reg prom.Registerer, c *T) error {
	err := reg.Register(*c)
	if err == nil {
		return nil
	}
	var are prom.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			*c = existing
			return nil
		}
	}
	return err
}

// Observe advances the counters to the cumulative values of s and moves the
// gauges by the change of the session's values since the last call.
func (m *Metrics) Observe(s Stats) {
	if m == nil {
		return
	}
	addDelta(m.BlocksTranslated, s.Blocks, m.last.Blocks)
	addDelta(m.BufferGrows, s.BufferGrows, m.last.BufferGrows)
	addDelta(m.RelocationsRecorded, s.RelocationsRecorded, m.last.RelocationsRecorded)
	addDelta(m.RelocationsPatched, s.RelocationsPatched, m.last.RelocationsPatched)
	m.CodeBytes.Add(float64(s.CodeBytes - m.last.CodeBytes))
	m.CodeCapacity.Add(float64(s.CodeCapacity - m.last.CodeCapacity))
	m.RelocationsPending.Add(float64(s.RelocationsPending - m.last.RelocationsPending))
	m.last = s
}

// Close removes the session's share of the gauges. Counters are kept.
func (m *Metrics) Close() {
	if m == nil {
		return
	}
	m.CodeBytes.Sub(float64(m.last.CodeBytes))
	m.CodeCapacity.Sub(float64(m.last.CodeCapacity))
	m.RelocationsPending.Sub(float64(m.last.RelocationsPending))
	m.last.CodeBytes, m.last.CodeCapacity, m.last.RelocationsPending = 0, 0, 0
}

// addDelta adds cur-last to c. A value lower than last means the source was
// recreated, in which case all of cur is new.
func addDelta(c prom.Counter, cur, last int) {
	if cur < last {
		last = 0
	}
	if d := cur - last; d > 0 {
		c.Add(float64(d))
	}
}
