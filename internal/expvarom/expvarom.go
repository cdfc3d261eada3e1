// Package expvarom bridges expvar-style counters to Prometheus, so the
// metrics the rest of the daemon exports as plain Go variables also show up
// on the Prometheus scrape endpoint without every call site having to know
// about both systems.
package expvarom

import (
	"expvar"

	"github.com/prometheus/client_golang/prometheus"
)

// Int is a counter exported both via expvar and Prometheus.
type Int struct {
	ev *expvar.Int
	pc prometheus.Counter
}

// NewInt creates and registers a new Int counter.
func NewInt(name, help string) *Int {
	i := &Int{
		ev: expvar.NewInt(name),
		pc: prometheus.NewCounter(prometheus.CounterOpts{
			Name: promName(name),
			Help: help,
		}),
	}
	prometheus.MustRegister(i.pc)
	return i
}

// Add delta to the counter.
func (i *Int) Add(delta int64) {
	i.ev.Add(delta)
	i.pc.Add(float64(delta))
}

// Map is a counter broken down by a single label, exported both via expvar
// (as a expvar.Map of string->int) and Prometheus (as a CounterVec).
type Map struct {
	ev *expvar.Map
	pc *prometheus.CounterVec
}

// NewMap creates and registers a new Map counter, with values broken down by
// the given label name.
func NewMap(name, label, help string) *Map {
	m := &Map{
		ev: expvar.NewMap(name),
		pc: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: promName(name),
			Help: help,
		}, []string{label}),
	}
	prometheus.MustRegister(m.pc)
	return m
}

// Add delta to the counter for the given label value.
func (m *Map) Add(value string, delta int64) {
	m.ev.Add(value, delta)
	m.pc.WithLabelValues(value).Add(float64(delta))
}

// promName turns a "chasquid/smtpIn/commandCount"-style expvar name into a
// Prometheus-friendly "chasquid_smtpin_commandcount" identifier.
func promName(name string) string {
	out := make([]byte, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			out = append(out, byte(r))
		case r >= 'A' && r <= 'Z':
			out = append(out, byte(r-'A'+'a'))
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
