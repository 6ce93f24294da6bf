// Package metrics is the "safe metrics" capability described in the
// design notes: counters, meters and gauges that the core calls
// unconditionally. When metrics are disabled the implementations fall
// back to no-ops, so a metrics failure or an operator disabling metrics
// can never change core control flow.
package metrics

import (
	"sync"

	gometrics "github.com/rcrowley/go-metrics"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	enabled   = true
	enabledMu sync.RWMutex
	registry  = gometrics.NewRegistry()
	promReg   = prometheus.NewRegistry()
)

// Enable turns metrics collection on or off process-wide. Disabling is
// observationally identical to every call site holding a no-op meter.
func Enable(on bool) {
	enabledMu.Lock()
	defer enabledMu.Unlock()
	enabled = on
}

func isEnabled() bool {
	enabledMu.RLock()
	defer enabledMu.RUnlock()
	return enabled
}

// Meter tracks a rate (e.g. RPCs/sec, messages/sec).
type Meter interface {
	Mark(n int64)
}

// Counter tracks a monotonic or adjustable count.
type Counter interface {
	Inc(n int64)
	Dec(n int64)
}

// Gauge tracks an instantaneous value (e.g. connected-peer count).
type Gauge interface {
	Update(v int64)
}

type nilMeter struct{}

func (nilMeter) Mark(int64) {}

type nilCounter struct{}

func (nilCounter) Inc(int64) {}
func (nilCounter) Dec(int64) {}

type nilGauge struct{}

func (nilGauge) Update(int64) {}

type meter struct{ m gometrics.Meter }

func (m meter) Mark(n int64) {
	if isEnabled() {
		m.m.Mark(n)
	}
}

type counter struct{ c gometrics.Counter }

func (c counter) Inc(n int64) {
	if isEnabled() {
		c.c.Inc(n)
	}
}
func (c counter) Dec(n int64) {
	if isEnabled() {
		c.c.Dec(n)
	}
}

type gauge struct{ g gometrics.Gauge }

func (g gauge) Update(n int64) {
	if isEnabled() {
		g.g.Update(n)
	}
}

// GetOrRegisterMeter returns (creating if necessary) a named meter.
func GetOrRegisterMeter(name string) Meter {
	if !isEnabled() {
		return nilMeter{}
	}
	return meter{gometrics.GetOrRegisterMeter(name, registry)}
}

// GetOrRegisterCounter returns (creating if necessary) a named counter.
func GetOrRegisterCounter(name string) Counter {
	if !isEnabled() {
		return nilCounter{}
	}
	return counter{gometrics.GetOrRegisterCounter(name, registry)}
}

// GetOrRegisterGauge returns (creating if necessary) a named gauge.
func GetOrRegisterGauge(name string) Gauge {
	if !isEnabled() {
		return nilGauge{}
	}
	return gauge{gometrics.GetOrRegisterGauge(name, registry)}
}

// PrometheusRegistry returns the Prometheus registry served on the
// bootstrap server's /metrics HTTP route. No metric of this package is
// registered with it, so it does not mirror the go-metrics counters.
func PrometheusRegistry() *prometheus.Registry { return promReg }

// Snapshot returns every registered metric's current value.
func Snapshot() map[string]int64 {
	out := make(map[string]int64)
	registry.Each(func(name string, i interface{}) {
		switch v := i.(type) {
		case gometrics.Meter:
			out[name] = v.Count()
		case gometrics.Counter:
			out[name] = v.Count()
		case gometrics.Gauge:
			out[name] = v.Value()
		}
	})
	return out
}
