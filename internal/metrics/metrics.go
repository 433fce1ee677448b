// Package metrics provides fire-and-forget VM lifecycle counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder receives lifecycle events. Implementations must not block and
// must never fail the caller.
type Recorder interface {
	RecordVMCount(n int)
	RecordVMCreated(name string)
	RecordVMStarted(name string)
	RecordVMStopped(name string)
	RecordVMDeleted(name string)
}

// Nop discards every event.
type Nop struct{}

func (Nop) RecordVMCount(int)      {}
func (Nop) RecordVMCreated(string) {}
func (Nop) RecordVMStarted(string) {}
func (Nop) RecordVMStopped(string) {}
func (Nop) RecordVMDeleted(string) {}

// Prometheus records events as Prometheus collectors.
type Prometheus struct {
	count  prometheus.Gauge
	events *prometheus.CounterVec
}

// NewPrometheus creates the collectors and registers them on reg.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		count: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vmctl",
			Name:      "vms",
			Help:      "Number of VMs in the catalog at the last list.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vmctl",
			Name:      "vm_events_total",
			Help:      "VM lifecycle operations completed, by event.",
		}, []string{"event"}),
	}
	for _, c := range []prometheus.Collector{p.count, p.events} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) RecordVMCount(n int) {
	p.count.Set(float64(n))
}

// Event counters are not labelled by VM name.

func (p *Prometheus) RecordVMCreated(string) { p.events.WithLabelValues("created").Inc() }
func (p *Prometheus) RecordVMStarted(string) { p.events.WithLabelValues("started").Inc() }
func (p *Prometheus) RecordVMStopped(string) { p.events.WithLabelValues("stopped").Inc() }
func (p *Prometheus) RecordVMDeleted(string) { p.events.WithLabelValues("deleted").Inc() }

// Safe wraps r so a panicking recorder cannot fail the caller. A nil r
// yields a Nop.
func Safe(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	if _, ok := r.(safe); ok {
		return r
	}
	return safe{r: r}
}

type safe struct {
	r Recorder
}

func guard(fn func()) {
	defer func() { _ = recover() }()
	fn()
}

func (s safe) RecordVMCount(n int)         { guard(func() { s.r.RecordVMCount(n) }) }
func (s safe) RecordVMCreated(name string) { guard(func() { s.r.RecordVMCreated(name) }) }
func (s safe) RecordVMStarted(name string) { guard(func() { s.r.RecordVMStarted(name) }) }
func (s safe) RecordVMStopped(name string) { guard(func() { s.r.RecordVMStopped(name) }) }
func (s safe) RecordVMDeleted(name string) { guard(func() { s.r.RecordVMDeleted(name) }) }
