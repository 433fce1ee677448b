package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func Test_Prometheus_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(reg)
	if err != nil {
		t.Fatalf("NewPrometheus() error = %v", err)
	}

	p.RecordVMCount(3)
	p.RecordVMCreated("a")
	p.RecordVMCreated("b")
	p.RecordVMStarted("a")
	p.RecordVMStopped("a")
	p.RecordVMDeleted("b")

	if got := testutil.ToFloat64(p.count); got != 3 {
		t.Errorf("vms gauge = %v, want 3", got)
	}

	tests := []struct {
		event string
		want  float64
	}{
		{"created", 2},
		{"started", 1},
		{"stopped", 1},
		{"deleted", 1},
	}
	for _, tt := range tests {
		t.Run(tt.event, func(t *testing.T) {
			if got := testutil.ToFloat64(p.events.WithLabelValues(tt.event)); got != tt.want {
				t.Errorf("vm_events_total{event=%q} = %v, want %v", tt.event, got, tt.want)
			}
		})
	}
}

func Test_NewPrometheus_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewPrometheus(reg); err != nil {
		t.Fatalf("first NewPrometheus() error = %v", err)
	}
	if _, err := NewPrometheus(reg); err == nil {
		t.Fatal("second NewPrometheus() on the same registry returned nil error")
	}
}

type panicRecorder struct{}

func (panicRecorder) RecordVMCount(int)      { panic("boom") }
func (panicRecorder) RecordVMCreated(string) { panic("boom") }
func (panicRecorder) RecordVMStarted(string) { panic("boom") }
func (panicRecorder) RecordVMStopped(string) { panic("boom") }
func (panicRecorder) RecordVMDeleted(string) { panic("boom") }

func Test_Safe_SwallowsPanics(t *testing.T) {
	r := Safe(panicRecorder{})
	r.RecordVMCount(1)
	r.RecordVMCreated("x")
	r.RecordVMStarted("x")
	r.RecordVMStopped("x")
	r.RecordVMDeleted("x")
}

func Test_Safe_NilIsNop(t *testing.T) {
	r := Safe(nil)
	if _, ok := r.(Nop); !ok {
		t.Errorf("Safe(nil) = %T, want Nop", r)
	}
	r.RecordVMCreated("x")
}

func Test_Safe_Idempotent(t *testing.T) {
	once := Safe(panicRecorder{})
	twice := Safe(once)
	if _, ok := twice.(safe); !ok {
		t.Fatalf("Safe(Safe(r)) = %T, want safe", twice)
	}
	if twice.(safe).r != once.(safe).r {
		t.Error("Safe(Safe(r)) wrapped twice")
	}
}
