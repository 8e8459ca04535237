package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRecordNodeExecution(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	m.RecordNodeExecution("send-email@2", "success", 120*time.Millisecond)

	count := testutilCounterValue(t, reg, "flowengine_nodes_executed_total")
	if count != 1 {
		t.Errorf("expected 1 recorded execution, got %v", count)
	}
}

func TestSetWatermarkBand(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	m.SetWatermarkBand("default", 3)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, mf := range mfs {
		if mf.GetName() == "flowengine_watermark_band" {
			found = true
			if got := mf.Metric[0].GetGauge().GetValue(); got != 3 {
				t.Errorf("expected watermark band 3, got %v", got)
			}
		}
	}
	if !found {
		t.Error("expected flowengine_watermark_band to be registered")
	}
}

func TestNoopTracerIsSafeToCall(t *testing.T) {
	ctx, done := NoopTracer.StartSpan(nil, "op", nil)
	if ctx != nil {
		t.Error("expected noop tracer to pass through the given context unchanged")
	}
	done(nil)
}

func testutilCounterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			var total float64
			for _, metric := range mf.Metric {
				total += metric.GetCounter().GetValue()
			}
			return total
		}
	}
	return 0
}
