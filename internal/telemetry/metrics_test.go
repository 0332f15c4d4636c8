package telemetry

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func getCounterValue(cv *prometheus.CounterVec, labels ...string) float64 {
	m := &dto.Metric{}
	if err := cv.WithLabelValues(labels...).Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func getGaugeVecValue(gv *prometheus.GaugeVec, labels ...string) float64 {
	m := &dto.Metric{}
	if err := gv.WithLabelValues(labels...).Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func TestRecordProbeRun(t *testing.T) {
	before := getCounterValue(ProbeRunsTotal, "metrics-test", "fail")
	RecordProbeRun("metrics-test", false, 120*time.Millisecond)
	RecordProbeRun("metrics-test", true, 80*time.Millisecond)

	if got := getCounterValue(ProbeRunsTotal, "metrics-test", "fail"); got != before+1 {
		t.Errorf("fail runs = %v, want %v", got, before+1)
	}
	if got := getCounterValue(ProbeRunsTotal, "metrics-test", "pass"); got < 1 {
		t.Errorf("pass runs = %v, want >= 1", got)
	}
}

func TestRecordSkippedRun(t *testing.T) {
	before := getCounterValue(ProbeRunsSkippedTotal, "skip-test")
	RecordSkippedRun("skip-test")
	RecordSkippedRun("skip-test")
	if got := getCounterValue(ProbeRunsSkippedTotal, "skip-test"); got != before+2 {
		t.Errorf("skipped = %v, want %v", got, before+2)
	}
}

func TestSetAlarmState(t *testing.T) {
	states := []string{"OK", "ALARM", "INSUFFICIENT_DATA"}
	SetAlarmState("gauge-test", "ALARM", states...)
	if getGaugeVecValue(AlarmState, "gauge-test", "ALARM") != 1 {
		t.Error("ALARM gauge should be 1")
	}
	SetAlarmState("gauge-test", "OK", states...)
	if getGaugeVecValue(AlarmState, "gauge-test", "ALARM") != 0 || getGaugeVecValue(AlarmState, "gauge-test", "OK") != 1 {
		t.Error("only the current state gauge should be 1")
	}
}

func TestRecordDelivery(t *testing.T) {
	okBefore := getCounterValue(DeliveriesTotal, "t", "webhook", "ok")
	failBefore := getCounterValue(DeliveriesTotal, "t", "webhook", "failed")
	RecordDelivery("t", "webhook", nil)
	RecordDelivery("t", "webhook", errors.New("refused"))
	if getCounterValue(DeliveriesTotal, "t", "webhook", "ok") != okBefore+1 {
		t.Error("ok delivery not counted")
	}
	if getCounterValue(DeliveriesTotal, "t", "webhook", "failed") != failBefore+1 {
		t.Error("failed delivery not counted")
	}
}

func TestRegistryGathers(t *testing.T) {
	RecordTransition("gather-test", "ALARM")
	families, err := Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "canarywatch_alarm_transitions_total" {
			found = true
		}
	}
	if !found {
		t.Fatal("transition counter not registered")
	}
}
