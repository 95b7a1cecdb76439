package health

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestObserveStableSamplesFiresNoAlert(t *testing.T) {
	d := NewDetector(Config{WindowSize: 16, MinDegradationPercent: 20}, prometheus.NewRegistry())
	var alerts []Alert
	d.OnAlert(func(a Alert) { alerts = append(alerts, a) })

	for i := 0; i < 16; i++ {
		d.Observe("api", Sample{CPUPercent: 10, MemPercent: 10, ResponseMS: 10})
	}
	if len(alerts) != 0 {
		t.Fatalf("expected no alerts for stable samples, got %+v", alerts)
	}
}

func TestObserveDegradationFiresWarning(t *testing.T) {
	d := NewDetector(Config{WindowSize: 16, MinDegradationPercent: 20}, prometheus.NewRegistry())
	var alerts []Alert
	d.OnAlert(func(a Alert) { alerts = append(alerts, a) })

	for i := 0; i < 12; i++ {
		d.Observe("api", Sample{CPUPercent: 10, MemPercent: 10, ResponseMS: 10})
	}
	for i := 0; i < 4; i++ {
		d.Observe("api", Sample{CPUPercent: 50, MemPercent: 10, ResponseMS: 10})
	}
	if len(alerts) == 0 {
		t.Fatalf("expected an alert after sustained deviation")
	}
	last := alerts[len(alerts)-1]
	if last.Severity < SeverityWarning {
		t.Fatalf("expected at least Warning severity, got %v", last.Severity)
	}
}

func TestSeverityEscalatesWithDeviation(t *testing.T) {
	cases := []struct {
		dev  float64
		want Severity
	}{
		{10, SeverityNone},
		{25, SeverityWarning},
		{60, SeverityError},
		{150, SeverityCritical},
	}
	for _, c := range cases {
		if got := severityFor(c.dev); got != c.want {
			t.Fatalf("severityFor(%v) = %v, want %v", c.dev, got, c.want)
		}
	}
}
