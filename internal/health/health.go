// Package health implements C12: a rolling-baseline degradation detector
// per component, exporting Prometheus gauges/counters alongside its
// in-process alert stream.
package health

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Sample is one (cpu_pct, mem_pct, response_ms) observation for a
// component.
type Sample struct {
	CPUPercent    float64
	MemPercent    float64
	ResponseMS    float64
}

// Severity is an alert's escalation level.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "none"
	}
}

// Alert is emitted when a component's recent samples deviate from its
// rolling baseline by more than min_degradation_percent.
type Alert struct {
	Component string
	Severity  Severity
	Metric    string
	Baseline  float64
	Observed  float64
	DeviationPercent float64
}

// Config carries the rolling-window size and degradation thresholds.
type Config struct {
	WindowSize           int
	MinDegradationPercent float64
}

// DefaultConfig matches the Rust HealthConfig defaults: a 60-sample window
// (roughly one minute at 1Hz) and a 20% deviation floor before the
// Warning tier fires.
func DefaultConfig() Config {
	return Config{WindowSize: 60, MinDegradationPercent: 20.0}
}

// componentState is the rolling window for one monitored component.
type componentState struct {
	mu      sync.Mutex
	samples []Sample
}

// Detector tracks rolling baselines per component and exports them as
// Prometheus metrics (dashboards themselves remain out of scope; only the
// metrics surface is provided).
type Detector struct {
	cfg Config

	mu         sync.Mutex
	components map[string]*componentState

	alertsMu sync.Mutex
	onAlert  func(Alert)

	cpuGauge      *prometheus.GaugeVec
	memGauge      *prometheus.GaugeVec
	responseGauge *prometheus.GaugeVec
	alertCounter  *prometheus.CounterVec
}

// NewDetector constructs a Detector and registers its metrics with reg
// (pass prometheus.NewRegistry() or prometheus.DefaultRegisterer).
func NewDetector(cfg Config, reg prometheus.Registerer) *Detector {
	d := &Detector{
		cfg:        cfg,
		components: make(map[string]*componentState),
		cpuGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hypermesh_component_cpu_percent", Help: "Latest CPU percent sample per component.",
		}, []string{"component"}),
		memGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hypermesh_component_mem_percent", Help: "Latest memory percent sample per component.",
		}, []string{"component"}),
		responseGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hypermesh_component_response_ms", Help: "Latest response-time sample per component, in milliseconds.",
		}, []string{"component"}),
		alertCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hypermesh_health_alerts_total", Help: "Count of degradation alerts fired, by component and severity.",
		}, []string{"component", "severity"}),
	}
	if reg != nil {
		reg.MustRegister(d.cpuGauge, d.memGauge, d.responseGauge, d.alertCounter)
	}
	return d
}

// OnAlert registers a callback invoked whenever a new alert fires.
func (d *Detector) OnAlert(fn func(Alert)) {
	d.alertsMu.Lock()
	defer d.alertsMu.Unlock()
	d.onAlert = fn
}

func (d *Detector) getOrCreate(component string) *componentState {
	d.mu.Lock()
	defer d.mu.Unlock()
	cs, ok := d.components[component]
	if !ok {
		cs = &componentState{}
		d.components[component] = cs
	}
	return cs
}

func mean(samples []Sample, sel func(Sample) float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += sel(s)
	}
	return sum / float64(len(samples))
}

func deviationPercent(baseline, observed float64) float64 {
	if baseline == 0 {
		if observed == 0 {
			return 0
		}
		return 100
	}
	return (observed - baseline) / baseline * 100
}

func severityFor(deviationPercent float64) Severity {
	abs := deviationPercent
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs >= 100:
		return SeverityCritical
	case abs >= 50:
		return SeverityError
	case abs >= 20:
		return SeverityWarning
	default:
		return SeverityNone
	}
}

// Observe records a new sample for component, recomputes its rolling
// baseline, and fires an alert if the newest quarter of the window
// deviates from the baseline (oldest half's mean) by more than
// min_degradation_percent (spec §4.12).
func (d *Detector) Observe(component string, s Sample) {
	cs := d.getOrCreate(component)
	cs.mu.Lock()
	cs.samples = append(cs.samples, s)
	if len(cs.samples) > d.cfg.WindowSize {
		cs.samples = cs.samples[len(cs.samples)-d.cfg.WindowSize:]
	}
	window := append([]Sample{}, cs.samples...)
	cs.mu.Unlock()

	d.cpuGauge.WithLabelValues(component).Set(s.CPUPercent)
	d.memGauge.WithLabelValues(component).Set(s.MemPercent)
	d.responseGauge.WithLabelValues(component).Set(s.ResponseMS)

	if len(window) < 4 {
		return // not enough history to split into oldest-half/newest-quarter
	}
	oldestHalf := window[:len(window)/2]
	newestQuarter := window[len(window)-len(window)/4:]

	checks := []struct {
		metric string
		sel    func(Sample) float64
	}{
		{"cpu_pct", func(s Sample) float64 { return s.CPUPercent }},
		{"mem_pct", func(s Sample) float64 { return s.MemPercent }},
		{"response_ms", func(s Sample) float64 { return s.ResponseMS }},
	}

	var worst *Alert
	for _, c := range checks {
		baseline := mean(oldestHalf, c.sel)
		observed := mean(newestQuarter, c.sel)
		dev := deviationPercent(baseline, observed)
		absDev := dev
		if absDev < 0 {
			absDev = -absDev
		}
		if absDev <= d.cfg.MinDegradationPercent {
			continue
		}
		sev := severityFor(dev)
		if worst == nil || sev > worst.Severity {
			worst = &Alert{Component: component, Severity: sev, Metric: c.metric, Baseline: baseline, Observed: observed, DeviationPercent: dev}
		}
	}

	if worst != nil {
		d.alertCounter.WithLabelValues(component, worst.Severity.String()).Inc()
		d.alertsMu.Lock()
		cb := d.onAlert
		d.alertsMu.Unlock()
		if cb != nil {
			cb(*worst)
		}
	}
}
