// Package stats is a small set of instrument interfaces backed by go-metrics.
//
// A StatsReceiver is passed down the call tree and scoped at each level, so
// the generator's stats land under "deltas/..." and the executor's under
// "executor/...". Rendering produces Finagle style flat JSON, with latency
// histograms expanded into avg/count/max/min/sum and percentiles in the
// receiver's display precision.
package stats

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rcrowley/go-metrics"
	log "github.com/sirupsen/logrus"
)

// Clock is the time source for latencies. Tests replace it.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

type wallClock struct{}

func (wallClock) Now() time.Time                  { return time.Now() }
func (wallClock) Since(t time.Time) time.Duration { return time.Since(t) }

var Time Clock = wallClock{}

// How often StartUptimeReporting refreshes its gauge.
var StatReportIntvl = 500 * time.Millisecond

// Overridable instrument creation.
var (
	NewCounter    func() Counter    = newMetricCounter
	NewGauge      func() Gauge      = newMetricGauge
	NewGaugeFloat func() GaugeFloat = newMetricGaugeFloat
	NewHistogram  func() Histogram  = newMetricHistogram
	NewLatency    func() Latency    = newLatency
)

// StatsRegistry is the part of a go-metrics registry we use.
type StatsRegistry interface {
	// GetOrRegister returns the instrument called name, registering i (an
	// instrument or a func returning one) if there is none.
	GetOrRegister(name string, i interface{}) interface{}
	Unregister(name string)
	Each(func(string, interface{}))
}

// StatsReceiver creates named instruments. Names passed as several elements
// are joined with '/', and any '/' inside an element becomes "_SLASH_".
type StatsReceiver interface {
	// Scope returns a receiver whose instruments are prefixed with scope.
	//
	//   stat.Scope("deltas").Counter("requests") == stat.Counter("deltas", "requests")
	Scope(scope ...string) StatsReceiver

	// Precision returns a receiver whose latencies render in units of p.
	Precision(p time.Duration) StatsReceiver

	Counter(name ...string) Counter
	Gauge(name ...string) Gauge
	GaugeFloat(name ...string) GaugeFloat
	Histogram(name ...string) Histogram
	Latency(name ...string) Latency

	Remove(name ...string)

	// Render marshals the registry. Histograms are cleared afterwards.
	Render(pretty bool) []byte
}

// DefaultStatsReceiver renders through a Finagle style registry in milliseconds.
func DefaultStatsReceiver() StatsReceiver {
	return NewCustomStatsReceiver(NewFinagleStatsRegistry())
}

// NewCustomStatsReceiver records into reg.
func NewCustomStatsReceiver(reg StatsRegistry) StatsReceiver {
	return &defaultStatsReceiver{registry: reg, precision: time.Millisecond}
}

type defaultStatsReceiver struct {
	registry  StatsRegistry
	precision time.Duration
	scope     []string
}

func (s *defaultStatsReceiver) Scope(scope ...string) StatsReceiver {
	return &defaultStatsReceiver{s.registry, s.precision, s.scoped(scope...)}
}

func (s *defaultStatsReceiver) Precision(p time.Duration) StatsReceiver {
	if p < 1 {
		p = 1
	}
	return &defaultStatsReceiver{s.registry, p, s.scope}
}

func (s *defaultStatsReceiver) Counter(name ...string) Counter {
	return s.registry.GetOrRegister(s.scopedName(name...), NewCounter).(Counter)
}

func (s *defaultStatsReceiver) Gauge(name ...string) Gauge {
	return s.registry.GetOrRegister(s.scopedName(name...), NewGauge).(Gauge)
}

func (s *defaultStatsReceiver) GaugeFloat(name ...string) GaugeFloat {
	return s.registry.GetOrRegister(s.scopedName(name...), NewGaugeFloat).(GaugeFloat)
}

func (s *defaultStatsReceiver) Histogram(name ...string) Histogram {
	return s.registry.GetOrRegister(s.scopedName(name...), NewHistogram).(Histogram)
}

func (s *defaultStatsReceiver) Latency(name ...string) Latency {
	// go-metrics registries can't type the result of a factory func, so
	// latencies are registered by value.
	return s.registry.GetOrRegister(s.scopedName(name...), NewLatency().Precision(s.precision)).(Latency)
}

func (s *defaultStatsReceiver) Remove(name ...string) {
	s.registry.Unregister(s.scopedName(name...))
}

func (s *defaultStatsReceiver) Render(pretty bool) []byte {
	var data []byte
	var err error
	if mp, ok := s.registry.(MarshalerPretty); ok && pretty {
		data, err = mp.MarshalJSONPretty()
	} else {
		data, err = json.Marshal(s.registry)
	}
	if err != nil {
		log.WithFields(log.Fields{"err": err}).Error("rendering stats")
		return []byte("{}")
	}
	clearHistograms(s.registry)
	return data
}

func clearHistograms(reg StatsRegistry) {
	reg.Each(func(_ string, i interface{}) {
		if h, ok := i.(metrics.Histogram); ok {
			h.Clear()
		}
	})
}

func (s *defaultStatsReceiver) scoped(scope ...string) []string {
	out := make([]string, 0, len(s.scope)+len(scope))
	out = append(out, s.scope...)
	for _, e := range scope {
		out = append(out, strings.Replace(e, "/", "_SLASH_", -1))
	}
	return out
}

func (s *defaultStatsReceiver) scopedName(name ...string) string {
	return strings.Join(s.scoped(name...), "/")
}

// NilStatsReceiver drops everything.
func NilStatsReceiver() StatsReceiver {
	return nilStatsReceiver{}
}

type nilStatsReceiver struct{}

func (s nilStatsReceiver) Scope(...string) StatsReceiver         { return s }
func (s nilStatsReceiver) Precision(time.Duration) StatsReceiver { return s }
func (nilStatsReceiver) Counter(...string) Counter               { return &metricCounter{&metrics.NilCounter{}} }
func (nilStatsReceiver) Gauge(...string) Gauge                   { return &metricGauge{&metrics.NilGauge{}} }
func (nilStatsReceiver) GaugeFloat(...string) GaugeFloat {
	return &metricGaugeFloat{&metrics.NilGaugeFloat64{}}
}
func (nilStatsReceiver) Histogram(...string) Histogram {
	return &metricHistogram{&metrics.NilHistogram{}}
}
func (nilStatsReceiver) Latency(...string) Latency { return nilLatency{} }
func (nilStatsReceiver) Remove(...string)          {}
func (nilStatsReceiver) Render(bool) []byte        { return []byte("{}") }

type Counter interface {
	Capture() Counter
	Clear()
	Count() int64
	Inc(int64)
}
type metricCounter struct{ metrics.Counter }

func (m *metricCounter) Capture() Counter { return &metricCounter{m.Snapshot()} }
func newMetricCounter() Counter           { return &metricCounter{metrics.NewCounter()} }

type Gauge interface {
	Capture() Gauge
	Update(int64)
	Value() int64
}
type metricGauge struct{ metrics.Gauge }

func (m *metricGauge) Capture() Gauge { return &metricGauge{m.Snapshot()} }
func newMetricGauge() Gauge           { return &metricGauge{metrics.NewGauge()} }

type GaugeFloat interface {
	Capture() GaugeFloat
	Update(float64)
	Value() float64
}
type metricGaugeFloat struct{ metrics.GaugeFloat64 }

func (m *metricGaugeFloat) Capture() GaugeFloat { return &metricGaugeFloat{m.Snapshot()} }
func newMetricGaugeFloat() GaugeFloat           { return &metricGaugeFloat{metrics.NewGaugeFloat64()} }

// HistogramView is the read side shared by Histogram and Latency.
type HistogramView interface {
	Mean() float64
	Count() int64
	Max() int64
	Min() int64
	Sum() int64
	Percentiles(ps []float64) []float64
}

type Histogram interface {
	HistogramView
	Capture() Histogram
	Update(int64)
}
type metricHistogram struct{ metrics.Histogram }

func (m *metricHistogram) Capture() Histogram { return &metricHistogram{m.Snapshot()} }
func newMetricHistogram() Histogram {
	return &metricHistogram{metrics.NewHistogram(metrics.NewUniformSample(1000))}
}

// Latency is a histogram of durations. Each Time starts its own
// measurement, so one Latency may time concurrent operations.
//
//	defer stat.Latency(stats.ExecutorJobLatency_ms).Time().Stop()
type Latency interface {
	Capture() Latency
	// Time starts a measurement recorded into this latency by Stop.
	Time() Latency
	Stop()
	GetPrecision() time.Duration
	Precision(time.Duration) Latency
}

type metricLatency struct {
	metrics.Histogram
	start     time.Time
	precision time.Duration
}

func (l *metricLatency) Time() Latency {
	return &metricLatency{Histogram: l.Histogram, start: Time.Now(), precision: l.precision}
}

func (l *metricLatency) Stop() {
	l.Update(Time.Since(l.start).Nanoseconds())
}

func (l *metricLatency) Capture() Latency {
	return &metricLatency{Histogram: l.Histogram.Snapshot(), precision: l.precision}
}

func (l *metricLatency) GetPrecision() time.Duration { return l.precision }

func (l *metricLatency) Precision(p time.Duration) Latency {
	if p < 1 {
		p = 1
	}
	l.precision = p
	return l
}

func newLatency() Latency {
	return &metricLatency{Histogram: metrics.NewHistogram(metrics.NewUniformSample(1000)), precision: time.Nanosecond}
}

type nilLatency struct{}

func (l nilLatency) Time() Latency                   { return l }
func (nilLatency) Stop()                             {}
func (l nilLatency) Capture() Latency                { return l }
func (nilLatency) GetPrecision() time.Duration       { return 0 }
func (l nilLatency) Precision(time.Duration) Latency { return l }

// MarshalerPretty is implemented by registries that can indent their JSON.
type MarshalerPretty interface {
	MarshalJSONPretty() ([]byte, error)
}

type finagleStatsRegistry struct {
	metrics.Registry
}

// NewFinagleStatsRegistry renders as a flat name -> number map.
func NewFinagleStatsRegistry() StatsRegistry {
	return &finagleStatsRegistry{metrics.NewRegistry()}
}

func (r *finagleStatsRegistry) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.MarshalAll())
}

func (r *finagleStatsRegistry) MarshalJSONPretty() ([]byte, error) {
	return json.MarshalIndent(r.MarshalAll(), "", "  ")
}

func (r *finagleStatsRegistry) MarshalAll() map[string]interface{} {
	data := make(map[string]interface{})
	r.Each(func(name string, i interface{}) {
		switch stat := i.(type) {
		case Counter:
			data[name] = stat.Count()
		case Gauge:
			data[name] = stat.Value()
		case GaugeFloat:
			data[name] = stat.Value()
		case Histogram:
			marshalHistogram(data, name, stat.Capture(), time.Nanosecond)
		case Latency:
			l := stat.Capture()
			marshalHistogram(data, name, l.(HistogramView), l.GetPrecision())
		default:
			log.WithFields(log.Fields{"name": name}).Info("unrecognized instrument")
		}
	})
	return data
}

var (
	defaultPercentiles      = []float64{0.5, 0.9, 0.95, 0.99, 0.999}
	defaultPercentileLabels = []string{"p50", "p90", "p95", "p99", "p999"}
)

func marshalHistogram(data map[string]interface{}, name string, hist HistogramView, precision time.Duration) {
	f64p := float64(precision)
	i64p := int64(precision)
	data[name+".avg"] = hist.Mean() / f64p
	data[name+".count"] = hist.Count()
	data[name+".max"] = hist.Max() / i64p
	data[name+".min"] = hist.Min() / i64p
	data[name+".sum"] = hist.Sum() / i64p
	for i, pctl := range hist.Percentiles(defaultPercentiles) {
		data[name+"."+defaultPercentileLabels[i]] = pctl / f64p
	}
}

// StartUptimeReporting keeps statName updated with the process uptime in
// milliseconds until done is closed.
func StartUptimeReporting(stat StatsReceiver, statName string, done <-chan struct{}) {
	start := time.Now()
	ticker := time.NewTicker(StatReportIntvl)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			stat.Gauge(statName).Update(int64(time.Since(start) / time.Millisecond))
		case <-done:
			return
		}
	}
}
