package stats

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct{ since time.Duration }

func (c fixedClock) Now() time.Time                { return time.Unix(0, 0) }
func (c fixedClock) Since(time.Time) time.Duration { return c.since }

func TestScopeAndPrecision(t *testing.T) {
	stat := DefaultStatsReceiver().(*defaultStatsReceiver)
	assert.Equal(t, time.Millisecond, stat.precision)

	scoped := stat.Scope("a/b", "c").(*defaultStatsReceiver)
	assert.Empty(t, stat.scope)
	assert.Equal(t, "a_SLASH_b/c/d", scoped.scopedName("d"))

	p := scoped.Precision(0).(*defaultStatsReceiver)
	assert.Equal(t, time.Duration(1), p.precision)
	assert.Equal(t, scoped.scope, p.scope)
}

func TestMarshal(t *testing.T) {
	defer func() { Time = wallClock{} }()

	reg := NewFinagleStatsRegistry()
	stat := NewCustomStatsReceiver(reg).Precision(time.Nanosecond)
	stat.Counter("counter").Inc(1)
	stat.Gauge("gauge").Update(2)

	Time = fixedClock{5}
	stat.Latency("latency").Time().Stop()
	Time = fixedClock{10}
	stat.Latency("latency").Time().Stop()

	data, err := reg.(MarshalerPretty).MarshalJSONPretty()
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"counter": 1,
		"gauge": 2,
		"latency.avg": 7.5,
		"latency.count": 2,
		"latency.max": 10,
		"latency.min": 5,
		"latency.p50": 7.5,
		"latency.p90": 10,
		"latency.p95": 10,
		"latency.p99": 10,
		"latency.p999": 10,
		"latency.sum": 15
	}`, string(data))
}

// manualClock only moves when told to.
type manualClock struct{ now time.Time }

func (c *manualClock) Now() time.Time                  { return c.now }
func (c *manualClock) Since(t time.Time) time.Duration { return c.now.Sub(t) }

func TestOverlappingLatencies(t *testing.T) {
	defer func() { Time = wallClock{} }()
	clock := &manualClock{now: time.Unix(100, 0)}
	Time = clock

	reg := NewFinagleStatsRegistry()
	stat := NewCustomStatsReceiver(reg).Precision(time.Millisecond)
	long := stat.Latency("run_ms").Time()
	clock.now = clock.now.Add(30 * time.Millisecond)
	short := stat.Latency("run_ms").Time()
	clock.now = clock.now.Add(10 * time.Millisecond)
	short.Stop()
	long.Stop()

	StatsOk("", reg, t, map[string]Rule{
		"run_ms.count": {Checker: Int64EqTest, Value: 2},
		"run_ms.min":   {Checker: Int64EqTest, Value: 10},
		"run_ms.max":   {Checker: Int64EqTest, Value: 40},
	})
}

func TestGaugeFloatAndRemove(t *testing.T) {
	reg := NewFinagleStatsRegistry()
	stat := NewCustomStatsReceiver(reg).Scope("deltas")
	stat.GaugeFloat(DeltaWorkerUtilizationGauge).Update(0.5)
	stat.Scope("worker", "w1").Counter(DeltaWorkerCompletedCounter).Inc(1)

	StatsOk("before", reg, t, map[string]Rule{
		"deltas/" + DeltaWorkerUtilizationGauge:           {Checker: FloatGTTest, Value: 0.4},
		"deltas/worker/w1/" + DeltaWorkerCompletedCounter: {Checker: Int64EqTest, Value: 1},
	})
	stat.Scope("worker", "w1").Remove(DeltaWorkerCompletedCounter)
	StatsOk("after", reg, t, map[string]Rule{
		"deltas/worker/w1/" + DeltaWorkerCompletedCounter: {Checker: DoesNotExistTest},
	})
}

func TestRenderClearsHistograms(t *testing.T) {
	stat := DefaultStatsReceiver()
	stat.Counter("counter").Inc(3)
	stat.Histogram("sizes").Update(10)

	assert.JSONEq(t, `{"counter":3,"sizes.avg":10,"sizes.count":1,"sizes.max":10,"sizes.min":10,"sizes.sum":10,
		"sizes.p50":10,"sizes.p90":10,"sizes.p95":10,"sizes.p99":10,"sizes.p999":10}`, string(stat.Render(false)))
	assert.Equal(t, int64(3), stat.Counter("counter").Count())
	assert.Equal(t, int64(0), stat.Histogram("sizes").Count())
}

func TestNilStatsReceiver(t *testing.T) {
	stat := NilStatsReceiver().Scope("x")
	stat.Counter("c").Inc(1)
	stat.Latency("l").Time().Stop()
	assert.Equal(t, int64(0), stat.Counter("c").Count())
	assert.Equal(t, "{}", string(stat.Render(true)))
}

func TestStatsOk(t *testing.T) {
	reg := NewFinagleStatsRegistry()
	stat := NewCustomStatsReceiver(reg).Scope("executor")
	stat.Counter(ExecutorClaimedCounter).Inc(2)
	stat.Gauge(ExecutorBusySlotsGauge).Update(1)

	assert.True(t, StatsOk("ok", reg, t, map[string]Rule{
		"executor/" + ExecutorClaimedCounter: {Checker: Int64EqTest, Value: 2},
		"executor/" + ExecutorBusySlotsGauge: {Checker: Int64GTETest, Value: 1},
		"executor/" + ExecutorFailedCounter:  {Checker: DoesNotExistTest},
	}))

	rec := &recordingTB{}
	assert.False(t, StatsOk("bad", reg, rec, map[string]Rule{
		"executor/" + ExecutorClaimedCounter: {Checker: Int64EqTest, Value: 3},
	}))
	assert.Contains(t, rec.msg, "claimedCounter: got 2")
}

type recordingTB struct {
	testing.TB
	msg string
}

func (r *recordingTB) Errorf(format string, args ...interface{}) {
	r.msg = fmt.Sprintf(format, args...)
}

func TestDirsMonitor(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	reg := NewFinagleStatsRegistry()
	stat := NewCustomStatsReceiver(reg)

	dm := NewDirsMonitor(MonitorDir{Directory: dir, StatSuffix: "stable"},
		MonitorDir{Directory: filepath.Join(dir, "missing"), StatSuffix: "missing"})
	dm.Start(ctx)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blob"), make([]byte, 64*1024), 0644))
	dm.Record(ctx, stat, ExecutorRepoDiskUsageKb)

	StatsOk("dirs", reg, t, map[string]Rule{
		ExecutorRepoDiskUsageKb + "_stable":  {Checker: Int64GTETest, Value: 32},
		ExecutorRepoDiskUsageKb + "_missing": {Checker: Int64EqTest, Value: 0},
	})
}
