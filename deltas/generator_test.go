package deltas

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deltapub/deltapub/common/stats"
	"github.com/deltapub/deltapub/deltas/protocol"
	"github.com/deltapub/deltapub/jobs"
	"github.com/deltapub/deltapub/repo"
	"github.com/deltapub/deltapub/repo/memrepo"
)

var spec = repo.DeltaSpec{Ref: "stable", From: "aaa", To: "bbb"}

type testWorker struct {
	t    *testing.T
	conn protocol.Conn
}

// connectWorker registers a worker called name with g over an in-memory pipe.
func connectWorker(t *testing.T, g *Generator, name string) *testWorker {
	server, client := protocol.Pipe(name, name+"-client")
	g.WorkerConnected(server)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, protocol.ClientHandshake(ctx, client, name))
	require.Eventually(t, func() bool { return g.Stats().Workers >= 1 }, time.Second, 5*time.Millisecond)
	return &testWorker{t, client}
}

func (w *testWorker) recv(timeout time.Duration) (*protocol.Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return w.conn.Recv(ctx)
}

func (w *testWorker) expectCompute() *protocol.Message {
	m, err := w.recv(time.Second)
	require.NoError(w.t, err)
	require.Equal(w.t, protocol.TypeComputeDelta, m.Type)
	return m
}

func (w *testWorker) reply(m *protocol.Message) {
	require.NoError(w.t, w.conn.Send(context.Background(), m))
}

type answer struct {
	info *repo.DeltaInfo
	err  error
}

func requestDelta(g *Generator, ctx context.Context, s repo.DeltaSpec) <-chan answer {
	ch := make(chan answer, 1)
	go func() {
		info, err := g.RequestDelta(ctx, "os", s)
		ch <- answer{info, err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan answer) answer {
	select {
	case a := <-ch:
		return a
	case <-time.After(2 * time.Second):
		t.Fatal("request did not complete")
	}
	return answer{}
}

func newTestGenerator(t *testing.T, cfg Config, backend repo.Backend) *Generator {
	g := NewGenerator(cfg, backend, stats.NilStatsReceiver())
	t.Cleanup(func() { g.Stop(context.Background()) })
	return g
}

func info(s repo.DeltaSpec) *repo.DeltaInfo {
	return &repo.DeltaInfo{ID: s.DeltaID(), From: s.From, To: s.To, Size: 42}
}

func TestRemoteDelta(t *testing.T) {
	g := newTestGenerator(t, Config{}, nil)
	w := connectWorker(t, g, "w1")

	ch := requestDelta(g, context.Background(), spec)
	m := w.expectCompute()
	assert.Equal(t, "os", m.Repo)
	assert.Equal(t, spec, *m.Delta)
	w.reply(protocol.DeltaResult(m.Seq, info(spec)))

	a := await(t, ch)
	require.NoError(t, a.err)
	assert.Equal(t, info(spec), a.info)
	assert.Equal(t, Snapshot{Workers: 1}, g.Stats())
}

func TestOneRequestPerWorker(t *testing.T) {
	g := newTestGenerator(t, Config{}, nil)
	w := connectWorker(t, g, "w1")

	other := repo.DeltaSpec{Ref: "stable", To: "ccc"}
	first := requestDelta(g, context.Background(), spec)
	m1 := w.expectCompute()
	second := requestDelta(g, context.Background(), other)
	require.Eventually(t, func() bool { return g.Stats().Queued == 1 }, time.Second, 5*time.Millisecond)

	_, err := w.recv(50 * time.Millisecond)
	assert.Equal(t, context.DeadlineExceeded, err, "worker got a second request while busy")
	assert.Equal(t, Snapshot{Queued: 1, Workers: 1, InFlight: 1}, g.Stats())

	w.reply(protocol.DeltaResult(m1.Seq, info(spec)))
	require.NoError(t, await(t, first).err)

	m2 := w.expectCompute()
	assert.Equal(t, other, *m2.Delta)
	assert.True(t, m2.Seq > m1.Seq)
	w.reply(protocol.DeltaResult(m2.Seq, info(other)))
	a := await(t, second)
	require.NoError(t, a.err)
	assert.Equal(t, other.To, a.info.To)
}

func TestDispatchInConnectOrder(t *testing.T) {
	g := newTestGenerator(t, Config{}, nil)
	w1 := connectWorker(t, g, "w1")
	w2 := connectWorker(t, g, "w2")
	require.Eventually(t, func() bool { return g.Stats().Workers == 2 }, time.Second, 5*time.Millisecond)

	ch := requestDelta(g, context.Background(), spec)
	m := w1.expectCompute()
	_, err := w2.recv(50 * time.Millisecond)
	assert.Equal(t, context.DeadlineExceeded, err)
	w1.reply(protocol.DeltaResult(m.Seq, info(spec)))
	require.NoError(t, await(t, ch).err)
}

func TestDisconnectRequeuesOnce(t *testing.T) {
	reg := stats.NewFinagleStatsRegistry()
	g := NewGenerator(Config{}, nil, stats.NewCustomStatsReceiver(reg))
	defer g.Stop(context.Background())
	w1 := connectWorker(t, g, "w1")

	ch := requestDelta(g, context.Background(), spec)
	m1 := w1.expectCompute()
	w1.conn.Close()
	require.Eventually(t, func() bool {
		s := g.Stats()
		return s.Workers == 0 && s.Queued == 1
	}, time.Second, 5*time.Millisecond)

	w2 := connectWorker(t, g, "w2")
	m2 := w2.expectCompute()
	assert.Equal(t, spec, *m2.Delta)
	assert.NotEqual(t, m1.Seq, m2.Seq)
	w2.reply(protocol.DeltaResult(m2.Seq, info(spec)))
	require.NoError(t, await(t, ch).err)

	stats.StatsOk("", reg, t, map[string]stats.Rule{
		"deltas/" + stats.DeltaRequestCounter:         {Checker: stats.Int64EqTest, Value: 1},
		"deltas/" + stats.DeltaRequeuedCounter:        {Checker: stats.Int64EqTest, Value: 1},
		"deltas/" + stats.DeltaSucceededCounter:       {Checker: stats.Int64EqTest, Value: 1},
		"deltas/" + stats.DeltaWorkerConnectedCounter: {Checker: stats.Int64EqTest, Value: 2},
		"deltas/" + stats.DeltaFailedCounter:          {Checker: stats.DoesNotExistTest},
	})
}

func TestRequeuedRequestWaitsAgain(t *testing.T) {
	g := newTestGenerator(t, Config{RequestTimeout: 400 * time.Millisecond, TimeoutCheckInterval: 10 * time.Millisecond}, nil)
	w1 := connectWorker(t, g, "w1")

	ch := requestDelta(g, context.Background(), spec)
	w1.expectCompute()
	time.Sleep(300 * time.Millisecond)
	w1.conn.Close()
	require.Eventually(t, func() bool { return g.Stats().Queued == 1 }, time.Second, 5*time.Millisecond)

	// Older than RequestTimeout in total, but only just back in the queue.
	select {
	case a := <-ch:
		t.Fatalf("requeued request failed before a worker could take it: %v", a.err)
	case <-time.After(150 * time.Millisecond):
	}

	w2 := connectWorker(t, g, "w2")
	m := w2.expectCompute()
	w2.reply(protocol.DeltaResult(m.Seq, info(spec)))
	require.NoError(t, await(t, ch).err)
}

func TestPerWorkerStats(t *testing.T) {
	reg := stats.NewFinagleStatsRegistry()
	g := NewGenerator(Config{}, nil, stats.NewCustomStatsReceiver(reg))
	defer g.Stop(context.Background())
	w1 := connectWorker(t, g, "w1")
	connectWorker(t, g, "w2")
	require.Eventually(t, func() bool { return g.Stats().Workers == 2 }, time.Second, 5*time.Millisecond)

	ch := requestDelta(g, context.Background(), spec)
	m := w1.expectCompute()
	// The loop refreshed its gauges after dispatching, before answering.
	g.Stats()
	stats.StatsOk("busy", reg, t, map[string]stats.Rule{
		"deltas/" + stats.DeltaWorkerUtilizationGauge: {Checker: stats.FloatGTTest, Value: 0.49},
	})

	w1.reply(protocol.DeltaResult(m.Seq, info(spec)))
	require.NoError(t, await(t, ch).err)
	stats.StatsOk("completed", reg, t, map[string]stats.Rule{
		"deltas/worker/w1/" + stats.DeltaWorkerCompletedCounter: {Checker: stats.Int64EqTest, Value: 1},
	})

	w1.conn.Close()
	require.Eventually(t, func() bool { return g.Stats().Workers == 1 }, time.Second, 5*time.Millisecond)
	stats.StatsOk("removed", reg, t, map[string]stats.Rule{
		"deltas/worker/w1/" + stats.DeltaWorkerCompletedCounter: {Checker: stats.DoesNotExistTest},
	})
}

func TestUnregisterRequeues(t *testing.T) {
	g := newTestGenerator(t, Config{}, nil)
	w1 := connectWorker(t, g, "w1")

	ch := requestDelta(g, context.Background(), spec)
	w1.expectCompute()
	w1.reply(&protocol.Message{Type: protocol.TypeUnregister})

	// The generator hangs up on an unregistered worker.
	for {
		_, err := w1.recv(time.Second)
		if err != nil {
			assert.Equal(t, io.EOF, err)
			break
		}
	}

	w2 := connectWorker(t, g, "w2")
	m := w2.expectCompute()
	w2.reply(protocol.DeltaResult(m.Seq, info(spec)))
	require.NoError(t, await(t, ch).err)
}

func TestStaleResultIgnored(t *testing.T) {
	g := newTestGenerator(t, Config{}, nil)
	w := connectWorker(t, g, "w1")

	ch := requestDelta(g, context.Background(), spec)
	m := w.expectCompute()
	w.reply(protocol.DeltaResult(m.Seq+100, &repo.DeltaInfo{ID: "bogus"}))

	select {
	case a := <-ch:
		t.Fatalf("stale result completed the request: %+v", a)
	case <-time.After(50 * time.Millisecond):
	}

	w.reply(protocol.DeltaResult(m.Seq, info(spec)))
	a := await(t, ch)
	require.NoError(t, a.err)
	assert.Equal(t, spec.DeltaID(), a.info.ID)
}

func TestWorkerFailure(t *testing.T) {
	for _, retryable := range []bool{true, false} {
		t.Run(fmt.Sprint("retryable=", retryable), func(t *testing.T) {
			g := newTestGenerator(t, Config{}, nil)
			w := connectWorker(t, g, "w1")

			ch := requestDelta(g, context.Background(), spec)
			m := w.expectCompute()
			w.reply(protocol.DeltaFailed(m.Seq, errors.New("no such commit"), retryable))

			a := await(t, ch)
			require.Error(t, a.err)
			assert.Contains(t, a.err.Error(), "no such commit")
			assert.Equal(t, retryable, jobs.IsTransient(a.err))

			// The worker is free again.
			ch = requestDelta(g, context.Background(), spec)
			m = w.expectCompute()
			w.reply(protocol.DeltaResult(m.Seq, info(spec)))
			require.NoError(t, await(t, ch).err)
		})
	}
}

func TestInFlightTimeoutDropsWorker(t *testing.T) {
	g := newTestGenerator(t, Config{RequestTimeout: 100 * time.Millisecond, TimeoutCheckInterval: 10 * time.Millisecond}, nil)
	w := connectWorker(t, g, "w1")

	ch := requestDelta(g, context.Background(), spec)
	w.expectCompute()

	a := await(t, ch)
	assert.True(t, errors.Is(a.err, ErrTimeout))
	assert.Equal(t, jobs.Transient, jobs.KindOf(a.err))

	_, err := w.recv(time.Second)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 0, g.Stats().Workers)
}

func TestQueuedTimeout(t *testing.T) {
	g := newTestGenerator(t, Config{RequestTimeout: 50 * time.Millisecond, TimeoutCheckInterval: 10 * time.Millisecond}, nil)

	a := await(t, requestDelta(g, context.Background(), spec))
	assert.True(t, errors.Is(a.err, ErrWorkerUnavailable))
	assert.True(t, jobs.IsTransient(a.err))
}

func TestQueueFull(t *testing.T) {
	g := newTestGenerator(t, Config{MaxQueued: 1}, nil)

	first := requestDelta(g, context.Background(), spec)
	require.Eventually(t, func() bool { return g.Stats().Queued == 1 }, time.Second, 5*time.Millisecond)

	_, err := g.RequestDelta(context.Background(), "os", spec)
	assert.True(t, errors.Is(err, ErrWorkerUnavailable))
	assert.True(t, jobs.IsTransient(err))

	w := connectWorker(t, g, "w1")
	m := w.expectCompute()
	w.reply(protocol.DeltaResult(m.Seq, info(spec)))
	require.NoError(t, await(t, first).err)
}

func TestCancelWhileQueued(t *testing.T) {
	g := newTestGenerator(t, Config{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	ch := requestDelta(g, ctx, spec)
	require.Eventually(t, func() bool { return g.Stats().Queued == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	assert.Equal(t, context.Canceled, await(t, ch).err)
	require.Eventually(t, func() bool { return g.Stats().Queued == 0 }, time.Second, 5*time.Millisecond)
}

func TestLocalFallback(t *testing.T) {
	backend := memrepo.NewBackend()
	from, err := backend.Commit(context.Background(), "os", repo.CommitRequest{Ref: "stable", Source: "/a"})
	require.NoError(t, err)
	to, err := backend.Commit(context.Background(), "os", repo.CommitRequest{Ref: "stable", Source: "/b"})
	require.NoError(t, err)

	g := newTestGenerator(t, Config{LocalFallback: true, LocalConcurrency: 1}, backend)
	s := repo.DeltaSpec{Ref: "stable", From: from, To: to}
	info, err := g.RequestDelta(context.Background(), "os", s)
	require.NoError(t, err)
	assert.Equal(t, s.DeltaID(), info.ID)
	assert.True(t, backend.HasDelta("os", s.DeltaID()))

	// A missing commit is an object error, which is not worth retrying.
	_, err = g.RequestDelta(context.Background(), "os", repo.DeltaSpec{Ref: "stable", From: from, To: "missing"})
	require.Error(t, err)
	assert.Equal(t, jobs.Permanent, jobs.KindOf(err))

	backend.Fail = func(op, repoName, object string) error {
		return &repo.ObjectError{Op: op, Repo: repoName, Object: object, Retryable: true, Err: errors.New("locked")}
	}
	_, err = g.RequestDelta(context.Background(), "os", s)
	assert.True(t, jobs.IsTransient(err))
}

func TestNoLocalFallbackWhileWorkersRegistered(t *testing.T) {
	backend := memrepo.NewBackend()
	g := newTestGenerator(t, Config{LocalFallback: true}, backend)
	w := connectWorker(t, g, "w1")

	ch := requestDelta(g, context.Background(), spec)
	m := w.expectCompute()
	w.reply(protocol.DeltaResult(m.Seq, info(spec)))
	require.NoError(t, await(t, ch).err)
	assert.Empty(t, backend.Calls())
}

func TestStopFailsPending(t *testing.T) {
	g := NewGenerator(Config{}, nil, stats.NilStatsReceiver())
	w := connectWorker(t, g, "w1")

	inflight := requestDelta(g, context.Background(), spec)
	w.expectCompute()
	queued := requestDelta(g, context.Background(), repo.DeltaSpec{Ref: "stable", To: "ccc"})
	require.Eventually(t, func() bool { return g.Stats().Queued == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, g.Stop(context.Background()))
	for _, ch := range []<-chan answer{inflight, queued} {
		a := await(t, ch)
		assert.True(t, jobs.IsInterrupted(a.err), "got %v", a.err)
		assert.True(t, errors.Is(a.err, ErrGeneratorStopped))
	}

	_, err := w.recv(time.Second)
	assert.Equal(t, io.EOF, err)

	_, err = g.RequestDelta(context.Background(), "os", spec)
	assert.True(t, errors.Is(err, ErrGeneratorStopped))
	assert.Equal(t, Snapshot{}, g.Stats())
	require.NoError(t, g.Stop(context.Background()))
}

func TestRejectsBadHandshake(t *testing.T) {
	g := newTestGenerator(t, Config{HandshakeTimeout: time.Second}, nil)
	server, client := protocol.Pipe("bad", "bad-client")
	g.WorkerConnected(server)
	require.NoError(t, client.Send(context.Background(), &protocol.Message{Type: protocol.TypeHello, Name: "old", Version: protocol.ProtocolVersion + 1}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := client.Recv(ctx)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 0, g.Stats().Workers)
}
