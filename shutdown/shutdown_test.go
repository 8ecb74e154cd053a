package shutdown

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type call struct {
	name     string
	state    State
	graceful bool
}

type recorder struct {
	mu    sync.Mutex
	calls []call
	c     *Coordinator
}

func (r *recorder) stopper(name string, f func(ctx context.Context) error) Stopper {
	return func(ctx context.Context, graceful bool) error {
		r.mu.Lock()
		r.calls = append(r.calls, call{name, r.c.State(), graceful})
		r.mu.Unlock()
		if f == nil {
			return nil
		}
		return f(ctx)
	}
}

func (r *recorder) get() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

func blockForever(ctx context.Context) error {
	select {}
}

func newRecorded(cfg Config, acceptance, generator, executor func(ctx context.Context) error) (*Coordinator, *recorder) {
	r := &recorder{}
	r.c = New(cfg, Steps{
		StopAcceptance: r.stopper("acceptance", acceptance),
		DeltaGenerator: r.stopper("generator", generator),
		JobExecutor:    r.stopper("executor", executor),
	})
	return r.c, r
}

func TestGracefulOrder(t *testing.T) {
	c, r := newRecorded(Config{Quiescence: 10 * time.Millisecond}, nil, nil, nil)
	assert.Equal(t, Running, c.State())

	c.Shutdown(Terminate)

	assert.Equal(t, []call{
		{"acceptance", StoppingAcceptance, true},
		{"generator", DrainingDeltaGenerator, true},
		{"executor", DrainingJobExecutor, true},
	}, r.get())
	assert.Equal(t, Terminating, c.State())
	select {
	case <-c.Done():
	default:
		t.Fatal("done not closed")
	}
}

func TestFailedStepDoesNotBlockTheNext(t *testing.T) {
	c, r := newRecorded(Config{StepTimeout: 20 * time.Millisecond, Quiescence: time.Millisecond},
		func(ctx context.Context) error { return errors.New("listener already closed") },
		blockForever,
		nil)

	start := time.Now()
	c.Shutdown(Terminate)
	assert.Len(t, r.get(), 3)
	assert.True(t, time.Since(start) < time.Second)
}

func TestForcefulSharesQuiescenceBudget(t *testing.T) {
	for _, reason := range []Reason{Interrupt, Quit} {
		t.Run(reason.String(), func(t *testing.T) {
			quiescence := 50 * time.Millisecond
			c, r := newRecorded(Config{StepTimeout: time.Hour, Quiescence: quiescence}, blockForever, blockForever, blockForever)

			start := time.Now()
			c.Shutdown(reason)
			elapsed := time.Since(start)

			assert.True(t, elapsed >= quiescence, "took %s", elapsed)
			assert.True(t, elapsed < quiescence+200*time.Millisecond, "took %s", elapsed)
			for _, call := range r.get() {
				assert.False(t, call.graceful, call.name)
			}
		})
	}
}

func TestForcefulWaitsQuiescenceEvenWhenStepsAreQuick(t *testing.T) {
	c, _ := newRecorded(Config{Quiescence: 40 * time.Millisecond}, nil, nil, nil)
	start := time.Now()
	c.Shutdown(Interrupt)
	assert.True(t, time.Since(start) >= 40*time.Millisecond)
}

func TestForcefulSignalHurriesGracefulShutdown(t *testing.T) {
	entered := make(chan struct{})
	c, _ := newRecorded(Config{StepTimeout: time.Hour, Quiescence: time.Millisecond}, nil, nil,
		func(ctx context.Context) error {
			close(entered)
			<-ctx.Done()
			return ctx.Err()
		})

	go c.Shutdown(Terminate)
	<-entered

	finished := make(chan struct{})
	go func() {
		c.Shutdown(Interrupt)
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("forceful signal did not hurry the shutdown")
	}
}

func TestNilStepsAreSkipped(t *testing.T) {
	c := New(Config{Quiescence: time.Millisecond}, Steps{})
	c.Shutdown(Terminate)
	assert.Equal(t, Terminating, c.State())
}

func TestReasonForSignal(t *testing.T) {
	for sig, want := range map[os.Signal]Reason{
		unix.SIGINT:  Interrupt,
		unix.SIGTERM: Terminate,
		unix.SIGQUIT: Quit,
	} {
		got, ok := ReasonForSignal(sig)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := ReasonForSignal(unix.SIGHUP)
	assert.False(t, ok)

	assert.True(t, Terminate.Graceful())
	assert.False(t, Interrupt.Graceful())
	assert.False(t, Quit.Graceful())
}

func TestRunOnSignal(t *testing.T) {
	c, r := newRecorded(Config{Quiescence: time.Millisecond}, nil, nil, nil)

	result := make(chan Reason, 1)
	go func() { result <- c.Run(context.Background()) }()

	// Wait for Run to install its handler before signalling ourselves.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, unix.Kill(unix.Getpid(), unix.SIGTERM))

	select {
	case reason := <-result:
		assert.Equal(t, Terminate, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Len(t, r.get(), 3)
}

func TestRunOnContext(t *testing.T) {
	c, _ := newRecorded(Config{Quiescence: time.Millisecond}, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, Terminate, c.Run(ctx))
}
