// Package shutdown drains the service in a fixed order when it is told to
// stop: stop accepting work, drain the delta generator, drain the job
// executor, wait a short quiescence interval, terminate.
//
// SIGTERM asks for a graceful shutdown in which each step may take up to
// StepTimeout. SIGINT and SIGQUIT are forceful: running work is cancelled
// and every step shares the Quiescence budget. A step that fails or
// overruns is logged and the next one runs anyway.
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	DefaultStepTimeout = 30 * time.Second
	DefaultQuiescence  = 300 * time.Millisecond
)

type State int

const (
	Running State = iota
	StoppingAcceptance
	DrainingDeltaGenerator
	DrainingJobExecutor
	Terminating
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case StoppingAcceptance:
		return "stopping-acceptance"
	case DrainingDeltaGenerator:
		return "draining-delta-generator"
	case DrainingJobExecutor:
		return "draining-job-executor"
	case Terminating:
		return "terminating"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Reason names why the service is stopping.
type Reason int

const (
	Interrupt Reason = iota
	Terminate
	Quit
)

func (r Reason) String() string {
	switch r {
	case Interrupt:
		return "interrupt"
	case Terminate:
		return "terminate"
	case Quit:
		return "quit"
	}
	return fmt.Sprintf("Reason(%d)", int(r))
}

// Graceful reports whether running jobs may finish.
func (r Reason) Graceful() bool {
	return r == Terminate
}

// Signals are the signals Run listens for.
var Signals = []os.Signal{unix.SIGINT, unix.SIGTERM, unix.SIGQUIT}

// ReasonForSignal maps SIGINT, SIGTERM and SIGQUIT to their Reason.
func ReasonForSignal(sig os.Signal) (Reason, bool) {
	switch sig {
	case unix.SIGINT:
		return Interrupt, true
	case unix.SIGTERM:
		return Terminate, true
	case unix.SIGQUIT:
		return Quit, true
	}
	return 0, false
}

// Stopper stops one component, waiting at most until ctx is done.
type Stopper func(ctx context.Context, graceful bool) error

type Config struct {
	StepTimeout time.Duration
	Quiescence  time.Duration
}

// Steps are the components stopped, in order. Nil steps are skipped.
type Steps struct {
	StopAcceptance Stopper
	DeltaGenerator Stopper
	JobExecutor    Stopper
}

type Coordinator struct {
	cfg   Config
	steps Steps

	mu     sync.Mutex
	state  State
	reason Reason
	begun  bool
	// Cancelled to turn a graceful shutdown in progress into a forceful one.
	hurry  context.Context
	hurryF context.CancelFunc
	done   chan struct{}
}

func New(cfg Config, steps Steps) *Coordinator {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	if cfg.Quiescence <= 0 {
		cfg.Quiescence = DefaultQuiescence
	}
	hurry, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:    cfg,
		steps:  steps,
		hurry:  hurry,
		hurryF: cancel,
		done:   make(chan struct{}),
	}
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	log.WithField("state", s).Info("shutdown state")
}

// Done is closed when shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Run waits for a signal or for ctx to end (treated as Terminate), then
// shuts down. Signals arriving during a graceful shutdown make it forceful.
// Run returns the reason once shutdown is complete.
func (c *Coordinator) Run(ctx context.Context) Reason {
	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, Signals...)
	defer signal.Stop(sigs)

	ctxDone := ctx.Done()
	go func() {
		for {
			select {
			case sig := <-sigs:
				reason, ok := ReasonForSignal(sig)
				if !ok {
					continue
				}
				log.WithFields(log.Fields{
					"signal": sig,
					"reason": reason,
				}).Info("received signal")
				go c.Shutdown(reason)
			case <-ctxDone:
				ctxDone = nil
				go c.Shutdown(Terminate)
			case <-c.done:
				return
			}
		}
	}()

	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Shutdown runs the shutdown sequence and returns when it is complete.
// Later calls wait for the first; a forceful one hurries a graceful
// shutdown already in progress.
func (c *Coordinator) Shutdown(reason Reason) {
	c.mu.Lock()
	if c.begun {
		c.mu.Unlock()
		if !reason.Graceful() {
			c.hurryF()
		}
		<-c.done
		return
	}
	c.begun = true
	c.reason = reason
	c.mu.Unlock()

	start := time.Now()
	log.WithFields(log.Fields{
		"reason":   reason,
		"graceful": reason.Graceful(),
	}).Info("shutting down")

	var deadline time.Time
	if !reason.Graceful() {
		c.hurryF()
		deadline = start.Add(c.cfg.Quiescence)
	}

	c.step(StoppingAcceptance, c.steps.StopAcceptance, deadline)
	c.step(DrainingDeltaGenerator, c.steps.DeltaGenerator, deadline)
	c.step(DrainingJobExecutor, c.steps.JobExecutor, deadline)

	c.setState(Terminating)
	wait := c.cfg.Quiescence
	if !deadline.IsZero() {
		wait = time.Until(deadline)
	}
	if wait > 0 {
		time.Sleep(wait)
	}
	log.WithField("elapsed", time.Since(start)).Info("shutdown complete")
	close(c.done)
}

// step runs stop in state. Without a deadline stop gets StepTimeout and runs
// gracefully unless the shutdown has been hurried.
func (c *Coordinator) step(state State, stop Stopper, deadline time.Time) {
	c.setState(state)
	if stop == nil {
		return
	}

	var ctx context.Context
	var cancel context.CancelFunc
	if deadline.IsZero() {
		ctx, cancel = context.WithTimeout(context.Background(), c.cfg.StepTimeout)
	} else {
		ctx, cancel = context.WithDeadline(context.Background(), deadline)
	}
	defer cancel()
	graceful := deadline.IsZero() && c.hurry.Err() == nil
	if graceful {
		// A hurry request cuts a graceful step short.
		go func() {
			select {
			case <-c.hurry.Done():
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- stop(ctx, graceful) }()

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		log.WithFields(log.Fields{
			"state":    state,
			"graceful": graceful,
			"err":      err,
		}).Error("shutdown step failed")
	}
}
