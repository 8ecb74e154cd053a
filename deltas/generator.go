// Package deltas coordinates static delta generation. A single Generator
// goroutine owns the queue of pending requests and the set of connected
// remote workers; everything else talks to it through channels.
//
// Each worker holds at most one request at a time. A request whose worker
// unregisters or disconnects goes back to the head of the queue and is
// dispatched again, so a caller only ever sees one result per request. With
// no workers registered the generator can compute deltas itself through the
// repository backend.
package deltas

import (
	"context"
	"runtime"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/deltapub/deltapub/async"
	"github.com/deltapub/deltapub/common/stats"
	"github.com/deltapub/deltapub/deltas/protocol"
	"github.com/deltapub/deltapub/jobs"
	"github.com/deltapub/deltapub/repo"
)

const (
	DefaultMaxQueued        = 1024
	DefaultRequestTimeout   = 30 * time.Minute
	DefaultHandshakeTimeout = 10 * time.Second

	writeTimeout = 30 * time.Second
)

type Config struct {
	// Requests beyond this many waiting fail with ErrWorkerUnavailable.
	MaxQueued int

	// Bounds both the wait for a worker and the wait for a worker's answer.
	RequestTimeout time.Duration

	// How often RequestTimeout is enforced. Defaults to a tenth of it, at most 10s.
	TimeoutCheckInterval time.Duration

	HandshakeTimeout time.Duration

	// Compute deltas through the backend while no remote worker is registered.
	LocalFallback bool

	// Local computations running at once. Defaults to the number of CPUs.
	LocalConcurrency int
}

func (c Config) withDefaults() Config {
	if c.MaxQueued <= 0 {
		c.MaxQueued = DefaultMaxQueued
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.TimeoutCheckInterval <= 0 {
		c.TimeoutCheckInterval = c.RequestTimeout / 10
		if c.TimeoutCheckInterval > 10*time.Second {
			c.TimeoutCheckInterval = 10 * time.Second
		}
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.LocalConcurrency <= 0 {
		c.LocalConcurrency = runtime.NumCPU()
	}
	return c
}

// Snapshot is the generator's state at one point in its loop.
type Snapshot struct {
	Queued   int
	Workers  int
	InFlight int
	Local    int
}

type result struct {
	info *repo.DeltaInfo
	err  error
}

type request struct {
	repo string
	spec repo.DeltaSpec
	done chan result

	enqueued   time.Time
	dispatched time.Time
	// seq of the current dispatch, 0 while queued
	seq       uint64
	cancelled bool
	finished  bool
}

type worker struct {
	conn     protocol.Conn
	name     string
	inflight *request
	out      chan *protocol.Message
}

type workerMsg struct {
	connID string
	msg    *protocol.Message
}

type Generator struct {
	cfg     Config
	backend repo.Backend
	stat    stats.StatsReceiver

	requests    chan *request
	cancels     chan *request
	connects    chan *worker
	messages    chan workerMsg
	disconnects chan string
	snapshots   chan chan Snapshot
	stop        chan struct{}
	stopOnce    sync.Once
	done        chan struct{}

	// Cancelled when the loop exits, aborting local computations.
	ctx    context.Context
	cancel context.CancelFunc

	// Owned by loop.
	queue    []*request
	workers  map[string]*worker
	order    []string
	local    async.Runner
	localSet map[*request]bool
	seq      uint64
}

// NewGenerator starts a generator. backend is used only for the local
// fallback and may be nil when that is disabled.
func NewGenerator(cfg Config, backend repo.Backend, stat stats.StatsReceiver) *Generator {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Generator{
		cfg:         cfg.withDefaults(),
		backend:     backend,
		stat:        stat.Scope("deltas"),
		requests:    make(chan *request),
		cancels:     make(chan *request),
		connects:    make(chan *worker),
		messages:    make(chan workerMsg),
		disconnects: make(chan string),
		snapshots:   make(chan chan Snapshot),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		workers:     make(map[string]*worker),
		local:       async.NewRunner(),
		localSet:    make(map[*request]bool),
	}
	go g.loop()
	return g
}

// RequestDelta computes spec in repoName and blocks until it is done.
//
// Errors are already classified for the executor: jobs.Transient for
// unavailable workers, timeouts and retryable computation failures,
// jobs.Permanent for other computation failures. A request abandoned because
// the generator stopped returns an error matching jobs.ErrInterrupted, and
// cancelling ctx returns ctx.Err().
func (g *Generator) RequestDelta(ctx context.Context, repoName string, spec repo.DeltaSpec) (*repo.DeltaInfo, error) {
	req := &request{repo: repoName, spec: spec, done: make(chan result, 1)}
	select {
	case g.requests <- req:
	case <-g.done:
		return nil, classify(ErrGeneratorStopped)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-req.done:
		return r.info, classify(r.err)
	case <-ctx.Done():
		select {
		case g.cancels <- req:
		case <-g.done:
		}
		return nil, ctx.Err()
	}
}

// WorkerConnected takes ownership of conn: it runs the handshake and then
// feeds the worker's messages to WorkerMessage until conn is closed.
func (g *Generator) WorkerConnected(conn protocol.Conn) {
	go g.serveWorker(conn)
}

// WorkerMessage delivers a message received from the worker on connID.
func (g *Generator) WorkerMessage(connID string, msg *protocol.Message) {
	select {
	case g.messages <- workerMsg{connID, msg}:
	case <-g.done:
	}
}

// Stats returns the current Snapshot, or a zero one once stopped.
func (g *Generator) Stats() Snapshot {
	ch := make(chan Snapshot, 1)
	select {
	case g.snapshots <- ch:
		return <-ch
	case <-g.done:
		return Snapshot{}
	}
}

// Stop fails every pending request with ErrGeneratorStopped, closes all
// worker connections and waits for the loop to exit or ctx to end.
func (g *Generator) Stop(ctx context.Context) error {
	g.stopOnce.Do(func() { close(g.stop) })
	select {
	case <-g.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the generator has stopped.
func (g *Generator) Done() <-chan struct{} {
	return g.done
}

func (g *Generator) serveWorker(conn protocol.Conn) {
	hctx, cancel := context.WithTimeout(g.ctx, g.cfg.HandshakeTimeout)
	name, err := protocol.ServerHandshake(hctx, conn)
	cancel()
	if err != nil {
		log.WithFields(log.Fields{
			"conn": conn.ID(),
			"err":  err,
		}).Info("rejecting delta worker")
		g.stat.Counter(stats.DeltaWorkerRejectedCounter).Inc(1)
		conn.Close()
		return
	}

	w := &worker{conn: conn, name: name, out: make(chan *protocol.Message, 4)}
	select {
	case g.connects <- w:
	case <-g.done:
		conn.Close()
		return
	}
	go g.writeLoop(w)

	for {
		msg, err := conn.Recv(g.ctx)
		if err != nil {
			log.WithFields(log.Fields{
				"conn":   conn.ID(),
				"worker": name,
				"err":    err,
			}).Debug("delta worker read ended")
			break
		}
		g.WorkerMessage(conn.ID(), msg)
	}
	select {
	case g.disconnects <- conn.ID():
	case <-g.done:
	}
}

func (g *Generator) writeLoop(w *worker) {
	for msg := range w.out {
		ctx, cancel := context.WithTimeout(g.ctx, writeTimeout)
		err := w.conn.Send(ctx, msg)
		cancel()
		if err != nil {
			log.WithFields(log.Fields{
				"conn":   w.conn.ID(),
				"worker": w.name,
				"seq":    msg.Seq,
				"err":    err,
			}).Info("sending to delta worker failed, closing")
			// The reader sees the close and reports the disconnect.
			w.conn.Close()
			return
		}
	}
}

func (g *Generator) loop() {
	ticker := time.NewTicker(g.cfg.TimeoutCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case req := <-g.requests:
			g.handleRequest(req)
		case req := <-g.cancels:
			g.handleCancel(req)
		case w := <-g.connects:
			g.handleConnect(w)
		case m := <-g.messages:
			g.handleMessage(m)
		case id := <-g.disconnects:
			if w, ok := g.workers[id]; ok {
				g.removeWorker(w, "disconnected")
			}
		case <-g.local.Ready():
			g.local.ProcessMessages()
		case <-ticker.C:
			g.checkTimeouts()
		case ch := <-g.snapshots:
			ch <- g.snapshot()
		case <-g.stop:
			g.shutdown()
			g.cancel()
			close(g.done)
			return
		}
		g.dispatch()
		g.updateGauges()
	}
}

func (g *Generator) handleRequest(req *request) {
	g.stat.Counter(stats.DeltaRequestCounter).Inc(1)
	req.enqueued = time.Now()
	if len(g.queue) >= g.cfg.MaxQueued {
		log.WithFields(log.Fields{
			"repo":   req.repo,
			"delta":  req.spec.String(),
			"queued": len(g.queue),
		}).Info("delta queue full")
		g.stat.Counter(stats.DeltaRejectedCounter).Inc(1)
		g.finish(req, nil, ErrWorkerUnavailable)
		return
	}
	g.queue = append(g.queue, req)
}

func (g *Generator) handleCancel(req *request) {
	req.cancelled = true
	for i, q := range g.queue {
		if q == req {
			g.queue = append(g.queue[:i], g.queue[i+1:]...)
			break
		}
	}
	g.finish(req, nil, context.Canceled)
}

func (g *Generator) handleConnect(w *worker) {
	id := w.conn.ID()
	g.workers[id] = w
	g.order = append(g.order, id)
	g.stat.Counter(stats.DeltaWorkerConnectedCounter).Inc(1)
	log.WithFields(log.Fields{
		"conn":    id,
		"worker":  w.name,
		"workers": len(g.workers),
	}).Info("delta worker registered")
}

func (g *Generator) handleMessage(m workerMsg) {
	w, ok := g.workers[m.connID]
	if !ok {
		return
	}
	fields := log.Fields{"conn": m.connID, "worker": w.name, "seq": m.msg.Seq}
	switch m.msg.Type {
	case protocol.TypeDeltaResult:
		req := w.inflight
		if req == nil || req.seq != m.msg.Seq {
			log.WithFields(fields).Info("ignoring stale delta result")
			g.stat.Counter(stats.DeltaStaleResultCounter).Inc(1)
			return
		}
		w.inflight = nil
		if m.msg.Error != "" {
			g.finish(req, nil, &ComputationError{Msg: m.msg.Error, Retryable: m.msg.Retryable})
		} else {
			g.stat.Scope("worker", w.name).Counter(stats.DeltaWorkerCompletedCounter).Inc(1)
			g.finish(req, m.msg.Result, nil)
		}
	case protocol.TypeUnregister:
		g.removeWorker(w, "unregistered")
	default:
		fields["type"] = m.msg.Type
		log.WithFields(fields).Info("ignoring unexpected message from delta worker")
	}
}

// removeWorker forgets w and closes its connection. A request it still held
// goes back to the head of the queue.
func (g *Generator) removeWorker(w *worker, reason string) {
	id := w.conn.ID()
	delete(g.workers, id)
	for i, o := range g.order {
		if o == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	fields := log.Fields{"conn": id, "worker": w.name, "reason": reason}
	if req := w.inflight; req != nil && !req.finished {
		w.inflight = nil
		fields["seq"] = req.seq
		req.seq = 0
		// The queue wait starts over.
		req.enqueued = time.Now()
		g.queue = append([]*request{req}, g.queue...)
		g.stat.Counter(stats.DeltaRequeuedCounter).Inc(1)
	}
	log.WithFields(fields).Info("delta worker removed")
	g.stat.Scope("worker", w.name).Remove(stats.DeltaWorkerCompletedCounter)
	close(w.out)
	w.conn.Close()
}

func (g *Generator) idleWorker() *worker {
	for _, id := range g.order {
		if w := g.workers[id]; w.inflight == nil {
			return w
		}
	}
	return nil
}

func (g *Generator) dispatch() {
	for len(g.queue) > 0 {
		req := g.queue[0]
		if req.finished {
			g.queue = g.queue[1:]
			continue
		}
		if w := g.idleWorker(); w != nil {
			g.queue = g.queue[1:]
			g.seq++
			req.seq = g.seq
			req.dispatched = time.Now()
			w.inflight = req
			select {
			case w.out <- protocol.ComputeDelta(req.seq, req.repo, req.spec):
				log.WithFields(log.Fields{
					"conn":   w.conn.ID(),
					"worker": w.name,
					"seq":    req.seq,
					"repo":   req.repo,
					"delta":  req.spec.String(),
				}).Debug("dispatched delta")
			default:
				g.removeWorker(w, "outbox full")
			}
			continue
		}
		if len(g.workers) == 0 && g.cfg.LocalFallback && g.backend != nil && len(g.localSet) < g.cfg.LocalConcurrency {
			g.queue = g.queue[1:]
			g.runLocal(req)
			continue
		}
		return
	}
}

func (g *Generator) runLocal(req *request) {
	g.localSet[req] = true
	var info *repo.DeltaInfo
	g.local.RunAsync(func() error {
		ctx, cancel := context.WithTimeout(g.ctx, g.cfg.RequestTimeout)
		defer cancel()
		var err error
		info, err = g.backend.ComputeDelta(ctx, req.repo, req.spec)
		return err
	}, func(err error) {
		delete(g.localSet, req)
		if err != nil {
			retryable := jobs.IsTransient(repo.Classify(err))
			g.finish(req, nil, &ComputationError{Msg: err.Error(), Retryable: retryable})
			return
		}
		g.finish(req, info, nil)
	})
	log.WithFields(log.Fields{
		"repo":  req.repo,
		"delta": req.spec.String(),
	}).Debug("computing delta locally")
}

func (g *Generator) checkTimeouts() {
	now := time.Now()
	var kept []*request
	for _, req := range g.queue {
		if now.Sub(req.enqueued) > g.cfg.RequestTimeout {
			log.WithFields(log.Fields{
				"repo":  req.repo,
				"delta": req.spec.String(),
			}).Info("no delta worker became available")
			g.stat.Counter(stats.DeltaTimeoutCounter).Inc(1)
			g.finish(req, nil, ErrWorkerUnavailable)
			continue
		}
		kept = append(kept, req)
	}
	g.queue = kept

	for _, id := range append([]string(nil), g.order...) {
		w := g.workers[id]
		req := w.inflight
		if req == nil || now.Sub(req.dispatched) <= g.cfg.RequestTimeout {
			continue
		}
		w.inflight = nil
		g.stat.Counter(stats.DeltaTimeoutCounter).Inc(1)
		g.finish(req, nil, ErrTimeout)
		g.removeWorker(w, "request timed out")
	}
}

func (g *Generator) finish(req *request, info *repo.DeltaInfo, err error) {
	if req.finished {
		return
	}
	req.finished = true
	req.done <- result{info: info, err: err}
	if req.cancelled || err == ErrGeneratorStopped {
		return
	}
	if err != nil {
		g.stat.Counter(stats.DeltaFailedCounter).Inc(1)
		return
	}
	g.stat.Counter(stats.DeltaSucceededCounter).Inc(1)
	g.stat.Histogram(stats.DeltaLatency_ms).Update(int64(time.Since(req.enqueued) / time.Millisecond))
}

func (g *Generator) shutdown() {
	log.WithFields(log.Fields{
		"queued":  len(g.queue),
		"workers": len(g.workers),
		"local":   len(g.localSet),
	}).Info("stopping delta generator")
	for _, req := range g.queue {
		g.finish(req, nil, ErrGeneratorStopped)
	}
	g.queue = nil
	for _, id := range append([]string(nil), g.order...) {
		w := g.workers[id]
		if w.inflight != nil {
			g.finish(w.inflight, nil, ErrGeneratorStopped)
		}
		g.removeWorker(w, "generator stopping")
	}
	for req := range g.localSet {
		g.finish(req, nil, ErrGeneratorStopped)
	}
	g.updateGauges()
}

func (g *Generator) snapshot() Snapshot {
	s := Snapshot{Queued: len(g.queue), Workers: len(g.workers), Local: len(g.localSet)}
	for _, w := range g.workers {
		if w.inflight != nil {
			s.InFlight++
		}
	}
	return s
}

func (g *Generator) updateGauges() {
	s := g.snapshot()
	g.stat.Gauge(stats.DeltaQueuedGauge).Update(int64(s.Queued))
	g.stat.Gauge(stats.DeltaWorkersGauge).Update(int64(s.Workers))
	g.stat.Gauge(stats.DeltaInFlightGauge).Update(int64(s.InFlight))
	g.stat.Gauge(stats.DeltaLocalGauge).Update(int64(s.Local))
	var utilization float64
	if s.Workers > 0 {
		utilization = float64(s.InFlight) / float64(s.Workers)
	}
	g.stat.GaugeFloat(stats.DeltaWorkerUtilizationGauge).Update(utilization)
}
