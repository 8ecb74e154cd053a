// Package worker is the remote side of the delta protocol: it connects to a
// generator, computes the deltas it is sent one at a time through a local
// repository backend, and reconnects with backoff when the connection drops.
package worker

import (
	"context"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	uuid "github.com/nu7hatch/gouuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/deltapub/deltapub/common/stats"
	"github.com/deltapub/deltapub/deltas/protocol"
	"github.com/deltapub/deltapub/jobs"
	"github.com/deltapub/deltapub/repo"
)

const (
	DefaultMinBackoff = 500 * time.Millisecond
	DefaultMaxBackoff = 30 * time.Second

	sendTimeout = 10 * time.Second
)

type Config struct {
	// Generator endpoint, e.g. ws://publisher:9091/deltas/worker.
	URL string
	// Announced in the hello. Defaults to <hostname>-<uuid>.
	Name string
	// "json" or "msgpack".
	Codec string

	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// DialFunc opens a connection to the generator.
type DialFunc func(ctx context.Context) (protocol.Conn, error)

type Worker struct {
	name    string
	backend repo.Backend
	dial    DialFunc
	stat    stats.StatsReceiver
	minWait time.Duration
	maxWait time.Duration
}

// New returns a worker that dials cfg.URL over websocket.
func New(cfg Config, backend repo.Backend, stat stats.StatsReceiver) (*Worker, error) {
	codec, err := protocol.GetCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}
	if cfg.URL == "" {
		return nil, errors.New("worker needs a generator URL")
	}
	url := cfg.URL
	w := NewWithDialer(cfg, backend, stat, func(ctx context.Context) (protocol.Conn, error) {
		return protocol.Dial(ctx, url, codec)
	})
	return w, nil
}

// NewWithDialer returns a worker that connects through dial. cfg.URL and
// cfg.Codec are ignored.
func NewWithDialer(cfg Config, backend repo.Backend, stat stats.StatsReceiver, dial DialFunc) *Worker {
	name := cfg.Name
	if name == "" {
		name = defaultName()
	}
	w := &Worker{
		name:    name,
		backend: backend,
		dial:    dial,
		stat:    stat.Scope("worker"),
		minWait: cfg.MinBackoff,
		maxWait: cfg.MaxBackoff,
	}
	if w.minWait <= 0 {
		w.minWait = DefaultMinBackoff
	}
	if w.maxWait <= 0 {
		w.maxWait = DefaultMaxBackoff
	}
	return w
}

func defaultName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	id, err := uuid.NewV4()
	if err != nil {
		return host
	}
	return host + "-" + id.String()
}

func (w *Worker) Name() string { return w.name }

// Run serves generators until ctx is cancelled, reconnecting with
// exponential backoff. It returns nil once ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.minWait
	b.MaxInterval = w.maxWait
	b.MaxElapsedTime = 0

	for {
		conn, err := w.dial(ctx)
		if err == nil {
			start := time.Now()
			err = w.Serve(ctx, conn)
			// A session that lasted a while earns a fresh backoff.
			if time.Since(start) > w.maxWait {
				b.Reset()
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		wait := b.NextBackOff()
		log.WithFields(log.Fields{
			"worker": w.name,
			"err":    err,
			"retry":  wait,
		}).Info("delta worker disconnected")
		w.stat.Counter(stats.WorkerReconnectCounter).Inc(1)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		}
	}
}

// Serve handshakes on conn and answers compute requests until the
// connection fails or ctx is cancelled. On cancellation it unregisters so
// the generator hands any unfinished delta to another worker. conn is
// closed on return.
func (w *Worker) Serve(ctx context.Context, conn protocol.Conn) error {
	defer conn.Close()

	hctx, cancel := context.WithTimeout(ctx, sendTimeout)
	err := protocol.ClientHandshake(hctx, conn, w.name)
	cancel()
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"worker": w.name,
		"conn":   conn.ID(),
	}).Info("delta worker registered")

	for {
		msg, err := conn.Recv(ctx)
		if ctx.Err() != nil {
			w.unregister(conn)
			return ctx.Err()
		}
		if err != nil {
			return errors.Wrap(err, "reading from generator")
		}
		if msg.Type != protocol.TypeComputeDelta {
			log.WithFields(log.Fields{
				"worker": w.name,
				"type":   msg.Type,
			}).Info("ignoring unexpected message")
			continue
		}

		reply := w.compute(ctx, msg)
		if ctx.Err() != nil {
			w.unregister(conn)
			return ctx.Err()
		}
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		err = conn.Send(sctx, reply)
		cancel()
		if err != nil {
			return errors.Wrapf(err, "answering seq %d", msg.Seq)
		}
	}
}

func (w *Worker) compute(ctx context.Context, msg *protocol.Message) *protocol.Message {
	fields := log.Fields{
		"worker": w.name,
		"seq":    msg.Seq,
		"repo":   msg.Repo,
		"delta":  msg.Delta.String(),
	}
	latency := w.stat.Latency(stats.WorkerCompute_ms).Time()
	info, err := w.backend.ComputeDelta(ctx, msg.Repo, *msg.Delta)
	latency.Stop()
	if err != nil {
		retryable := jobs.IsTransient(repo.Classify(err))
		fields["err"] = err
		fields["retryable"] = retryable
		log.WithFields(fields).Info("delta failed")
		w.stat.Counter(stats.WorkerFailedCounter).Inc(1)
		return protocol.DeltaFailed(msg.Seq, err, retryable)
	}
	log.WithFields(fields).Info("delta computed")
	w.stat.Counter(stats.WorkerComputedCounter).Inc(1)
	return protocol.DeltaResult(msg.Seq, info)
}

func (w *Worker) unregister(conn protocol.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Send(ctx, &protocol.Message{Type: protocol.TypeUnregister}); err != nil {
		log.WithFields(log.Fields{
			"worker": w.name,
			"err":    err,
		}).Debug("could not unregister")
	}
}
