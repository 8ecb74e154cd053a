package protocol

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// ErrClosed is returned by Send and Recv once a connection is closed.
var ErrClosed = errors.New("connection closed")

// Conn is a duplex message channel to one peer. Send and Recv may be called
// concurrently with each other, but each from one goroutine at a time.
type Conn interface {
	ID() string
	Send(ctx context.Context, m *Message) error
	// Recv returns io.EOF once the peer has gone away.
	Recv(ctx context.Context) (*Message, error)
	Close() error
}

// Pipe returns two connected in-memory Conns. Closing either closes both.
func Pipe(idA, idB string) (Conn, Conn) {
	ab := make(chan *Message, 16)
	ba := make(chan *Message, 16)
	shared := &pipeState{done: make(chan struct{})}
	return &pipeConn{id: idA, in: ba, out: ab, state: shared},
		&pipeConn{id: idB, in: ab, out: ba, state: shared}
}

type pipeState struct {
	once sync.Once
	done chan struct{}
}

type pipeConn struct {
	id    string
	in    <-chan *Message
	out   chan<- *Message
	state *pipeState
}

func (p *pipeConn) ID() string { return p.id }

func (p *pipeConn) Send(ctx context.Context, m *Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	select {
	case <-p.state.done:
		return ErrClosed
	default:
	}
	c := *m
	select {
	case p.out <- &c:
		return nil
	case <-p.state.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeConn) Recv(ctx context.Context) (*Message, error) {
	// Messages sent before Close are still delivered.
	select {
	case m := <-p.in:
		return m, nil
	default:
	}
	select {
	case m := <-p.in:
		return m, nil
	case <-p.state.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeConn) Close() error {
	p.state.once.Do(func() { close(p.state.done) })
	return nil
}

// ServerHandshake reads the worker's hello and acknowledges it, returning
// the worker's name. The connection should be closed on error.
func ServerHandshake(ctx context.Context, c Conn) (string, error) {
	m, err := c.Recv(ctx)
	if err != nil {
		return "", errors.Wrap(err, "waiting for hello")
	}
	if m.Type != TypeHello {
		return "", errors.Errorf("expected hello, got %s", m.Type)
	}
	if m.Version != ProtocolVersion {
		return "", errors.Errorf("worker %q speaks protocol %d, want %d", m.Name, m.Version, ProtocolVersion)
	}
	if err := c.Send(ctx, &Message{Type: TypeVersion, Version: ProtocolVersion}); err != nil {
		return "", errors.Wrap(err, "acknowledging hello")
	}
	return m.Name, nil
}

// ClientHandshake announces name to the server and waits for its version.
func ClientHandshake(ctx context.Context, c Conn, name string) error {
	if err := c.Send(ctx, Hello(name)); err != nil {
		return errors.Wrap(err, "sending hello")
	}
	m, err := c.Recv(ctx)
	if err != nil {
		return errors.Wrap(err, "waiting for version")
	}
	if m.Type != TypeVersion || m.Version != ProtocolVersion {
		return errors.Errorf("server answered hello with %s version %d", m.Type, m.Version)
	}
	return nil
}
