package protocol

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	uuid "github.com/nu7hatch/gouuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// CodecParam is the query parameter a worker names its codec with.
const CodecParam = "codec"

// Handler upgrades HTTP requests to worker connections and passes each one
// to accept. accept owns the Conn from then on.
type Handler struct {
	accept func(Conn)
}

func NewHandler(accept func(Conn)) *Handler {
	return &Handler{accept: accept}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	codec, err := GetCodec(r.URL.Query().Get(CodecParam))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.WithFields(log.Fields{
			"remote": r.RemoteAddr,
			"err":    err,
		}).Info("worker websocket upgrade failed")
		return
	}
	c := newWSConn(connID("ws"), netConn, codec, ws.StateServerSide)
	log.WithFields(log.Fields{
		"conn":   c.ID(),
		"remote": r.RemoteAddr,
		"codec":  codec.Name(),
	}).Info("worker connected")
	h.accept(c)
}

// Dial connects to a generator's worker endpoint at rawURL (ws:// or wss://).
func Dial(ctx context.Context, rawURL string, codec Codec) (Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", rawURL)
	}
	q := u.Query()
	q.Set(CodecParam, codec.Name())
	u.RawQuery = q.Encode()

	netConn, _, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %s", u.Host)
	}
	return newWSConn(connID("dial"), netConn, codec, ws.StateClientSide), nil
}

func connID(prefix string) string {
	id, err := uuid.NewV4()
	if err != nil {
		return prefix + "-" + time.Now().Format("150405.000000000")
	}
	return prefix + "-" + id.String()
}

type frame struct {
	data []byte
	err  error
}

// wsConn reads in its own goroutine so Recv can honor a context.
type wsConn struct {
	id    string
	conn  net.Conn
	codec Codec
	state ws.State

	writeMu sync.Mutex
	frames  chan frame
	once    sync.Once
	done    chan struct{}
}

func newWSConn(id string, conn net.Conn, codec Codec, state ws.State) *wsConn {
	c := &wsConn{
		id:     id,
		conn:   conn,
		codec:  codec,
		state:  state,
		frames: make(chan frame, 16),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) readLoop() {
	for {
		var data []byte
		var err error
		if c.state == ws.StateServerSide {
			data, _, err = wsutil.ReadClientData(c.conn)
		} else {
			data, _, err = wsutil.ReadServerData(c.conn)
		}
		select {
		case c.frames <- frame{data: data, err: err}:
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *wsConn) Send(ctx context.Context, m *Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	data, err := c.codec.Encode(m)
	if err != nil {
		return errors.Wrapf(err, "encoding %s", m)
	}
	op := ws.OpText
	if c.codec.Binary() {
		op = ws.OpBinary
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if c.state == ws.StateServerSide {
		err = wsutil.WriteServerMessage(c.conn, op, data)
	} else {
		err = wsutil.WriteClientMessage(c.conn, op, data)
	}
	return errors.Wrapf(err, "writing %s to %s", m, c.id)
}

func (c *wsConn) Recv(ctx context.Context) (*Message, error) {
	select {
	case f := <-c.frames:
		if f.err != nil {
			if isClosedErr(f.err) {
				return nil, io.EOF
			}
			return nil, errors.Wrapf(f.err, "reading from %s", c.id)
		}
		m, err := c.codec.Decode(f.data)
		if err != nil {
			return nil, err
		}
		if err := m.Validate(); err != nil {
			return nil, err
		}
		return m, nil
	case <-c.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func isClosedErr(err error) bool {
	var closed wsutil.ClosedError
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.As(err, &closed)
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}
