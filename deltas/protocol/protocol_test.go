package protocol

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deltapub/deltapub/repo"
)

func TestValidate(t *testing.T) {
	spec := repo.DeltaSpec{Ref: "app/x", From: "c1", To: "c2"}
	assert.NoError(t, ComputeDelta(1, "stable", spec).Validate())
	assert.NoError(t, DeltaResult(1, &repo.DeltaInfo{ID: "c1-c2"}).Validate())
	assert.NoError(t, DeltaFailed(1, errors.New("boom"), false).Validate())
	assert.NoError(t, Hello("w1").Validate())

	assert.Error(t, ComputeDelta(0, "stable", spec).Validate())
	assert.Error(t, ComputeDelta(1, "", spec).Validate())
	assert.Error(t, (&Message{Type: TypeDeltaResult, Seq: 1}).Validate())
	assert.Error(t, (&Message{Type: TypeDeltaResult, Seq: 1, Error: "x", Result: &repo.DeltaInfo{}}).Validate())
	assert.Error(t, (&Message{Type: TypeHello}).Validate())
	assert.Error(t, (&Message{Type: "ping"}).Validate())
}

func TestCodecs(t *testing.T) {
	in := DeltaFailed(7, errors.New("no such commit"), true)
	for _, name := range []string{CodecNameJSON, CodecNameMsgpack} {
		codec, err := GetCodec(name)
		require.NoError(t, err)
		data, err := codec.Encode(in)
		require.NoError(t, err)
		out, err := codec.Decode(data)
		require.NoError(t, err)
		assert.Equal(t, in, out, name)
	}

	_, err := GetCodec("protobuf")
	assert.Error(t, err)
	_, err = JSONCodec{}.Decode([]byte("{"))
	assert.Error(t, err)
}

func TestPipe(t *testing.T) {
	ctx := context.Background()
	a, b := Pipe("server", "worker")
	assert.Equal(t, "server", a.ID())

	require.NoError(t, a.Send(ctx, ComputeDelta(1, "stable", repo.DeltaSpec{Ref: "r", To: "c1"})))
	m, err := b.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, TypeComputeDelta, m.Type)
	assert.Equal(t, uint64(1), m.Seq)

	require.NoError(t, b.Send(ctx, &Message{Type: TypeUnregister}))
	require.NoError(t, b.Close())
	m, err = a.Recv(ctx)
	require.NoError(t, err, "messages sent before close are delivered")
	assert.Equal(t, TypeUnregister, m.Type)
	_, err = a.Recv(ctx)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, ErrClosed, a.Send(ctx, &Message{Type: TypeUnregister}))

	c, _ := Pipe("c", "d")
	cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = c.Recv(cctx)
	assert.Equal(t, context.DeadlineExceeded, err)
}

func TestHandshake(t *testing.T) {
	ctx := context.Background()
	server, worker := Pipe("s", "w")
	errs := make(chan error, 1)
	go func() { errs <- ClientHandshake(ctx, worker, "builder-1") }()
	name, err := ServerHandshake(ctx, server)
	require.NoError(t, err)
	assert.Equal(t, "builder-1", name)
	assert.NoError(t, <-errs)
}

func TestHandshakeRejectsOtherVersions(t *testing.T) {
	ctx := context.Background()
	server, worker := Pipe("s", "w")
	require.NoError(t, worker.Send(ctx, &Message{Type: TypeHello, Version: ProtocolVersion + 1, Name: "old"}))
	_, err := ServerHandshake(ctx, server)
	assert.Error(t, err)

	server, worker = Pipe("s", "w")
	require.NoError(t, worker.Send(ctx, &Message{Type: TypeUnregister}))
	_, err = ServerHandshake(ctx, server)
	assert.Error(t, err)
}

func TestWebSocket(t *testing.T) {
	for _, name := range []string{CodecNameJSON, CodecNameMsgpack} {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			accepted := make(chan Conn, 1)
			srv := httptest.NewServer(NewHandler(func(c Conn) { accepted <- c }))
			defer srv.Close()

			codec, err := GetCodec(name)
			require.NoError(t, err)
			client, err := Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/workers", codec)
			require.NoError(t, err)
			defer client.Close()

			var server Conn
			select {
			case server = <-accepted:
			case <-ctx.Done():
				t.Fatal("no connection accepted")
			}

			errs := make(chan error, 1)
			go func() { errs <- ClientHandshake(ctx, client, "w1") }()
			workerName, err := ServerHandshake(ctx, server)
			require.NoError(t, err)
			assert.Equal(t, "w1", workerName)
			require.NoError(t, <-errs)

			spec := repo.DeltaSpec{Ref: "app/x", From: "c1", To: "c2"}
			require.NoError(t, server.Send(ctx, ComputeDelta(3, "stable", spec)))
			req, err := client.Recv(ctx)
			require.NoError(t, err)
			assert.Equal(t, "stable", req.Repo)
			assert.Equal(t, spec, *req.Delta)

			require.NoError(t, client.Send(ctx, DeltaResult(3, &repo.DeltaInfo{ID: spec.DeltaID(), From: "c1", To: "c2", Size: 99})))
			res, err := server.Recv(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(3), res.Seq)
			assert.Equal(t, int64(99), res.Result.Size)

			client.Close()
			_, err = server.Recv(ctx)
			assert.Error(t, err)
		})
	}
}
