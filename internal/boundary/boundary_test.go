package boundary_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sourcegraph/jsonrpc2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/analysiscoordinator/internal/boundary"
	"github.com/Sumatoshi-tech/analysiscoordinator/internal/protocol"
)

func dial(t *testing.T, ctx context.Context, addr string) *jsonrpc2.Conn {
	t.Helper()

	nc, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = nc.Close() })

	stream := jsonrpc2.NewBufferedStream(nc, jsonrpc2.VSCodeObjectCodec{})

	return jsonrpc2.NewConn(ctx, stream, nil)
}

func TestBoundaryRoutesRequestAndReply(t *testing.T) {
	b, err := boundary.New("127.0.0.1:0", nil)
	require.NoError(t, err)
	defer b.Close()

	inbox := make(chan *protocol.Request, 1)
	b.Register("a1", inbox)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	go b.Serve(ctx, "a1")

	client := dial(t, ctx, b.Addr())

	done := make(chan error, 1)

	go func() {
		var reply protocol.WorkReply
		done <- client.Call(ctx, string(protocol.MethodWork), nil, &reply)
	}()

	select {
	case req := <-inbox:
		assert.Equal(t, protocol.MethodWork, req.Method)
		require.NoError(t, req.Reply.Reply(ctx, protocol.NoWork))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for request to reach inbox")
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client call to return")
	}
}

func TestBoundaryUnregisteredAnalysisRepliesWithError(t *testing.T) {
	b, err := boundary.New("127.0.0.1:0", nil)
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	go b.Serve(ctx, "never-registered")

	client := dial(t, ctx, b.Addr())

	var reply protocol.WorkReply
	err = client.Call(ctx, string(protocol.MethodWork), nil, &reply)
	require.Error(t, err)
}

func TestBoundaryCancelSynthesizesFailureForOutstanding(t *testing.T) {
	b, err := boundary.New("127.0.0.1:0", nil)
	require.NoError(t, err)
	defer b.Close()

	inbox := make(chan *protocol.Request, 1)
	b.Register("a1", inbox)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	go b.Serve(ctx, "a1")

	client := dial(t, ctx, b.Addr())

	done := make(chan error, 1)

	go func() {
		var reply protocol.WorkReply
		done <- client.Call(ctx, string(protocol.MethodWork), nil, &reply)
	}()

	select {
	case <-inbox:
		// Leave the handle unanswered; Cancel must synthesise a failure.
		b.Cancel(ctx, "a1")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for request to reach inbox")
	}

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancelled call to return")
	}
}
