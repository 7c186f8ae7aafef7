// Package boundary implements the transport-level server that frames
// worker requests and routes replies back to the originating worker
// (spec §4.1, C1). It runs on its own scheduling context and never blocks
// the interface loop.
//
// Wire framing is sourcegraph/jsonrpc2 over a plain TCP listener: each
// worker process opens one connection and that connection becomes one
// jsonrpc2.Conn. A request's "reply handle" (spec §9) is a protocol.ReplyHandle
// closing over that Conn and the request's jsonrpc2.ID — an index/generation
// pair, not a back-pointer into the boundary itself.
package boundary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/Sumatoshi-tech/analysiscoordinator/internal/protocol"
)

// ErrUnregistered is returned when a frame arrives for an analysis id that
// was never registered (or was already cancelled).
var ErrUnregistered = errors.New("boundary: analysis id not registered")

// Boundary accepts worker connections on a TCP listener and dispatches
// decoded requests into per-analysis inboxes (spec §4.1).
type Boundary struct {
	logger   *slog.Logger
	listener net.Listener

	mu          sync.Mutex
	inboxes     map[string]chan *protocol.Request
	conns       map[string]map[*jsonrpc2.Conn]struct{}
	outstanding map[*jsonrpc2.Conn]map[jsonrpc2.ID]*protocol.ReplyHandle
}

// New creates a Boundary listening on addr (e.g. "127.0.0.1:0" to pick a
// free port; inspect Addr() afterward).
func New(addr string, logger *slog.Logger) (*Boundary, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("boundary: listen %s: %w", addr, err)
	}

	b := &Boundary{
		logger:      logger,
		listener:    ln,
		inboxes:     make(map[string]chan *protocol.Request),
		conns:       make(map[string]map[*jsonrpc2.Conn]struct{}),
		outstanding: make(map[*jsonrpc2.Conn]map[jsonrpc2.ID]*protocol.ReplyHandle),
	}

	return b, nil
}

// Addr returns the bound listener address, for use by the announcer (C2).
func (b *Boundary) Addr() string {
	return b.listener.Addr().String()
}

// Register begins accepting requests tagged with analysisID, delivering
// decoded requests into inbox (spec §4.1a). Call Serve to actually start
// accepting connections.
func (b *Boundary) Register(analysisID string, inbox chan *protocol.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.inboxes[analysisID] = inbox
	b.conns[analysisID] = make(map[*jsonrpc2.Conn]struct{})
}

// Serve accepts connections until ctx is cancelled or the listener is closed.
// Every connection is assumed to belong to the single currently-registered
// analysis — per spec §1 Non-goals, one coordinator instance serves exactly
// one analysis at a time, so workers need not announce which analysis they
// belong to at the transport layer.
func (b *Boundary) Serve(ctx context.Context, analysisID string) error {
	go func() {
		<-ctx.Done()
		_ = b.listener.Close()
	}()

	for {
		conn, err := b.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("boundary: accept: %w", err)
		}

		b.acceptWorker(ctx, analysisID, conn)
	}
}

func (b *Boundary) acceptWorker(ctx context.Context, analysisID string, nc net.Conn) {
	handler := boundaryHandler{b: b, analysisID: analysisID}

	stream := jsonrpc2.NewBufferedStream(nc, jsonrpc2.VSCodeObjectCodec{})
	conn := jsonrpc2.NewConn(ctx, stream, handler)

	b.mu.Lock()
	if conns, ok := b.conns[analysisID]; ok {
		conns[conn] = struct{}{}
	}

	b.outstanding[conn] = make(map[jsonrpc2.ID]*protocol.ReplyHandle)
	b.mu.Unlock()

	go func() {
		<-conn.DisconnectNotify()

		b.mu.Lock()
		delete(b.outstanding, conn)

		if conns, ok := b.conns[analysisID]; ok {
			delete(conns, conn)
		}

		b.mu.Unlock()
	}()
}

// boundaryHandler adapts Boundary to jsonrpc2.Handler directly, rather than
// the HandlerWithError convenience wrapper: Handle returns nothing, so
// nothing auto-replies on our behalf. The only reply ever sent for a
// request is the one the job server issues later through its ReplyHandle
// (spec §4.1 "exactly one reply per request handle").
type boundaryHandler struct {
	b          *Boundary
	analysisID string
}

func (h boundaryHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	h.b.handle(ctx, h.analysisID, conn, req)
}

// handle decodes one jsonrpc2.Request into a protocol.Request, attaches a
// ReplyHandle, and delivers it to the analysis's inbox.
func (b *Boundary) handle(ctx context.Context, analysisID string, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	b.mu.Lock()
	inbox, ok := b.inboxes[analysisID]
	b.mu.Unlock()

	if !ok {
		_ = conn.ReplyWithError(ctx, req.ID, &jsonrpc2.Error{
			Code:    int64(jsonrpc2.CodeInternalError),
			Message: ErrUnregistered.Error(),
		})

		return
	}

	var params []byte
	if req.Params != nil {
		params = []byte(*req.Params)
	}

	handle := protocol.NewReplyHandle(func(replyCtx context.Context, result any, replyErr error) error {
		if replyErr != nil {
			return conn.ReplyWithError(replyCtx, req.ID, &jsonrpc2.Error{
				Code:    int64(jsonrpc2.CodeInternalError),
				Message: replyErr.Error(),
			})
		}

		return conn.Reply(replyCtx, req.ID, result)
	})

	b.mu.Lock()
	if outstanding, ok := b.outstanding[conn]; ok {
		outstanding[req.ID] = handle
	}
	b.mu.Unlock()

	decoded := &protocol.Request{
		Method: protocol.Method(req.Method),
		Params: params,
		Reply:  handle,
	}

	select {
	case inbox <- decoded:
	case <-ctx.Done():
		if err := handle.Fail(ctx, ctx.Err()); err != nil {
			b.logger.Debug("boundary: context-cancelled reply failed", "error", err)
		}
	}
}

// Cancel stops accepting new requests for analysisID and synthesises a
// failure reply for every request whose handle was never used, so no
// worker is left waiting (spec §4.1c).
func (b *Boundary) Cancel(ctx context.Context, analysisID string) {
	b.mu.Lock()
	delete(b.inboxes, analysisID)
	conns := b.conns[analysisID]
	delete(b.conns, analysisID)
	b.mu.Unlock()

	for conn := range conns {
		b.mu.Lock()
		outstanding := b.outstanding[conn]
		b.mu.Unlock()

		for _, handle := range outstanding {
			if handle.WasReplied() {
				continue
			}

			if err := handle.Fail(ctx, errAnalysisCancelled); err != nil {
				b.logger.Debug("boundary: synthetic cancel reply failed", "error", err)
			}
		}

		_ = conn.Close()
	}
}

var errAnalysisCancelled = errors.New("analysis cancelled")

// Close shuts down the listener.
func (b *Boundary) Close() error {
	return b.listener.Close()
}

