package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrAlreadyReplied is returned (and, in the source system, treated as a
// programmer error) when a ReplyHandle's Reply is invoked a second time.
var ErrAlreadyReplied = errors.New("protocol: reply handle already used")

// ReplyHandle is the opaque, single-use capability that sends a reply back
// to the worker that issued a request. Spec §9 models it as an id bound to
// the boundary rather than a back-pointer, so it is cheap to copy and to
// store in a queue alongside the decoded request.
type ReplyHandle struct {
	replied atomic.Bool
	send    func(ctx context.Context, result any, replyErr error) error
}

// NewReplyHandle wraps a transport-specific send function (e.g. a jsonrpc2
// conn.Reply bound to one request ID) as a ReplyHandle.
func NewReplyHandle(send func(ctx context.Context, result any, replyErr error) error) *ReplyHandle {
	return &ReplyHandle{send: send}
}

// Reply transmits result as a successful reply. Calling it twice on the same
// handle is a programmer error (spec §4.1 contract).
func (h *ReplyHandle) Reply(ctx context.Context, result any) error {
	if !h.replied.CompareAndSwap(false, true) {
		return ErrAlreadyReplied
	}

	if err := h.send(ctx, result, nil); err != nil {
		return fmt.Errorf("reply handle: %w", err)
	}

	return nil
}

// Fail transmits a protocol-level error reply.
func (h *ReplyHandle) Fail(ctx context.Context, replyErr error) error {
	if !h.replied.CompareAndSwap(false, true) {
		return ErrAlreadyReplied
	}

	if err := h.send(ctx, nil, replyErr); err != nil {
		return fmt.Errorf("reply handle: %w", err)
	}

	return nil
}

// WasReplied reports whether Reply or Fail has already been invoked. The
// boundary uses this during cancel to decide which outstanding requests
// need a synthetic failure reply (spec §4.1).
func (h *ReplyHandle) WasReplied() bool {
	return h.replied.Load()
}

// Request is a decoded worker request together with the handle used to
// answer it. The job server and interface loop pass these through queues by
// value-like reference; Reply is invoked exactly once per Request.
type Request struct {
	Method Method
	Params []byte // raw JSON params, decoded by the handler for Method.
	Reply  *ReplyHandle

	// WorkerID identifies the originating connection. The boundary leaves it
	// empty and nothing reads it; it carries no addressing information.
	WorkerID string
}
