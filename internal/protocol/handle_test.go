package protocol_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/analysiscoordinator/internal/protocol"
)

func TestReplyHandleReplyOnce(t *testing.T) {
	var got any

	h := protocol.NewReplyHandle(func(_ context.Context, result any, replyErr error) error {
		got = result
		assert.NoError(t, replyErr)

		return nil
	})

	require.NoError(t, h.Reply(t.Context(), "ok"))
	assert.Equal(t, "ok", got)
	assert.True(t, h.WasReplied())

	err := h.Reply(t.Context(), "again")
	assert.ErrorIs(t, err, protocol.ErrAlreadyReplied)
}

func TestReplyHandleFailOnce(t *testing.T) {
	var gotErr error

	h := protocol.NewReplyHandle(func(_ context.Context, result any, replyErr error) error {
		assert.Nil(t, result)
		gotErr = replyErr

		return nil
	})

	sentinel := errors.New("boom")
	require.NoError(t, h.Fail(t.Context(), sentinel))
	assert.ErrorIs(t, gotErr, sentinel)

	err := h.Fail(t.Context(), sentinel)
	assert.ErrorIs(t, err, protocol.ErrAlreadyReplied)
}

func TestReplyHandleWasRepliedInitiallyFalse(t *testing.T) {
	h := protocol.NewReplyHandle(func(_ context.Context, _ any, _ error) error { return nil })
	assert.False(t, h.WasReplied())
}
