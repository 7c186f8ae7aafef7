package workerpool_test

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/analysiscoordinator/internal/workerpool"
)

// shLauncher starts a tiny shell script per worker that blocks reading
// stdin, so Stop's deadman switch is what terminates it.
type shLauncher struct{}

func (shLauncher) Args(workerIndex int) []string {
	return []string{"/bin/sh", "-c", "echo started; cat >/dev/null"}
}

func (shLauncher) Env(workerIndex int) []string {
	return []string{}
}

type badLauncher struct{}

func (badLauncher) Args(workerIndex int) []string {
	if workerIndex == 1 {
		return nil
	}

	return []string{"/bin/sh", "-c", "cat >/dev/null"}
}

func (badLauncher) Env(workerIndex int) []string { return []string{} }

func TestPoolStartAndStop(t *testing.T) {
	p := workerpool.New(slog.Default())

	err := p.Start(t.Context(), 3, shLauncher{})
	require.NoError(t, err)
	assert.Equal(t, 3, p.Size())

	p.Stop()
	assert.Equal(t, 0, p.Size())
}

func TestPoolStartIsIdempotent(t *testing.T) {
	p := workerpool.New(slog.Default())

	require.NoError(t, p.Start(t.Context(), 2, shLauncher{}))
	require.NoError(t, p.Start(t.Context(), 5, shLauncher{}))
	assert.Equal(t, 2, p.Size())

	p.Stop()
}

func TestPoolStartRollsBackOnFailure(t *testing.T) {
	p := workerpool.New(slog.Default())

	err := p.Start(t.Context(), 2, badLauncher{})
	require.Error(t, err)
	assert.Equal(t, 0, p.Size())
}

func TestPoolStopIsSafeOnEmptyPool(t *testing.T) {
	p := workerpool.New(slog.Default())
	p.Stop()
	assert.Equal(t, 0, p.Size())
}
