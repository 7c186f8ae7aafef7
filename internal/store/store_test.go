package store_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/analysiscoordinator/internal/store"
)

func TestOpenCopyViaScratchFileUnlinksAfterDecode(t *testing.T) {
	dir := t.TempDir()
	var seenPath string

	s, err := store.OpenCopyViaScratchFile(dir, []byte(`{"x":1}`), func(path string) (store.Store, error) {
		seenPath = path

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, `{"x":1}`, string(data))

		return store.NewMemoryStore([]int{1}, false), nil
	})
	require.NoError(t, err)
	require.NotNil(t, s)

	_, err = os.Stat(seenPath)
	assert.True(t, os.IsNotExist(err), "scratch file must be unlinked once decode returns")
}

func TestOpenCopyViaScratchFilePropagatesDecodeError(t *testing.T) {
	_, err := store.OpenCopyViaScratchFile(t.TempDir(), nil, func(string) (store.Store, error) {
		return nil, assert.AnError
	})
	require.Error(t, err)
}

func TestSortedInts(t *testing.T) {
	set := map[int]struct{}{3: {}, 1: {}, 2: {}}
	assert.Equal(t, []int{1, 2, 3}, store.SortedInts(set))
}
