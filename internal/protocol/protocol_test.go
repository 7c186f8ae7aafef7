package protocol_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/analysiscoordinator/internal/protocol"
)

func TestDecodeParamsEmptyYieldsZeroValue(t *testing.T) {
	got, err := protocol.DecodeParams[protocol.ImageSetSuccessParams](nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.ImageSetSuccessParams{}, got)
}

func TestDecodeParamsRoundTrip(t *testing.T) {
	raw := []byte(`{"image_set_number":7,"shared_dicts":[{"data":"eyJ4IjoxfQ=="}]}`)

	got, err := protocol.DecodeParams[protocol.ImageSetSuccessParams](raw)
	require.NoError(t, err)
	assert.Equal(t, 7, got.ImageSetNumber)
	require.Len(t, got.SharedDicts, 1)
}

func TestDecodeParamsInvalidJSON(t *testing.T) {
	_, err := protocol.DecodeParams[protocol.WorkReply]([]byte("not json"))
	require.Error(t, err)
}

func TestIsInteractive(t *testing.T) {
	assert.True(t, protocol.IsInteractive(protocol.MethodDisplay))
	assert.True(t, protocol.IsInteractive(protocol.MethodExceptionReport))
	assert.False(t, protocol.IsInteractive(protocol.MethodWork))
	assert.False(t, protocol.IsInteractive(protocol.MethodImageSetSuccess))
}

func TestNoWorkHasWorkFalse(t *testing.T) {
	assert.False(t, protocol.NoWork.HasWork)
}
