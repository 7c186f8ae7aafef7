package telemetry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/analysiscoordinator/internal/telemetry"
)

func TestInitWithoutOTLPEndpointUsesNoopProviders(t *testing.T) {
	cfg := telemetry.DefaultConfig()

	providers, err := telemetry.Init(cfg)
	require.NoError(t, err)
	require.NotNil(t, providers.Tracer)
	require.NotNil(t, providers.Meter)
	require.NotNil(t, providers.Logger)

	require.NoError(t, providers.Shutdown(t.Context()))
}

func TestInitWithPrometheusScrapeExposesHandler(t *testing.T) {
	cfg := telemetry.DefaultConfig()
	cfg.PrometheusScrape = true

	providers, err := telemetry.Init(cfg)
	require.NoError(t, err)
	require.NotNil(t, providers.PrometheusHandler)

	require.NoError(t, providers.Shutdown(t.Context()))
}

func TestInitWithoutPrometheusScrapeLeavesHandlerNil(t *testing.T) {
	providers, err := telemetry.Init(telemetry.DefaultConfig())
	require.NoError(t, err)
	assert.Nil(t, providers.PrometheusHandler)

	require.NoError(t, providers.Shutdown(t.Context()))
}

func TestParseOTLPHeadersSplitsPairs(t *testing.T) {
	got := telemetry.ParseOTLPHeaders("x-api-key=abc,x-env=prod")
	assert.Equal(t, map[string]string{"x-api-key": "abc", "x-env": "prod"}, got)
}

func TestParseOTLPHeadersEmptyReturnsNil(t *testing.T) {
	assert.Nil(t, telemetry.ParseOTLPHeaders(""))
}

func TestParseOTLPHeadersSkipsMalformedPairs(t *testing.T) {
	got := telemetry.ParseOTLPHeaders("valid=1,noequalsign,also=2")
	assert.Equal(t, map[string]string{"valid": "1", "also": "2"}, got)
}
