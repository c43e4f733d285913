package main

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pion/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	lvl, err := parseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, logging.LogLevelDebug, lvl)

	_, err = parseLevel("loud")
	assert.Error(t, err)
}

func TestRunBadConfig(t *testing.T) {
	err := run(context.Background(), "testdata/missing.hujson", "", logging.NewDefaultLoggerFactory())
	assert.Error(t, err)
}

func TestMetricsHandler(t *testing.T) {
	srv := httptest.NewServer(metricsHandler())
	defer srv.Close()

	res, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, 200, res.StatusCode)
	assert.True(t, strings.HasPrefix(res.Header.Get("Content-Type"), "text/plain"))
}
