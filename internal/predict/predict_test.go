package predict

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRationaleSameLine(t *testing.T) {
	dir, conviction := ParseRationale("1. Current Bias: BEARISH\n\n3. Conviction: 8/10")
	assert.Equal(t, Bearish, dir)
	assert.Equal(t, 8, conviction)
}

func TestParseRationaleBoldNextLine(t *testing.T) {
	text := "## Current Bias\n\n**BULLISH**\n\nConviction: 6"
	dir, conviction := ParseRationale(text)
	assert.Equal(t, Bullish, dir)
	assert.Equal(t, 6, conviction)
}

func TestParseRationaleBareNextLine(t *testing.T) {
	text := "Current Bias\nBEARISH\nConviction: 4/10"
	dir, _ := ParseRationale(text)
	assert.Equal(t, Bearish, dir)
}

func TestParseRationaleHeadFallback(t *testing.T) {
	dir, conviction := ParseRationale("The chart looks strongly BULLISH going into the session.")
	assert.Equal(t, Bullish, dir)
	assert.Equal(t, 5, conviction)
}

func TestParseRationaleDefaultsNeutral(t *testing.T) {
	dir, conviction := ParseRationale("No clear signal in this chart.")
	assert.Equal(t, Neutral, dir)
	assert.Equal(t, 5, conviction)
}

func TestParseRationaleConvictionFallbackRegex(t *testing.T) {
	_, conviction := ParseRationale("Bias unclear. My conviction 7 on this setup.")
	assert.Equal(t, 7, conviction)

	// Out-of-range fallback values are ignored.
	_, conviction = ParseRationale("conviction 99 nonsense")
	assert.Equal(t, 5, conviction)
}

func writeTestChart(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chart.png")
	require.NoError(t, os.WriteFile(path, []byte("not-a-real-png"), 0o644))
	return path
}

func TestPredictParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.NotEmpty(t, r.Header.Get("anthropic-version"))
		fmt.Fprint(w, `{"content":[{"type":"text","text":"Current Bias: BULLISH\nConviction: 9/10"}]}`)
	}))
	defer srv.Close()

	c := NewAnthropicClient("test-key")
	c.baseURL = srv.URL

	p, err := c.Predict(context.Background(), writeTestChart(t), "EURUSD", "London_Open")
	require.NoError(t, err)
	assert.Equal(t, Bullish, p.Direction)
	assert.Equal(t, 9, p.Conviction)
	assert.Equal(t, modelKey, c.ModelKey())
	assert.Contains(t, p.Rationale, "Current Bias")
}

func TestPredictRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"content":[{"type":"text","text":"Current Bias: NEUTRAL"}]}`)
	}))
	defer srv.Close()

	c := NewAnthropicClient("test-key")
	c.baseURL = srv.URL

	p, err := c.Predict(context.Background(), writeTestChart(t), "EURUSD", "NY_Open")
	require.NoError(t, err)
	assert.Equal(t, Neutral, p.Direction)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPredictAPIErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"type":"invalid_request_error","message":"bad image"}}`)
	}))
	defer srv.Close()

	c := NewAnthropicClient("test-key")
	c.baseURL = srv.URL

	_, err := c.Predict(context.Background(), writeTestChart(t), "EURUSD", "NY_Open")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad image")
	assert.Equal(t, int32(1), calls.Load())
}

func TestPredictMissingChart(t *testing.T) {
	c := NewAnthropicClient("test-key")
	_, err := c.Predict(context.Background(), "/nonexistent/chart.png", "EURUSD", "Asian_Open")
	require.Error(t, err)
}
