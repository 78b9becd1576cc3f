package market

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(srvURL string) *PolygonClient {
	c := NewPolygonClient("test-key")
	c.baseURL = srvURL
	return c
}

func TestFetchBarsPagination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "test-key", r.URL.Query().Get("apiKey"))

		if r.URL.Query().Get("cursor") == "p2" {
			fmt.Fprint(w, `{"status":"OK","results":[
				{"t":1705312800000,"o":1.0902,"h":1.0910,"l":1.0900,"c":1.0908,"v":900}]}`)
			return
		}
		// First page carries a next_url without an apiKey; the client must
		// append its own.
		fmt.Fprintf(w, `{"status":"OK","next_url":%q,"results":[
			{"t":1705311900000,"o":1.0900,"h":1.0905,"l":1.0898,"c":1.0902,"v":1200}]}`,
			"http://"+r.Host+r.URL.Path+"?cursor=p2")
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	start := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 17, 0, 0, 0, 0, time.UTC)

	bars, err := c.FetchBars(context.Background(), "EURUSD", start, end, Timeframe15Min)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.True(t, bars[0].Time.Before(bars[1].Time))
	assert.Equal(t, 1.0902, bars[0].Close)
	assert.Equal(t, 1.0908, bars[1].Close)
}

func TestFetchBarsRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "upstream busy", http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"status":"OK","results":[{"t":1705311900000,"o":1,"h":1,"l":1,"c":1,"v":1}]}`)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	bars, err := c.FetchBars(context.Background(), "EURUSD",
		time.Now().Add(-24*time.Hour), time.Now(), Timeframe15Min)
	require.NoError(t, err)
	assert.Len(t, bars, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchBarsHonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"status":"OK","results":[{"t":1705311900000,"o":1,"h":1,"l":1,"c":1,"v":1}]}`)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	begin := time.Now()
	bars, err := c.FetchBars(context.Background(), "EURUSD",
		time.Now().Add(-24*time.Hour), time.Now(), Timeframe15Min)
	require.NoError(t, err)
	assert.Len(t, bars, 1)
	assert.GreaterOrEqual(t, time.Since(begin), time.Second)
}

func TestFetchBarsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"ERROR","error":"unknown ticker"}`)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	_, err := c.FetchBars(context.Background(), "ZZZUSD",
		time.Now().Add(-24*time.Hour), time.Now(), Timeframe15Min)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown ticker")
}

func TestFetchBarsEmptyFirstPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"OK","results":[]}`)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	_, err := c.FetchBars(context.Background(), "EURUSD",
		time.Now().Add(-24*time.Hour), time.Now(), Timeframe15Min)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no data")
}

func TestSeriesHelpers(t *testing.T) {
	base := time.Date(2024, 1, 15, 13, 30, 0, 0, time.UTC)
	bars := []Bar{
		{Time: base, Open: 1.10, High: 1.12, Low: 1.09, Close: 1.11},
		{Time: base.Add(15 * time.Minute), Open: 1.11, High: 1.15, Low: 1.10, Close: 1.14},
		{Time: base.Add(30 * time.Minute), Open: 1.14, High: 1.145, Low: 1.08, Close: 1.09},
	}

	last, ok := LastClose(bars)
	require.True(t, ok)
	assert.Equal(t, 1.09, last)

	high, low, ok := Extremes(bars)
	require.True(t, ok)
	assert.Equal(t, 1.15, high)
	assert.Equal(t, 1.08, low)

	window := Slice(bars, base, base.Add(15*time.Minute))
	assert.Len(t, window, 2)

	_, ok = LastClose(nil)
	assert.False(t, ok)
	_, _, ok = Extremes(nil)
	assert.False(t, ok)
}
