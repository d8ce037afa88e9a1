package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spyflow/spyflow/internal/contract"
)

func TestClient_PostAnomaliesSendsBatch(t *testing.T) {
	var gotPath, gotContentType string
	var gotBatch contract.AnomaliesBatch

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBatch))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL)
	batch := contract.AnomaliesBatch{
		Count: 1,
		Anomalies: []contract.Anomaly{{
			Timestamp: time.Now().UTC(), Symbol: "SPY", Strike: 505,
			OptionType: "CALL", MidPrice: 1.40, ExpectedPrice: 2.21, Severity: "HIGH",
		}},
	}
	require.NoError(t, c.PostAnomalies(context.Background(), batch))

	assert.Equal(t, "/anomalies", gotPath)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, 1, gotBatch.Count)
}

func TestClient_RetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL)
	err := c.PostVolume(context.Background(), contract.VolumeSnapshot{
		Timestamp: time.Now().UTC(), SpyPrice: 500,
	})
	assert.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_NoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.URL)
	err := c.PostFlow(context.Background(), contract.FlowSnapshot{Timestamp: 1})
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.URL)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		assert.Error(t, c.PostSpyTick(ctx, contract.SpyMarketSnapshot{Timestamp: 1, Price: 500}))
	}
	before := calls.Load()

	// The breaker is open now: the request fails fast without hitting the wire.
	err := c.PostSpyTick(ctx, contract.SpyMarketSnapshot{Timestamp: 1, Price: 500})
	assert.Error(t, err)
	assert.Equal(t, before, calls.Load())
}

func TestClient_ContextCancelAbortsRetryPause(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := c.PatchMarketState(ctx, map[string]any{"market_status": "OPEN"})
	assert.Error(t, err)
	assert.Less(t, time.Since(start), retryPause)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient(&httpError{status: 503, transient: true}))
	assert.False(t, isTransient(&httpError{status: 404}))
	assert.False(t, isTransient(errors.New("marshal failed")))
}
