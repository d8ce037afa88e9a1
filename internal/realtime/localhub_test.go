package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialHub(t *testing.T, h *LocalHub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestLocalHub_BroadcastReachesClient(t *testing.T) {
	h := NewLocalHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	conn := dialHub(t, h)
	// Registration races the broadcast; give the run loop a beat.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, h.Broadcast(context.Background(),
		EventAnomaly, map[string]any{"strike": 505.0}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var got message
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, EventAnomaly, got.Target)
	require.Len(t, got.Arguments, 1)
}

func TestLocalHub_BroadcastWithoutClientsDoesNotBlock(t *testing.T) {
	h := NewLocalHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			h.Broadcast(context.Background(), EventPrice, i)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked with no clients connected")
	}
}

func TestLocalHub_QueueFullReturnsError(t *testing.T) {
	h := NewLocalHub()
	// The run loop is not started, so the event queue only fills.
	var lastErr error
	for i := 0; i < cap(h.events)+1; i++ {
		lastErr = h.Broadcast(context.Background(), EventFlow, i)
	}
	assert.Error(t, lastErr)
}
