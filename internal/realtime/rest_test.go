package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRestClient_BroadcastPostsSignedEnvelope(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody message

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewRestClient(srv.URL, "secret-key", HubName)
	err := c.Broadcast(context.Background(), EventAnomaly, map[string]any{"strike": 505})
	require.NoError(t, err)

	assert.Equal(t, "/api/v1/hubs/spyoptions", gotPath)
	assert.Equal(t, EventAnomaly, gotBody.Target)
	require.Len(t, gotBody.Arguments, 1)

	// Bearer token is an HS256 JWT whose audience is the hub URL.
	require.True(t, strings.HasPrefix(gotAuth, "Bearer "))
	raw := strings.TrimPrefix(gotAuth, "Bearer ")
	parsed, err := jwt.Parse(raw, func(tok *jwt.Token) (any, error) {
		assert.Equal(t, "HS256", tok.Method.Alg())
		return []byte("secret-key"), nil
	})
	require.NoError(t, err)
	require.True(t, parsed.Valid)

	claims := parsed.Claims.(jwt.MapClaims)
	aud, err := claims.GetAudience()
	require.NoError(t, err)
	require.Len(t, aud, 1)
	assert.Equal(t, srv.URL+"/api/v1/hubs/spyoptions", aud[0])

	exp, err := claims.GetExpirationTime()
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp.Time, time.Minute)
}

func TestRestClient_BroadcastErrorOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewRestClient(srv.URL, "k", HubName)
	err := c.Broadcast(context.Background(), EventVolume, map[string]any{})
	assert.Error(t, err)
}

func TestRestClient_Negotiate(t *testing.T) {
	c := NewRestClient("https://hub.example.com", "secret-key", HubName)

	p, err := c.Negotiate()
	require.NoError(t, err)
	assert.Equal(t, "https://hub.example.com/client/?hub=spyoptions", p.URL)

	parsed, err := jwt.Parse(p.AccessToken, func(tok *jwt.Token) (any, error) {
		return []byte("secret-key"), nil
	})
	require.NoError(t, err)
	claims := parsed.Claims.(jwt.MapClaims)
	aud, err := claims.GetAudience()
	require.NoError(t, err)
	assert.Equal(t, p.URL, aud[0])
}
