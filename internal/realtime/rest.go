package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

const (
	restTimeout = 5 * time.Second
	tokenTTL    = time.Hour
)

// RestClient publishes hub events through the managed service's REST API.
// Each send is a POST to {endpoint}/api/v1/hubs/{hub} bearing a short-lived
// HS256 token whose audience is that same URL.
type RestClient struct {
	endpoint  string
	accessKey []byte
	hub       string
	client    *http.Client
}

// NewRestClient builds a client for the given service endpoint and access
// key. The endpoint is the scheme://host part of the connection string.
func NewRestClient(endpoint, accessKey, hub string) *RestClient {
	return &RestClient{
		endpoint:  strings.TrimRight(endpoint, "/"),
		accessKey: []byte(accessKey),
		hub:       hub,
		client:    &http.Client{Timeout: restTimeout},
	}
}

func (c *RestClient) hubURL() string {
	return fmt.Sprintf("%s/api/v1/hubs/%s", c.endpoint, c.hub)
}

// token mints a JWT whose audience is the hub URL, valid for one hour.
func (c *RestClient) token(audience string) (string, error) {
	claims := jwt.MapClaims{
		"aud": audience,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(tokenTTL).Unix(),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(c.accessKey)
}

// Broadcast sends one event to every client on the hub.
func (c *RestClient) Broadcast(ctx context.Context, target string, payload any) error {
	body, err := json.Marshal(message{Target: target, Arguments: []any{payload}})
	if err != nil {
		return fmt.Errorf("realtime: marshal %s: %w", target, err)
	}

	url := c.hubURL()
	token, err := c.token(url)
	if err != nil {
		return fmt.Errorf("realtime: sign token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("realtime: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("realtime: post %s: %w", target, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("realtime: hub returned %d for %s", resp.StatusCode, target)
	}
	log.Debug().Str("target", target).Msg("hub event published")
	return nil
}

// NegotiatePayload is the response to a client connection negotiation: the
// client-facing hub URL and a token accepted at that URL.
type NegotiatePayload struct {
	URL         string `json:"url"`
	AccessToken string `json:"accessToken"`
}

// Negotiate mints connection credentials for a browser client.
func (c *RestClient) Negotiate() (*NegotiatePayload, error) {
	url := fmt.Sprintf("%s/client/?hub=%s", c.endpoint, c.hub)
	token, err := c.token(url)
	if err != nil {
		return nil, fmt.Errorf("realtime: sign negotiate token: %w", err)
	}
	return &NegotiatePayload{URL: url, AccessToken: token}, nil
}
