package gateway

import (
	"context"
	"errors"
	"hash/fnv"
	"os"

	"github.com/spyflow/spyflow/internal/domain"
)

// ErrNotConnected is returned by gateway operations before Connect succeeds
// or after the session drops.
var ErrNotConnected = errors.New("gateway: not connected")

// ErrNoSuchContract is returned by Qualify when the broker does not list the
// requested contract. The subscription manager drops such strikes silently.
var ErrNoSuchContract = errors.New("gateway: contract does not exist")

// Quote is a raw per-contract observation as the broker reports it. Prices
// may be NaN when no market data has arrived yet; the subscription manager
// normalizes them.
type Quote struct {
	Bid          float64
	Ask          float64
	Last         float64
	Volume       int64
	OpenInterest int64
}

// Contract is a broker-qualified option contract.
type Contract struct {
	Symbol string
	Expiry string // YYYYMMDD, always the current trading date for 0-DTE
	Strike int
	Side   domain.Side
}

func (c Contract) Key() domain.ContractKey {
	return domain.ContractKey{Strike: c.Strike, Side: c.Side}
}

// Subscription is an opaque live market-data stream handle, owned by the
// broker client. Quote returns the most recent observation.
type Subscription interface {
	Contract() Contract
	Quote() Quote
}

// Gateway is the boundary to the broker. Implementations speak the broker's
// wire protocol; everything in this repository programs against the
// interface. The connection is single-writer: only the scan loop issues
// requests on it.
type Gateway interface {
	Connect(ctx context.Context) error
	Close() error
	IsConnected() bool

	// UnderlyingPrice returns the current SPY price.
	UnderlyingPrice(ctx context.Context) (float64, error)
	// PreviousClose returns the prior session's closing price.
	PreviousClose(ctx context.Context) (float64, error)

	// Qualify resolves a contract against the broker's symbol database.
	Qualify(ctx context.Context, expiry string, strike int, side domain.Side) (Contract, error)
	// Subscribe opens a market-data stream for a qualified contract.
	Subscribe(ctx context.Context, c Contract) (Subscription, error)
	// Cancel tears down a subscription.
	Cancel(ctx context.Context, sub Subscription) error
}

// DeriveClientID produces a stable broker client id from the hostname, so
// replicas of the detector never collide on the shared gateway.
func DeriveClientID() int {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "detector-0"
	}
	h := fnv.New32a()
	h.Write([]byte(host))
	return int(h.Sum32() % 1000)
}
