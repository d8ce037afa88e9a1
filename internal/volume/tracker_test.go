package volume

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/spyflow/spyflow/internal/domain"
)

func TestAggregateATM_SumsInsideWindowOnly(t *testing.T) {
	window := domain.Window{Min: 495, Max: 505}
	quotes := []domain.OptionQuote{
		{Strike: 495, Side: domain.Call, Volume: 100},
		{Strike: 500, Side: domain.Call, Volume: 200},
		{Strike: 505, Side: domain.Put, Volume: 300},
		{Strike: 494, Side: domain.Call, Volume: 999}, // outside
		{Strike: 506, Side: domain.Put, Volume: 999},  // outside
	}

	totals := AggregateATM(quotes, window)
	assert.Equal(t, int64(300), totals.Calls)
	assert.Equal(t, int64(300), totals.Puts)
	assert.Equal(t, 2, totals.CallStrikes)
	assert.Equal(t, 1, totals.PutStrikes)
}

func TestTracker_FirstScanReportsZero(t *testing.T) {
	tr := NewTracker()
	callDelta, putDelta := tr.Deltas(1_000_000, 900_000)
	assert.Zero(t, callDelta)
	assert.Zero(t, putDelta)
}

func TestTracker_DeltaClampedAtZero(t *testing.T) {
	tr := NewTracker()
	tr.Deltas(1_000_000, 900_000)

	// The window shifted and strikes left it: the aggregate shrank without
	// any volume trading.
	callDelta, putDelta := tr.Deltas(950_000, 930_000)
	assert.Zero(t, callDelta)
	assert.Equal(t, int64(30_000), putDelta)
}

func TestTracker_NormalIncrements(t *testing.T) {
	tr := NewTracker()
	tr.Deltas(100, 50)
	callDelta, putDelta := tr.Deltas(180, 90)
	assert.Equal(t, int64(80), callDelta)
	assert.Equal(t, int64(40), putDelta)
}

func TestTracker_ResetRearmsFirstScan(t *testing.T) {
	tr := NewTracker()
	tr.Deltas(100, 50)
	tr.Reset()

	callDelta, putDelta := tr.Deltas(500, 400)
	assert.Zero(t, callDelta)
	assert.Zero(t, putDelta)
}
