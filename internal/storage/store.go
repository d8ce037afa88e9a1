package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/spyflow/spyflow/internal/contract"
)

// The store models a partitioned key/value table service: every row lives
// under a (partition_key, row_key) pair, upserts are atomic per partition
// key, and rows sort by row key within a partition.

// Partition is the single partition used for all SPY tables.
const Partition = "SPY"

// maxTick is the reversed-timestamp base: row keys for history tables are
// maxTick - unix_millis, so the backend's natural ascending key order is
// newest-first.
const maxTick int64 = 9999999999999

// ReversedTick builds a newest-first row key from an instant.
func ReversedTick(t time.Time) string {
	return fmt.Sprintf("%013d", maxTick-t.UnixMilli())
}

// AnomalyRowKey builds the deterministic upsert key for an anomaly.
func AnomalyRowKey(a contract.Anomaly) string {
	return fmt.Sprintf("%d_%g_%s", a.Timestamp.UnixMilli(), a.Strike, a.OptionType)
}

// AnomalyRepo persists detector anomalies (table "anomalies").
type AnomalyRepo interface {
	// Upsert writes an anomaly under its deterministic row key; writing the
	// same key twice replaces the row.
	Upsert(ctx context.Context, a contract.Anomaly) error
	// Recent returns up to limit anomalies with timestamp >= since, newest
	// first.
	Recent(ctx context.Context, limit int, since time.Time) ([]contract.Anomaly, error)
}

// VolumeRepo persists per-scan volume snapshots (table "volumehistory").
type VolumeRepo interface {
	Insert(ctx context.Context, v contract.VolumeSnapshot) error
	// History returns snapshots from the trailing window, newest first.
	History(ctx context.Context, window time.Duration) ([]contract.VolumeSnapshot, error)
}

// FlowRepo persists flow snapshots (table "flowhistory").
type FlowRepo interface {
	Insert(ctx context.Context, f contract.FlowSnapshot) error
	History(ctx context.Context, window time.Duration) ([]contract.FlowSnapshot, error)
}

// MarketRepo persists underlying ticks (append-only table "spymarket") and
// the single-row mutable market state (table "marketstate").
type MarketRepo interface {
	AppendTick(ctx context.Context, s contract.SpyMarketSnapshot) error
	State(ctx context.Context) (*contract.MarketState, error)
	// UpsertState writes the full state row, creating it on first write.
	UpsertState(ctx context.Context, st contract.MarketState) error
	// PatchState applies a sparse field update and returns the names of the
	// fields it changed.
	PatchState(ctx context.Context, fields map[string]any) ([]string, error)
}

// Store aggregates the table repositories.
type Store struct {
	Anomalies AnomalyRepo
	Volumes   VolumeRepo
	Flows     FlowRepo
	Market    MarketRepo
}
