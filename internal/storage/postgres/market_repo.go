package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/spyflow/spyflow/internal/contract"
	"github.com/spyflow/spyflow/internal/metrics"
	"github.com/spyflow/spyflow/internal/storage"
)

// stateRowKey is the fixed row key of the single mutable session record.
const stateRowKey = "STATE"

type marketRepo struct {
	db      *sqlx.DB
	timeout time.Duration
	metrics *metrics.Registry
}

func (r *marketRepo) AppendTick(ctx context.Context, s contract.SpyMarketSnapshot) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ts := time.Unix(s.Timestamp, 0).UTC()
	query := `
		INSERT INTO spymarket (partition_key, row_key, ts, price, bid, ask, last, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (partition_key, row_key) DO UPDATE SET
			price = EXCLUDED.price,
			bid = EXCLUDED.bid,
			ask = EXCLUDED.ask,
			last = EXCLUDED.last,
			volume = EXCLUDED.volume`

	_, err := r.db.ExecContext(ctx, query,
		storage.Partition, storage.ReversedTick(ts), ts,
		s.Price, s.Bid, s.Ask, s.Last, s.Volume)
	if err != nil {
		r.metrics.StorageOps.WithLabelValues("append_tick", "error").Inc()
		return fmt.Errorf("append spy tick: %w", err)
	}
	r.metrics.StorageOps.WithLabelValues("append_tick", "success").Inc()
	return nil
}

type stateRow struct {
	PreviousClose float64  `db:"previous_close"`
	ATMCenter     int      `db:"atm_center"`
	ATMMin        int      `db:"atm_min"`
	ATMMax        int      `db:"atm_max"`
	MarketStatus  string   `db:"market_status"`
	DailyHigh     *float64 `db:"daily_high"`
	DailyLow      *float64 `db:"daily_low"`
	LastUpdated   string   `db:"last_updated"`
}

func (r *marketRepo) State(ctx context.Context) (*contract.MarketState, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT previous_close, atm_center, atm_min, atm_max, market_status,
		       daily_high, daily_low, last_updated
		FROM marketstate
		WHERE partition_key = $1 AND row_key = $2`

	var row stateRow
	err := r.db.GetContext(ctx, &row, query, storage.Partition, stateRowKey)
	if err == sql.ErrNoRows {
		r.metrics.StorageOps.WithLabelValues("query_state", "success").Inc()
		return nil, nil
	}
	if err != nil {
		r.metrics.StorageOps.WithLabelValues("query_state", "error").Inc()
		return nil, fmt.Errorf("query market state: %w", err)
	}
	r.metrics.StorageOps.WithLabelValues("query_state", "success").Inc()

	return &contract.MarketState{
		PreviousClose: row.PreviousClose,
		ATMCenter:     row.ATMCenter,
		ATMMin:        row.ATMMin,
		ATMMax:        row.ATMMax,
		MarketStatus:  row.MarketStatus,
		DailyHigh:     row.DailyHigh,
		DailyLow:      row.DailyLow,
		LastUpdated:   row.LastUpdated,
	}, nil
}

func (r *marketRepo) UpsertState(ctx context.Context, st contract.MarketState) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO marketstate (
			partition_key, row_key, previous_close, atm_center, atm_min,
			atm_max, market_status, daily_high, daily_low, last_updated
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (partition_key, row_key) DO UPDATE SET
			previous_close = EXCLUDED.previous_close,
			atm_center = EXCLUDED.atm_center,
			atm_min = EXCLUDED.atm_min,
			atm_max = EXCLUDED.atm_max,
			market_status = EXCLUDED.market_status,
			daily_high = EXCLUDED.daily_high,
			daily_low = EXCLUDED.daily_low,
			last_updated = EXCLUDED.last_updated`

	_, err := r.db.ExecContext(ctx, query,
		storage.Partition, stateRowKey,
		st.PreviousClose, st.ATMCenter, st.ATMMin, st.ATMMax,
		st.MarketStatus, st.DailyHigh, st.DailyLow, st.LastUpdated)
	if err != nil {
		r.metrics.StorageOps.WithLabelValues("upsert_state", "error").Inc()
		return fmt.Errorf("upsert market state: %w", err)
	}
	r.metrics.StorageOps.WithLabelValues("upsert_state", "success").Inc()
	return nil
}

// stateColumns whitelists the patchable state fields, keyed by wire name.
var stateColumns = map[string]string{
	"previous_close": "previous_close",
	"atm_center":     "atm_center",
	"atm_min":        "atm_min",
	"atm_max":        "atm_max",
	"market_status":  "market_status",
	"daily_high":     "daily_high",
	"daily_low":      "daily_low",
	"last_updated":   "last_updated",
}

func (r *marketRepo) PatchState(ctx context.Context, fields map[string]any) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	names := make([]string, 0, len(fields))
	for k := range fields {
		if _, ok := stateColumns[k]; ok {
			names = append(names, k)
		}
	}
	if len(names) == 0 {
		return nil, nil
	}
	sort.Strings(names)

	// Seed the row if it does not exist yet, then apply the sparse update.
	seed := `
		INSERT INTO marketstate (partition_key, row_key)
		VALUES ($1, $2)
		ON CONFLICT (partition_key, row_key) DO NOTHING`
	if _, err := r.db.ExecContext(ctx, seed, storage.Partition, stateRowKey); err != nil {
		r.metrics.StorageOps.WithLabelValues("patch_state", "error").Inc()
		return nil, fmt.Errorf("seed market state: %w", err)
	}

	sets := make([]string, 0, len(names))
	args := make([]any, 0, len(names)+2)
	args = append(args, storage.Partition, stateRowKey)
	for i, name := range names {
		sets = append(sets, fmt.Sprintf("%s = $%d", stateColumns[name], i+3))
		args = append(args, fields[name])
	}

	query := fmt.Sprintf(
		"UPDATE marketstate SET %s WHERE partition_key = $1 AND row_key = $2",
		strings.Join(sets, ", "))
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.metrics.StorageOps.WithLabelValues("patch_state", "error").Inc()
		return nil, fmt.Errorf("patch market state: %w", err)
	}
	r.metrics.StorageOps.WithLabelValues("patch_state", "success").Inc()
	return names, nil
}
