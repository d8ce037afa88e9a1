package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/spyflow/spyflow/internal/contract"
	"github.com/spyflow/spyflow/internal/metrics"
	"github.com/spyflow/spyflow/internal/storage"
)

type volumeRepo struct {
	db      *sqlx.DB
	timeout time.Duration
	metrics *metrics.Registry
}

type volumeRow struct {
	Timestamp        time.Time `db:"ts"`
	SpyPrice         float64   `db:"spy_price"`
	PreviousClose    float64   `db:"previous_close"`
	CallsVolumeATM   int64     `db:"calls_volume_atm"`
	PutsVolumeATM    int64     `db:"puts_volume_atm"`
	CallsVolumeDelta int64     `db:"calls_volume_delta"`
	PutsVolumeDelta  int64     `db:"puts_volume_delta"`
	ATMMin           float64   `db:"atm_min"`
	ATMMax           float64   `db:"atm_max"`
	CallsStrikes     int       `db:"calls_strikes"`
	PutsStrikes      int       `db:"puts_strikes"`
	SpyChangePct     *float64  `db:"spy_change_pct"`
}

func (r *volumeRepo) Insert(ctx context.Context, v contract.VolumeSnapshot) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO volumehistory (
			partition_key, row_key, ts, spy_price, previous_close,
			calls_volume_atm, puts_volume_atm, calls_volume_delta,
			puts_volume_delta, atm_min, atm_max, calls_strikes,
			puts_strikes, spy_change_pct
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (partition_key, row_key) DO NOTHING`

	_, err := r.db.ExecContext(ctx, query,
		storage.Partition, storage.ReversedTick(v.Timestamp), v.Timestamp,
		v.SpyPrice, v.PreviousClose,
		v.CallsVolumeATM, v.PutsVolumeATM, v.CallsVolumeDelta,
		v.PutsVolumeDelta, v.ATMRange.MinStrike, v.ATMRange.MaxStrike,
		v.StrikesCount.Calls, v.StrikesCount.Puts, v.SpyChangePct)
	if err != nil {
		r.metrics.StorageOps.WithLabelValues("insert_volume", "error").Inc()
		return fmt.Errorf("insert volume snapshot: %w", err)
	}
	r.metrics.StorageOps.WithLabelValues("insert_volume", "success").Inc()
	return nil
}

func (r *volumeRepo) History(ctx context.Context, window time.Duration) ([]contract.VolumeSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ts, spy_price, previous_close, calls_volume_atm,
		       puts_volume_atm, calls_volume_delta, puts_volume_delta,
		       atm_min, atm_max, calls_strikes, puts_strikes, spy_change_pct
		FROM volumehistory
		WHERE partition_key = $1 AND ts >= $2
		ORDER BY row_key ASC`

	var rows []volumeRow
	since := time.Now().UTC().Add(-window)
	if err := r.db.SelectContext(ctx, &rows, query, storage.Partition, since); err != nil {
		r.metrics.StorageOps.WithLabelValues("query_volumes", "error").Inc()
		return nil, fmt.Errorf("query volume history: %w", err)
	}
	r.metrics.StorageOps.WithLabelValues("query_volumes", "success").Inc()

	out := make([]contract.VolumeSnapshot, 0, len(rows))
	for _, row := range rows {
		out = append(out, contract.VolumeSnapshot{
			Timestamp:        row.Timestamp,
			SpyPrice:         row.SpyPrice,
			PreviousClose:    row.PreviousClose,
			CallsVolumeATM:   row.CallsVolumeATM,
			PutsVolumeATM:    row.PutsVolumeATM,
			CallsVolumeDelta: row.CallsVolumeDelta,
			PutsVolumeDelta:  row.PutsVolumeDelta,
			ATMRange:         contract.StrikeRange{MinStrike: row.ATMMin, MaxStrike: row.ATMMax},
			StrikesCount:     contract.StrikeCounts{Calls: row.CallsStrikes, Puts: row.PutsStrikes},
			SpyChangePct:     row.SpyChangePct,
		})
	}
	return out, nil
}

type flowRepo struct {
	db      *sqlx.DB
	timeout time.Duration
	metrics *metrics.Registry
}

type flowRow struct {
	Timestamp   time.Time `db:"ts"`
	CumCallFlow float64   `db:"cum_call_flow"`
	CumPutFlow  float64   `db:"cum_put_flow"`
	NetFlow     float64   `db:"net_flow"`
}

func (r *flowRepo) Insert(ctx context.Context, f contract.FlowSnapshot) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ts := time.Unix(f.Timestamp, 0).UTC()
	query := `
		INSERT INTO flowhistory (
			partition_key, row_key, ts, cum_call_flow, cum_put_flow, net_flow
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (partition_key, row_key) DO UPDATE SET
			cum_call_flow = EXCLUDED.cum_call_flow,
			cum_put_flow = EXCLUDED.cum_put_flow,
			net_flow = EXCLUDED.net_flow`

	_, err := r.db.ExecContext(ctx, query,
		storage.Partition, storage.ReversedTick(ts), ts,
		f.CumCallFlow, f.CumPutFlow, f.NetFlow)
	if err != nil {
		r.metrics.StorageOps.WithLabelValues("insert_flow", "error").Inc()
		return fmt.Errorf("insert flow snapshot: %w", err)
	}
	r.metrics.StorageOps.WithLabelValues("insert_flow", "success").Inc()
	return nil
}

func (r *flowRepo) History(ctx context.Context, window time.Duration) ([]contract.FlowSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ts, cum_call_flow, cum_put_flow, net_flow
		FROM flowhistory
		WHERE partition_key = $1 AND ts >= $2
		ORDER BY row_key ASC`

	var rows []flowRow
	since := time.Now().UTC().Add(-window)
	if err := r.db.SelectContext(ctx, &rows, query, storage.Partition, since); err != nil {
		r.metrics.StorageOps.WithLabelValues("query_flows", "error").Inc()
		return nil, fmt.Errorf("query flow history: %w", err)
	}
	r.metrics.StorageOps.WithLabelValues("query_flows", "success").Inc()

	out := make([]contract.FlowSnapshot, 0, len(rows))
	for _, row := range rows {
		out = append(out, contract.FlowSnapshot{
			Timestamp:   row.Timestamp.Unix(),
			CumCallFlow: row.CumCallFlow,
			CumPutFlow:  row.CumPutFlow,
			NetFlow:     row.NetFlow,
		})
	}
	return out, nil
}
