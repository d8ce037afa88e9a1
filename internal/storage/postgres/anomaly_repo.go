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

type anomalyRepo struct {
	db      *sqlx.DB
	timeout time.Duration
	metrics *metrics.Registry
}

type anomalyRow struct {
	Timestamp        time.Time `db:"ts"`
	Strike           float64   `db:"strike"`
	OptionType       string    `db:"option_type"`
	Bid              float64   `db:"bid"`
	Ask              float64   `db:"ask"`
	MidPrice         float64   `db:"mid_price"`
	ExpectedPrice    float64   `db:"expected_price"`
	DeviationPercent float64   `db:"deviation_percent"`
	ZScore           float64   `db:"z_score"`
	Volume           int64     `db:"volume"`
	OpenInterest     int64     `db:"open_interest"`
	Severity         string    `db:"severity"`
}

func (r *anomalyRepo) Upsert(ctx context.Context, a contract.Anomaly) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO anomalies (
			partition_key, row_key, ts, strike, option_type, bid, ask,
			mid_price, expected_price, deviation_percent, z_score,
			volume, open_interest, severity
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (partition_key, row_key) DO UPDATE SET
			bid = EXCLUDED.bid,
			ask = EXCLUDED.ask,
			mid_price = EXCLUDED.mid_price,
			expected_price = EXCLUDED.expected_price,
			deviation_percent = EXCLUDED.deviation_percent,
			z_score = EXCLUDED.z_score,
			volume = EXCLUDED.volume,
			open_interest = EXCLUDED.open_interest,
			severity = EXCLUDED.severity`

	_, err := r.db.ExecContext(ctx, query,
		storage.Partition, storage.AnomalyRowKey(a), a.Timestamp,
		a.Strike, a.OptionType, a.Bid, a.Ask,
		a.MidPrice, a.ExpectedPrice, a.DeviationPercent, a.ZScore,
		a.Volume, a.OpenInterest, a.Severity)
	if err != nil {
		r.metrics.StorageOps.WithLabelValues("upsert_anomaly", "error").Inc()
		return fmt.Errorf("upsert anomaly: %w", err)
	}
	r.metrics.StorageOps.WithLabelValues("upsert_anomaly", "success").Inc()
	return nil
}

func (r *anomalyRepo) Recent(ctx context.Context, limit int, since time.Time) ([]contract.Anomaly, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ts, strike, option_type, bid, ask, mid_price, expected_price,
		       deviation_percent, z_score, volume, open_interest, severity
		FROM anomalies
		WHERE partition_key = $1 AND ts >= $2
		ORDER BY ts DESC
		LIMIT $3`

	var rows []anomalyRow
	if err := r.db.SelectContext(ctx, &rows, query, storage.Partition, since, limit); err != nil {
		r.metrics.StorageOps.WithLabelValues("query_anomalies", "error").Inc()
		return nil, fmt.Errorf("query anomalies: %w", err)
	}
	r.metrics.StorageOps.WithLabelValues("query_anomalies", "success").Inc()

	out := make([]contract.Anomaly, 0, len(rows))
	for _, row := range rows {
		out = append(out, contract.Anomaly{
			Timestamp:        row.Timestamp,
			Symbol:           storage.Partition,
			Strike:           row.Strike,
			OptionType:       row.OptionType,
			Bid:              row.Bid,
			Ask:              row.Ask,
			MidPrice:         row.MidPrice,
			ExpectedPrice:    row.ExpectedPrice,
			DeviationPercent: row.DeviationPercent,
			ZScore:           row.ZScore,
			Volume:           row.Volume,
			OpenInterest:     row.OpenInterest,
			Severity:         row.Severity,
		})
	}
	return out, nil
}
