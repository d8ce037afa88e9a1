package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/spyflow/spyflow/internal/metrics"
	"github.com/spyflow/spyflow/internal/storage"
)

const defaultTimeout = 5 * time.Second

// schema creates the partitioned K/V tables on first connect, mirroring the
// table service's create-if-not-exists behavior.
const schema = `
CREATE TABLE IF NOT EXISTS anomalies (
    partition_key     TEXT NOT NULL,
    row_key           TEXT NOT NULL,
    ts                TIMESTAMPTZ NOT NULL,
    strike            DOUBLE PRECISION NOT NULL,
    option_type       TEXT NOT NULL,
    bid               DOUBLE PRECISION NOT NULL,
    ask               DOUBLE PRECISION NOT NULL,
    mid_price         DOUBLE PRECISION NOT NULL,
    expected_price    DOUBLE PRECISION NOT NULL,
    deviation_percent DOUBLE PRECISION NOT NULL,
    z_score           DOUBLE PRECISION NOT NULL,
    volume            BIGINT NOT NULL,
    open_interest     BIGINT NOT NULL,
    severity          TEXT NOT NULL,
    PRIMARY KEY (partition_key, row_key)
);
CREATE INDEX IF NOT EXISTS anomalies_ts_idx ON anomalies (ts DESC);

CREATE TABLE IF NOT EXISTS volumehistory (
    partition_key      TEXT NOT NULL,
    row_key            TEXT NOT NULL,
    ts                 TIMESTAMPTZ NOT NULL,
    spy_price          DOUBLE PRECISION NOT NULL,
    previous_close     DOUBLE PRECISION NOT NULL,
    calls_volume_atm   BIGINT NOT NULL,
    puts_volume_atm    BIGINT NOT NULL,
    calls_volume_delta BIGINT NOT NULL,
    puts_volume_delta  BIGINT NOT NULL,
    atm_min            DOUBLE PRECISION NOT NULL,
    atm_max            DOUBLE PRECISION NOT NULL,
    calls_strikes      INT NOT NULL,
    puts_strikes       INT NOT NULL,
    spy_change_pct     DOUBLE PRECISION,
    PRIMARY KEY (partition_key, row_key)
);
CREATE INDEX IF NOT EXISTS volumehistory_ts_idx ON volumehistory (ts DESC);

CREATE TABLE IF NOT EXISTS flowhistory (
    partition_key TEXT NOT NULL,
    row_key       TEXT NOT NULL,
    ts            TIMESTAMPTZ NOT NULL,
    cum_call_flow DOUBLE PRECISION NOT NULL,
    cum_put_flow  DOUBLE PRECISION NOT NULL,
    net_flow      DOUBLE PRECISION NOT NULL,
    PRIMARY KEY (partition_key, row_key)
);
CREATE INDEX IF NOT EXISTS flowhistory_ts_idx ON flowhistory (ts DESC);

CREATE TABLE IF NOT EXISTS spymarket (
    partition_key TEXT NOT NULL,
    row_key       TEXT NOT NULL,
    ts            TIMESTAMPTZ NOT NULL,
    price         DOUBLE PRECISION NOT NULL,
    bid           DOUBLE PRECISION,
    ask           DOUBLE PRECISION,
    last          DOUBLE PRECISION,
    volume        BIGINT,
    PRIMARY KEY (partition_key, row_key)
);

CREATE TABLE IF NOT EXISTS marketstate (
    partition_key  TEXT NOT NULL,
    row_key        TEXT NOT NULL,
    previous_close DOUBLE PRECISION NOT NULL DEFAULT 0,
    atm_center     INT NOT NULL DEFAULT 0,
    atm_min        INT NOT NULL DEFAULT 0,
    atm_max        INT NOT NULL DEFAULT 0,
    market_status  TEXT NOT NULL DEFAULT 'CLOSED',
    daily_high     DOUBLE PRECISION,
    daily_low      DOUBLE PRECISION,
    last_updated   TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (partition_key, row_key)
);
`

// Open connects, ensures the tables exist, and returns the assembled store.
func Open(ctx context.Context, dsn string, m *metrics.Registry) (*storage.Store, *sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		m.StorageOps.WithLabelValues("connect", "error").Inc()
		return nil, nil, fmt.Errorf("connect storage: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		m.StorageOps.WithLabelValues("migrate", "error").Inc()
		return nil, nil, fmt.Errorf("create tables: %w", err)
	}
	m.StorageOps.WithLabelValues("connect", "success").Inc()
	log.Info().Msg("storage connected, tables ensured")

	store := &storage.Store{
		Anomalies: &anomalyRepo{db: db, timeout: defaultTimeout, metrics: m},
		Volumes:   &volumeRepo{db: db, timeout: defaultTimeout, metrics: m},
		Flows:     &flowRepo{db: db, timeout: defaultTimeout, metrics: m},
		Market:    &marketRepo{db: db, timeout: defaultTimeout, metrics: m},
	}
	return store, db, nil
}
