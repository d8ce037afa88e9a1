package scan

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spyflow/spyflow/internal/backend"
	"github.com/spyflow/spyflow/internal/config"
	"github.com/spyflow/spyflow/internal/contract"
	"github.com/spyflow/spyflow/internal/detect"
	"github.com/spyflow/spyflow/internal/domain"
	"github.com/spyflow/spyflow/internal/flow"
	"github.com/spyflow/spyflow/internal/gateway"
	"github.com/spyflow/spyflow/internal/hours"
	"github.com/spyflow/spyflow/internal/metrics"
	"github.com/spyflow/spyflow/internal/subs"
	"github.com/spyflow/spyflow/internal/volume"
)

// maxIdleSleep caps the off-hours sleep so calendar or clock changes are
// picked up within five minutes.
const maxIdleSleep = 300 * time.Second

// Loop is the detector's main cycle: gate on market hours, keep the gateway
// connected, shift the subscription window to the underlying, detect
// anomalies, aggregate volume and flow, and push everything to the ingress.
type Loop struct {
	cfg      *config.Config
	gate     *hours.Gate
	gw       gateway.Gateway
	sup      *gateway.Supervisor
	subs     *subs.Manager
	detector *detect.Detector
	flows    *flow.Aggregator
	buckets  *flow.Bucketer
	volumes  *volume.Tracker
	client   *backend.Client
	metrics  *metrics.Registry

	sessionDate   string
	previousClose float64
	lastStatus    domain.MarketStatus
}

// New assembles a loop from already-constructed collaborators.
func New(cfg *config.Config, gate *hours.Gate, gw gateway.Gateway, sup *gateway.Supervisor,
	mgr *subs.Manager, det *detect.Detector, client *backend.Client, m *metrics.Registry) *Loop {
	return &Loop{
		cfg:      cfg,
		gate:     gate,
		gw:       gw,
		sup:      sup,
		subs:     mgr,
		detector: det,
		flows:    flow.NewAggregator(),
		buckets:  flow.NewBucketer(),
		volumes:  volume.NewTracker(),
		client:   client,
		metrics:  m,
	}
}

// Run drives scan cycles until ctx is canceled, then tears down in order:
// cancel subscriptions, flush the open flow bucket, close the gateway.
func (l *Loop) Run(ctx context.Context) error {
	log.Info().Dur("interval", l.cfg.ScanInterval).Msg("scan loop starting")
	defer l.shutdown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		now := time.Now()
		l.syncStatus(ctx, now)

		if !l.gate.IsActive(now) {
			if err := l.idle(ctx, now); err != nil {
				return err
			}
			continue
		}

		l.rollSession(now)
		if err := l.sup.EnsureConnected(ctx); err != nil {
			return err
		}

		start := time.Now()
		l.cycle(ctx, now)
		l.metrics.RecordScan(time.Since(start))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.cfg.ScanInterval):
		}
	}
}

// idle sleeps toward the next active window, bounded at five minutes.
func (l *Loop) idle(ctx context.Context, now time.Time) error {
	wait := time.Duration(l.gate.SecondsUntilActive(now)) * time.Second
	if wait > maxIdleSleep {
		wait = maxIdleSleep
	}
	if wait <= 0 {
		wait = time.Second
	}
	log.Debug().Dur("sleep", wait).Msg("market inactive")
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

// rollSession resets per-session accumulators when the trading date changes.
func (l *Loop) rollSession(now time.Time) {
	date := l.gate.SessionDate(now)
	if date == l.sessionDate {
		return
	}
	if l.sessionDate != "" {
		log.Info().Str("from", l.sessionDate).Str("to", date).Msg("session rollover")
	}
	l.sessionDate = date
	l.previousClose = 0
	l.flows.Reset()
	l.volumes.Reset()
	l.buckets = flow.NewBucketer()
}

// syncStatus pushes the market status to the ingress when it changes.
func (l *Loop) syncStatus(ctx context.Context, now time.Time) {
	status := l.gate.MarketStatus(now)
	if status == l.lastStatus {
		return
	}
	l.lastStatus = status
	err := l.client.PatchMarketState(ctx, map[string]any{
		"market_status": string(status),
		"last_updated":  now.UTC().Format(time.RFC3339),
	})
	if err != nil {
		log.Warn().Err(err).Str("status", string(status)).Msg("market status update failed")
	}
}

// cycle runs one full scan. Failures are recorded and the loop continues; a
// panic from any stage is contained to the cycle.
func (l *Loop) cycle(ctx context.Context, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			l.metrics.RecordScanError("panic")
			log.Error().Interface("panic", r).Msg("scan cycle panicked")
		}
	}()

	price, err := l.gw.UnderlyingPrice(ctx)
	if err != nil {
		l.metrics.RecordScanError("underlying_price")
		l.sup.MarkDisconnected()
		return
	}
	l.metrics.UnderlyingPrice.Set(price)

	l.ensurePreviousClose(ctx)
	l.pushTick(ctx, now, price)

	snap, err := l.subs.Reconcile(ctx, price)
	if err != nil {
		l.metrics.RecordScanError("reconcile")
		return
	}
	l.metrics.SubscriptionsActive.Set(float64(l.subs.ActiveCount()))

	// Patch the persisted window from the reconciled snapshot so it always
	// matches what is actually subscribed.
	l.pushWindowState(ctx, now, price, snap.Window)

	rows := snap.Tradeable()
	if len(rows) == 0 {
		log.Debug().Int("quotes", len(snap.Quotes)).Msg("no tradeable quotes, skipping cycle")
		return
	}

	l.detect(ctx, snap, rows)
	l.pushVolume(ctx, snap)
	l.pushFlow(ctx, now, snap)
}

// ensurePreviousClose captures the prior session close once per session and
// forwards it so change-vs-close can be derived downstream.
func (l *Loop) ensurePreviousClose(ctx context.Context) {
	if l.previousClose > 0 {
		return
	}
	pc, err := l.gw.PreviousClose(ctx)
	if err != nil || pc <= 0 {
		return
	}
	l.previousClose = pc
	err = l.client.PatchMarketState(ctx, map[string]any{
		"previous_close": pc,
		"last_updated":   time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		log.Warn().Err(err).Msg("previous close update failed")
	}
}

func (l *Loop) pushTick(ctx context.Context, now time.Time, price float64) {
	tick := contract.SpyMarketSnapshot{Timestamp: now.Unix(), Price: price}
	if err := l.client.PostSpyTick(ctx, tick); err != nil {
		l.metrics.RecordScanError("post_tick")
	}
}

func (l *Loop) pushWindowState(ctx context.Context, now time.Time, price float64, window domain.Window) {
	err := l.client.PatchMarketState(ctx, map[string]any{
		"atm_center":   domain.ATMStrike(price),
		"atm_min":      window.Min,
		"atm_max":      window.Max,
		"last_updated": now.UTC().Format(time.RFC3339),
	})
	if err != nil {
		l.metrics.RecordScanError("post_state")
	}
}

func (l *Loop) detect(ctx context.Context, snap domain.ChainSnapshot, rows []domain.OptionQuote) {
	anomalies := l.detector.Detect(rows, snap.UnderlyingPrice, snap.Timestamp)
	if len(anomalies) == 0 {
		return
	}

	batch := contract.AnomaliesBatch{
		Count:     len(anomalies),
		Anomalies: make([]contract.Anomaly, 0, len(anomalies)),
		LastScan:  &snap.Timestamp,
	}
	for _, a := range anomalies {
		batch.Anomalies = append(batch.Anomalies, contract.FromDomain(a, "SPY"))
		l.metrics.AnomaliesDetected.WithLabelValues(string(a.Severity)).Inc()
	}
	log.Info().Int("count", len(anomalies)).Msg("anomalies detected")

	if err := l.client.PostAnomalies(ctx, batch); err != nil {
		l.metrics.RecordScanError("post_anomalies")
	}
}

func (l *Loop) pushVolume(ctx context.Context, snap domain.ChainSnapshot) {
	totals := volume.AggregateATM(snap.Quotes, snap.Window)
	callDelta, putDelta := l.volumes.Deltas(totals.Calls, totals.Puts)

	v := contract.VolumeSnapshot{
		Timestamp:        snap.Timestamp,
		SpyPrice:         snap.UnderlyingPrice,
		PreviousClose:    l.previousClose,
		CallsVolumeATM:   totals.Calls,
		PutsVolumeATM:    totals.Puts,
		CallsVolumeDelta: callDelta,
		PutsVolumeDelta:  putDelta,
		ATMRange: contract.StrikeRange{
			MinStrike: float64(snap.Window.Min),
			MaxStrike: float64(snap.Window.Max),
		},
		StrikesCount: contract.StrikeCounts{
			Calls: totals.CallStrikes,
			Puts:  totals.PutStrikes,
		},
	}
	if err := l.client.PostVolume(ctx, v); err != nil {
		l.metrics.RecordScanError("post_volume")
	}
}

// pushFlow folds every quote through the signed-flow aggregator and emits a
// cumulative snapshot whenever a one-second bucket closes.
func (l *Loop) pushFlow(ctx context.Context, now time.Time, snap domain.ChainSnapshot) {
	var closed *flow.Bucket
	for _, q := range snap.Quotes {
		callContrib, putContrib := l.flows.Tick(q)
		if b := l.buckets.Add(now, callContrib, putContrib); b != nil {
			closed = b
		}
	}
	if closed == nil {
		return
	}
	l.postFlowSnapshot(ctx, closed.Second)
}

func (l *Loop) postFlowSnapshot(ctx context.Context, second time.Time) {
	call, put, net := l.flows.Cumulative()
	f := contract.FlowSnapshot{
		Timestamp:   second.Unix(),
		CumCallFlow: call,
		CumPutFlow:  put,
		NetFlow:     net,
	}
	if err := l.client.PostFlow(ctx, f); err != nil {
		l.metrics.RecordScanError("post_flow")
	}
}

// shutdown tears down in dependency order with a bounded deadline.
func (l *Loop) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	l.subs.CancelAll(ctx)
	if b := l.buckets.Flush(); b != nil {
		l.postFlowSnapshot(ctx, b.Second)
	}
	if err := l.gw.Close(); err != nil {
		log.Warn().Err(err).Msg("gateway close failed")
	}
	log.Info().Msg("scan loop stopped")
}

// Describe summarizes the loop's static configuration for startup logging.
func (l *Loop) Describe() string {
	return fmt.Sprintf("interval=%s threshold=%.2f", l.cfg.ScanInterval, l.cfg.AnomalyThreshold)
}
