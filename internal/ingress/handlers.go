package ingress

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spyflow/spyflow/internal/cache"
	"github.com/spyflow/spyflow/internal/contract"
	"github.com/spyflow/spyflow/internal/metrics"
	"github.com/spyflow/spyflow/internal/realtime"
	"github.com/spyflow/spyflow/internal/sink"
	"github.com/spyflow/spyflow/internal/storage"
)

const (
	// anomalyLookback bounds the recent-anomalies query window.
	anomalyLookback = 4 * time.Hour
	// publicDelay is how far behind live data the unauthenticated feed runs.
	publicDelay = 15 * time.Minute

	defaultAnomalyLimit   = 50
	maxAnomalyLimit       = 100
	maxPublicLimit        = 500
	defaultHistoryHours   = 24
	maxHistoryHours       = 120
	defaultDashboardLimit = 100
	maxDashboardLimit     = 500

	// replayPace spaces replayed events at roughly two per second.
	replayPace = 500 * time.Millisecond
)

// Handlers implements every API endpoint.
type Handlers struct {
	store   *storage.Store
	sink    *sink.Sink
	cache   *cache.Cache
	rest    *realtime.RestClient
	hub     *realtime.LocalHub
	metrics *metrics.Registry
	started time.Time
}

func NewHandlers(store *storage.Store, snk *sink.Sink, c *cache.Cache,
	rest *realtime.RestClient, hub *realtime.LocalHub, m *metrics.Registry) *Handlers {
	return &Handlers{
		store:   store,
		sink:    snk,
		cache:   c,
		rest:    rest,
		hub:     hub,
		metrics: m,
		started: time.Now().UTC(),
	}
}

// Root describes the service.
func (h *Handlers) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "spyflow-ingress",
		"status":  "running",
		"hub":     realtime.HubName,
		"endpoints": []string{
			"/health", "/metrics", "/anomalies", "/anomalies/public",
			"/volumes/snapshot", "/volumes", "/flow/snapshot", "/flow",
			"/api/market/state", "/market/state", "/spy-market",
			"/negotiate", "/dashboard/snapshot", "/replay", "/ws",
		},
	})
}

// Health reports liveness and uptime.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"service":        "spyflow-ingress",
		"version":        "v1.2.0",
		"ts":             time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": int(time.Since(h.started).Seconds()),
	})
}

// GetAnomalies returns recent anomalies, newest first.
func (h *Handlers) GetAnomalies(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultAnomalyLimit, 1, maxAnomalyLimit)
	key := h.cache.VersionedKey(r.Context(), "anomalies", strconv.Itoa(limit))

	var cached []contract.Anomaly
	if err := h.cache.Get(r.Context(), key, &cached); err == nil {
		h.metrics.AnomaliesCurrent.Set(float64(len(cached)))
		writeJSON(w, http.StatusOK, anomaliesResponse(cached))
		return
	}

	since := time.Now().UTC().Add(-anomalyLookback)
	rows, err := h.store.Anomalies.Recent(r.Context(), limit, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	h.cache.Set(r.Context(), key, rows)
	h.metrics.AnomaliesCurrent.Set(float64(len(rows)))
	writeJSON(w, http.StatusOK, anomaliesResponse(rows))
}

// GetAnomaliesPublic serves the same feed delayed by fifteen minutes. The
// public limit range is wider than the live endpoint's.
func (h *Handlers) GetAnomaliesPublic(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultAnomalyLimit, 1, maxPublicLimit)
	since := time.Now().UTC().Add(-anomalyLookback)
	rows, err := h.store.Anomalies.Recent(r.Context(), maxPublicLimit, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	cutoff := time.Now().UTC().Add(-publicDelay)
	delayed := make([]contract.Anomaly, 0, len(rows))
	for _, a := range rows {
		if !a.Timestamp.After(cutoff) {
			delayed = append(delayed, a)
		}
		if len(delayed) == limit {
			break
		}
	}
	resp := anomaliesResponse(delayed)
	resp["delayed_minutes"] = int(publicDelay.Minutes())
	writeJSON(w, http.StatusOK, resp)
}

// PostAnomalies ingests one scan's anomaly batch.
func (h *Handlers) PostAnomalies(w http.ResponseWriter, r *http.Request) {
	var batch contract.AnomaliesBatch
	if err := decodeJSON(r, &batch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := batch.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	saved := 0
	for _, a := range batch.Anomalies {
		if err := h.sink.SaveAnomaly(r.Context(), a); err != nil {
			log.Error().Err(err).Float64("strike", a.Strike).Msg("anomaly persist failed")
			continue
		}
		h.metrics.AnomaliesDetected.WithLabelValues(a.Severity).Inc()
		saved++
	}
	h.cache.Bump(r.Context(), "anomalies")

	status := http.StatusOK
	if saved < batch.Count {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, map[string]any{"status": "saved", "count": saved})
}

// GetVolumes returns the trailing volume history.
func (h *Handlers) GetVolumes(w http.ResponseWriter, r *http.Request) {
	hours := queryInt(r, "hours", defaultHistoryHours, 1, maxHistoryHours)
	key := h.cache.VersionedKey(r.Context(), "volumes", strconv.Itoa(hours))

	var cached []contract.VolumeSnapshot
	if err := h.cache.Get(r.Context(), key, &cached); err == nil {
		writeJSON(w, http.StatusOK, historyResponse(hours, len(cached), cached))
		return
	}

	rows, err := h.store.Volumes.History(r.Context(), time.Duration(hours)*time.Hour)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	h.cache.Set(r.Context(), key, rows)
	writeJSON(w, http.StatusOK, historyResponse(hours, len(rows), rows))
}

// PostVolume ingests one ATM volume snapshot. The change-vs-close percentage
// is computed here, exactly once, from the persisted previous close.
func (h *Handlers) PostVolume(w http.ResponseWriter, r *http.Request) {
	var snap contract.VolumeSnapshot
	if err := decodeJSON(r, &snap); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := snap.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if snap.SpyChangePct == nil {
		if st, err := h.store.Market.State(r.Context()); err == nil && st != nil && st.PreviousClose > 0 {
			pct := (snap.SpyPrice - st.PreviousClose) / st.PreviousClose * 100
			snap.SpyChangePct = &pct
			snap.PreviousClose = st.PreviousClose
		}
	}

	if err := h.sink.SaveVolume(r.Context(), snap); err != nil {
		writeError(w, http.StatusInternalServerError, "persist failed")
		return
	}
	h.cache.Bump(r.Context(), "volumes")
	writeJSON(w, http.StatusOK, map[string]any{"status": "saved", "ts": snap.Timestamp})
}

// GetFlow returns the trailing flow history.
func (h *Handlers) GetFlow(w http.ResponseWriter, r *http.Request) {
	hours := queryInt(r, "hours", defaultHistoryHours, 1, maxHistoryHours)
	key := h.cache.VersionedKey(r.Context(), "flow", strconv.Itoa(hours))

	var cached []contract.FlowSnapshot
	if err := h.cache.Get(r.Context(), key, &cached); err == nil {
		writeJSON(w, http.StatusOK, historyResponse(hours, len(cached), cached))
		return
	}

	rows, err := h.store.Flows.History(r.Context(), time.Duration(hours)*time.Hour)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	h.cache.Set(r.Context(), key, rows)
	writeJSON(w, http.StatusOK, historyResponse(hours, len(rows), rows))
}

// PostFlow ingests one cumulative flow snapshot.
func (h *Handlers) PostFlow(w http.ResponseWriter, r *http.Request) {
	var snap contract.FlowSnapshot
	if err := decodeJSON(r, &snap); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := snap.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.sink.SaveFlow(r.Context(), snap); err != nil {
		writeError(w, http.StatusInternalServerError, "persist failed")
		return
	}
	h.cache.Bump(r.Context(), "flow")
	writeJSON(w, http.StatusOK, map[string]any{"status": "saved", "ts": snap.Timestamp})
}

// GetMarketState returns the session record, or an empty default before the
// first write of the day.
func (h *Handlers) GetMarketState(w http.ResponseWriter, r *http.Request) {
	st, err := h.store.Market.State(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if st == nil {
		st = &contract.MarketState{MarketStatus: "CLOSED"}
	}
	writeJSON(w, http.StatusOK, st)
}

// PatchMarketState applies a sparse update and reports which fields changed.
func (h *Handlers) PatchMarketState(w http.ResponseWriter, r *http.Request) {
	var fields map[string]any
	if err := decodeJSON(r, &fields); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(fields) == 0 {
		writeError(w, http.StatusBadRequest, "empty update")
		return
	}

	updated, err := h.store.Market.PatchState(r.Context(), fields)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "persist failed")
		return
	}
	h.cache.Invalidate(r.Context(), "market:state")
	writeJSON(w, http.StatusOK, map[string]any{"status": "updated", "updated_fields": updated})
}

// PostSpyTick ingests one underlying tick and maintains the session's daily
// high and low.
func (h *Handlers) PostSpyTick(w http.ResponseWriter, r *http.Request) {
	var tick contract.SpyMarketSnapshot
	if err := decodeJSON(r, &tick); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := tick.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.sink.SaveTick(r.Context(), tick); err != nil {
		writeError(w, http.StatusInternalServerError, "persist failed")
		return
	}
	h.updateDailyRange(r, tick.Price)
	writeJSON(w, http.StatusOK, map[string]any{"status": "saved", "ts": tick.Timestamp})
}

func (h *Handlers) updateDailyRange(r *http.Request, price float64) {
	st, err := h.store.Market.State(r.Context())
	if err != nil {
		return
	}
	patch := map[string]any{}
	if st == nil || st.DailyHigh == nil || price > *st.DailyHigh {
		patch["daily_high"] = price
	}
	if st == nil || st.DailyLow == nil || price < *st.DailyLow {
		patch["daily_low"] = price
	}
	if len(patch) == 0 {
		return
	}
	patch["last_updated"] = time.Now().UTC().Format(time.RFC3339)
	if _, err := h.store.Market.PatchState(r.Context(), patch); err != nil {
		log.Warn().Err(err).Msg("daily range update failed")
	}
}

// Negotiate hands a client its hub connection details. With a managed hub
// configured it mints a signed token; otherwise it points at the local
// websocket endpoint.
func (h *Handlers) Negotiate(w http.ResponseWriter, r *http.Request) {
	if h.rest != nil {
		payload, err := h.rest.Negotiate()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "negotiate failed")
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}
	writeJSON(w, http.StatusOK, realtime.NegotiatePayload{URL: "/ws"})
}

// DashboardSnapshot bundles the dashboard's initial load: recent anomalies,
// the session state, and running totals.
func (h *Handlers) DashboardSnapshot(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultDashboardLimit, 1, maxDashboardLimit)

	since := time.Now().UTC().Add(-anomalyLookback)
	anomalies, err := h.store.Anomalies.Recent(r.Context(), limit, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	st, err := h.store.Market.State(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if st == nil {
		st = &contract.MarketState{MarketStatus: "CLOSED"}
	}

	// AnomaliesBatch shape, extended with the session state and running
	// totals the dashboard needs for its initial paint.
	writeJSON(w, http.StatusOK, map[string]any{
		"count":        len(anomalies),
		"anomalies":    anomalies,
		"market_state": st,
		"stats": map[string]any{
			"anomalies_by_level": h.metrics.AnomalyTotals(),
			"generated_at":       time.Now().UTC().Format(time.RFC3339),
		},
	})
}

// Replay re-broadcasts recent anomalies through the hub so a reconnecting
// dashboard can rebuild its event stream.
func (h *Handlers) Replay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Limit int `json:"limit"`
	}
	// An empty body means default limit.
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Limit <= 0 || req.Limit > maxAnomalyLimit {
		req.Limit = defaultAnomalyLimit
	}

	since := time.Now().UTC().Add(-anomalyLookback)
	rows, err := h.store.Anomalies.Recent(r.Context(), req.Limit, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	// Pace the replay so the dashboard renders a stream, not a burst.
	go func(rows []contract.Anomaly) {
		for i, a := range rows {
			if i > 0 {
				time.Sleep(replayPace)
			}
			h.sink.Rebroadcast(realtime.EventAnomaly, a)
		}
	}(rows)
	writeJSON(w, http.StatusOK, map[string]any{"replayed": len(rows)})
}

// WebSocket joins the local hub.
func (h *Handlers) WebSocket(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		http.Error(w, "local hub disabled", http.StatusNotFound)
		return
	}
	h.hub.ServeWS(w, r)
}

// NotFound is the JSON 404 handler.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeError(w, http.StatusNotFound, "not found")
}

func anomaliesResponse(rows []contract.Anomaly) map[string]any {
	return map[string]any{"count": len(rows), "anomalies": rows}
}

func historyResponse(hours, count int, rows any) map[string]any {
	return map[string]any{"hours": hours, "count": count, "history": rows}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

func queryInt(r *http.Request, name string, def, min, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
