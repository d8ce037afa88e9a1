package sink

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spyflow/spyflow/internal/contract"
	"github.com/spyflow/spyflow/internal/metrics"
	"github.com/spyflow/spyflow/internal/realtime"
	"github.com/spyflow/spyflow/internal/storage"
)

const (
	defaultQueueSize = 256
	broadcastTimeout = 5 * time.Second
)

type broadcastJob struct {
	target  string
	payload any
}

// Worker is a bounded single-goroutine broadcast queue. Persist paths stay
// synchronous; broadcasts are fire-and-forget through this queue so a slow
// or failing hub never stalls an ingest. When the queue is full the oldest
// pending broadcast is dropped to make room for the newest.
type Worker struct {
	hub     realtime.Broadcaster
	queue   chan broadcastJob
	metrics *metrics.Registry
	wg      sync.WaitGroup
}

func NewWorker(hub realtime.Broadcaster, m *metrics.Registry) *Worker {
	return &Worker{
		hub:     hub,
		queue:   make(chan broadcastJob, defaultQueueSize),
		metrics: m,
	}
}

// Run drains the queue until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	w.wg.Add(1)
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-w.queue:
			w.send(job)
		}
	}
}

func (w *Worker) send(job broadcastJob) {
	if w.hub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), broadcastTimeout)
	defer cancel()
	if err := w.hub.Broadcast(ctx, job.target, job.payload); err != nil {
		w.metrics.BroadcastsTotal.WithLabelValues(job.target, "error").Inc()
		log.Warn().Err(err).Str("target", job.target).Msg("broadcast failed")
		return
	}
	w.metrics.BroadcastsTotal.WithLabelValues(job.target, "success").Inc()
}

// Enqueue queues one broadcast, evicting the oldest pending job if the queue
// is full. It never blocks.
func (w *Worker) Enqueue(target string, payload any) {
	job := broadcastJob{target: target, payload: payload}
	for {
		select {
		case w.queue <- job:
			return
		default:
		}
		select {
		case <-w.queue:
			w.metrics.BroadcastsDropped.Inc()
		default:
		}
	}
}

// Wait blocks until the run loop has exited.
func (w *Worker) Wait() {
	w.wg.Wait()
}

// Sink persists ingested payloads and fans them out to the hub. Persistence
// errors propagate to the caller; broadcast errors never do.
type Sink struct {
	store  *storage.Store
	worker *Worker
}

func New(store *storage.Store, worker *Worker) *Sink {
	return &Sink{store: store, worker: worker}
}

// SaveAnomaly upserts one anomaly and broadcasts it.
func (s *Sink) SaveAnomaly(ctx context.Context, a contract.Anomaly) error {
	if err := s.store.Anomalies.Upsert(ctx, a); err != nil {
		return err
	}
	s.worker.Enqueue(realtime.EventAnomaly, a)
	return nil
}

// SaveVolume inserts one volume snapshot and broadcasts it.
func (s *Sink) SaveVolume(ctx context.Context, v contract.VolumeSnapshot) error {
	if err := s.store.Volumes.Insert(ctx, v); err != nil {
		return err
	}
	s.worker.Enqueue(realtime.EventVolume, v)
	return nil
}

// SaveFlow inserts one flow snapshot and broadcasts it.
func (s *Sink) SaveFlow(ctx context.Context, f contract.FlowSnapshot) error {
	if err := s.store.Flows.Insert(ctx, f); err != nil {
		return err
	}
	s.worker.Enqueue(realtime.EventFlow, f)
	return nil
}

// Rebroadcast queues an event without touching storage; replay uses it to
// push already-persisted rows back through the hub.
func (s *Sink) Rebroadcast(target string, payload any) {
	s.worker.Enqueue(target, payload)
}

// SaveTick appends one underlying tick and broadcasts the price.
func (s *Sink) SaveTick(ctx context.Context, t contract.SpyMarketSnapshot) error {
	if err := s.store.Market.AppendTick(ctx, t); err != nil {
		return err
	}
	s.worker.Enqueue(realtime.EventPrice, t)
	return nil
}
