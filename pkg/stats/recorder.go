// Package stats aggregates per-daemon query counters and flushes them to the
// rule store off the request path.
package stats

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"sinkhole-dns/pkg/config"
	"sinkhole-dns/pkg/logging"
	"sinkhole-dns/pkg/telemetry"
)

// Counter names written to the store
const (
	KeyQueries          = "queries"
	KeySinkholed        = "sinkholed"
	KeyForwarded        = "forwarded"
	KeyDegraded         = "degraded"
	KeyServfail         = "servfail"
	KeyMatchclassPrefix = "matchclass:"
	KeyQtypePrefix      = "qtype:"
)

const (
	defaultBufferSize    = 1024
	defaultFlushInterval = 10 * time.Second
	flushTimeout         = 5 * time.Second
)

// Sink receives counter deltas. storage.Backend satisfies it.
type Sink interface {
	IncrStats(ctx context.Context, daemonID string, deltas map[string]int64) error
}

type observation struct {
	path       string
	matchclass string
	qtype      string
}

// Recorder collects observations on a buffered channel. A single worker
// folds them into counters and flushes the deltas every interval.
type Recorder struct {
	daemonID string
	sink     Sink
	interval time.Duration
	logger   *logging.Logger
	metrics  *telemetry.Metrics

	obsCh   chan observation
	flushCh chan chan error
	counts  map[string]int64 // owned by the worker

	dropped   atomic.Uint64
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewRecorder starts a recorder flushing to sink under daemonID
func NewRecorder(daemonID string, sink Sink, cfg *config.StatsConfig, logger *logging.Logger, metrics *telemetry.Metrics) *Recorder {
	ctx, cancel := context.WithCancel(context.Background())

	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = defaultFlushInterval
	}

	r := &Recorder{
		daemonID: daemonID,
		sink:     sink,
		interval: interval,
		logger:   logger,
		metrics:  metrics,
		obsCh:    make(chan observation, defaultBufferSize),
		flushCh:  make(chan chan error),
		counts:   make(map[string]int64),
		ctx:      ctx,
		cancel:   cancel,
	}

	r.wg.Add(1)
	go r.worker()

	logger.Info("Statistics recorder started",
		"daemon_id", daemonID,
		"flush_interval", interval,
	)
	return r
}

// Observe queues one answered request. It never blocks; observations are
// dropped when the buffer is full.
func (r *Recorder) Observe(path, matchclass, qtype string) {
	select {
	case r.obsCh <- observation{path: path, matchclass: matchclass, qtype: qtype}:
	default:
		if n := r.dropped.Add(1); n&(n-1) == 0 {
			r.logger.Warn("Statistics buffer full, dropping observations", "dropped_total", n)
		}
	}
}

// Flush writes the pending counters now. It returns the sink error, if any.
func (r *Recorder) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case r.flushCh <- reply:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return nil
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns the number of observations lost to a full buffer
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *Recorder) worker() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			r.drain()
			_ = r.flush(context.Background())
			return

		case obs := <-r.obsCh:
			r.add(obs)

		case <-ticker.C:
			_ = r.flush(r.ctx)

		case reply := <-r.flushCh:
			r.drain()
			reply <- r.flush(r.ctx)
		}
	}
}

// drain folds every queued observation into the counters
func (r *Recorder) drain() {
	for {
		select {
		case obs := <-r.obsCh:
			r.add(obs)
		default:
			return
		}
	}
}

func (r *Recorder) add(obs observation) {
	r.counts[KeyQueries]++
	switch obs.path {
	case "sinkhole":
		r.counts[KeySinkholed]++
	case "forward":
		r.counts[KeyForwarded]++
	case "degraded":
		r.counts[KeyDegraded]++
	case "servfail":
		r.counts[KeyServfail]++
	}
	if obs.matchclass != "" {
		r.counts[KeyMatchclassPrefix+obs.matchclass]++
	}
	if obs.qtype != "" {
		r.counts[KeyQtypePrefix+obs.qtype]++
	}
}

// flush hands the current counters to the sink. Counters are reset whether
// or not the write succeeds.
func (r *Recorder) flush(parent context.Context) error {
	if len(r.counts) == 0 {
		return nil
	}
	deltas := r.counts
	r.counts = make(map[string]int64, len(deltas))

	ctx, cancel := context.WithTimeout(parent, flushTimeout)
	defer cancel()

	if err := r.sink.IncrStats(ctx, r.daemonID, deltas); err != nil {
		r.metrics.AddFlushFailure(ctx)
		r.logger.Error("Failed to flush statistics, dropping deltas",
			"daemon_id", r.daemonID,
			"queries", deltas[KeyQueries],
			"error", err,
		)
		return err
	}
	r.logger.Debug("Statistics flushed", "daemon_id", r.daemonID, "counters", len(deltas))
	return nil
}

// Close stops the worker after a final flush. Safe to call multiple times.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		r.logger.Info("Shutting down statistics recorder", "dropped_total", r.dropped.Load())
		r.cancel()
		r.wg.Wait()
	})
	return nil
}
