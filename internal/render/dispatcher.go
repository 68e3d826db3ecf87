package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"videoloop/pkg/backoff"
	"videoloop/pkg/circuitbreaker"
)

// ErrBufferFull is returned when the dispatch buffer is full and the request is dropped.
var ErrBufferFull = errors.New("dispatch buffer full, request dropped")

// Submitter submits a single render request. Implemented by *Client.
type Submitter interface {
	Submit(ctx context.Context, req *Request) error
}

// FailureHandler is invoked when a dispatch is permanently abandoned
// (retries exhausted, client error, or max requeues). The pipeline uses it
// to fail the job instead of leaving it waiting for a callback that will
// never come.
type FailureHandler func(ctx context.Context, rootID string, err error)

// MetricsRecorder is an optional interface for recording dispatch metrics.
type MetricsRecorder interface {
	RecordDispatchDelivered(ctx context.Context, durationSeconds float64)
	RecordDispatchFailed(ctx context.Context)
	RecordDispatchDropped(ctx context.Context)
	RecordDispatchQueueSize(ctx context.Context, size int64)
}

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth   int   // current queue size
	Queued       int64 // total requests queued
	Delivered    int64 // successful submissions
	Failed       int64 // abandoned after retries
	Dropped      int64 // dropped due to full buffer or max requeues
	Requeued     int64 // requeued due to open circuit
	RetriesTotal int64 // total retry attempts
	BreakersOpen int   // currently open breakers
}

// Dispatcher queues render requests and submits them from a worker pool with
// bounded retries and a per-host circuit breaker. Queueing is non-blocking so
// callback handlers never stall on the render service.
type Dispatcher struct {
	queue    chan *Request
	client   Submitter
	breakers *circuitbreaker.Registry
	config   DispatcherConfig
	logger   *slog.Logger
	metrics  MetricsRecorder

	onFailure atomic.Pointer[FailureHandler]

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	requeued     atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// NewDispatcher creates and starts a dispatcher.
func NewDispatcher(cfg DispatcherConfig, client Submitter, metrics MetricsRecorder) *Dispatcher {
	cfg = cfg.withDefaults()

	d := &Dispatcher{
		queue:  make(chan *Request, cfg.BufferSize),
		client: client,
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: defaultBreakerThreshold,
			Cooldown:  defaultBreakerCooldown,
		}),
		config:   cfg,
		logger:   slog.With("component", "render-dispatcher"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	d.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go d.worker()
	}

	if metrics != nil {
		go d.reportQueueSize()
	}

	d.logger.Info("Render dispatcher started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return d
}

// SetFailureHandler registers the permanent-failure hook. Must be called
// before the first Dispatch that can fail.
func (d *Dispatcher) SetFailureHandler(fn FailureHandler) {
	d.onFailure.Store(&fn)
}

// Dispatch queues a render request for async submission. Non-blocking.
func (d *Dispatcher) Dispatch(req *Request) error {
	if d.closed.Load() {
		return fmt.Errorf("dispatcher is closed")
	}

	select {
	case d.queue <- req:
		d.queued.Add(1)
		return nil
	default:
		d.dropped.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatchDropped(context.Background())
		}
		d.logger.Warn("Render request dropped, buffer full", "rootId", req.RootID)
		return ErrBufferFull
	}
}

// Stats returns current dispatcher statistics.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		QueueDepth:   len(d.queue),
		Queued:       d.queued.Load(),
		Delivered:    d.delivered.Load(),
		Failed:       d.failed.Load(),
		Dropped:      d.dropped.Load(),
		Requeued:     d.requeued.Load(),
		RetriesTotal: d.retriesTotal.Load(),
		BreakersOpen: d.breakers.Stats().Open,
	}
}

// Close gracefully shuts down the dispatcher, draining queued requests.
func (d *Dispatcher) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil // already closed
	}

	d.logger.Info("Render dispatcher shutting down", "queued", len(d.queue))
	close(d.shutdown)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Render dispatcher shutdown complete",
			"delivered", d.delivered.Load(),
			"failed", d.failed.Load(),
			"dropped", d.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Render dispatcher shutdown timed out", "remaining", len(d.queue))
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.shutdown:
			d.drainQueue()
			return
		case req := <-d.queue:
			d.deliver(req)
		}
	}
}

func (d *Dispatcher) drainQueue() {
	for {
		select {
		case req := <-d.queue:
			d.deliver(req)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(req *Request) {
	breaker := d.breakers.Get(d.config.UpstreamHost)

	if !breaker.Allow() {
		d.requeue(req)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.config.Timeout)
	defer cancel()

	start := time.Now()
	if err := d.submitWithRetry(ctx, req); err != nil {
		breaker.RecordFailure()
		d.failed.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatchFailed(ctx)
		}
		d.logger.Warn("Render dispatch abandoned", "rootId", req.RootID, "error", err)
		d.permanentFailure(ctx, req, err)
		return
	}

	breaker.RecordSuccess()
	d.delivered.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatchDelivered(ctx, time.Since(start).Seconds())
	}
}

// requeue puts a request back in the queue after the breaker cooldown.
func (d *Dispatcher) requeue(req *Request) {
	if req.requeues >= defaultMaxRequeues {
		d.dropped.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatchDropped(context.Background())
		}
		err := fmt.Errorf("render service unavailable, gave up after %d requeues", req.requeues)
		d.logger.Warn("Render request dropped, max requeues reached", "rootId", req.RootID)
		d.permanentFailure(context.Background(), req, err)
		return
	}
	req.requeues++
	d.requeued.Add(1)

	go func() {
		select {
		case <-d.shutdown:
			return
		case <-time.After(defaultBreakerCooldown):
		}

		select {
		case d.queue <- req:
		case <-d.shutdown:
		default:
			d.dropped.Add(1)
			if d.metrics != nil {
				d.metrics.RecordDispatchDropped(context.Background())
			}
			d.logger.Warn("Render request dropped on requeue, buffer full", "rootId", req.RootID)
		}
	}()
}

func (d *Dispatcher) submitWithRetry(ctx context.Context, req *Request) error {
	var lastErr error
	for attempt := range defaultMaxRetries + 1 {
		if attempt > 0 {
			d.retriesTotal.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff.Exponential(attempt, &backoff.Config{Jitter: true})):
			}
		}

		lastErr = d.client.Submit(ctx, req)
		if lastErr == nil {
			return nil
		}
		if IsClientError(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// reportQueueSize periodically records queue depth as a saturation signal.
func (d *Dispatcher) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.metrics.RecordDispatchQueueSize(context.Background(), int64(len(d.queue)))
		}
	}
}

func (d *Dispatcher) permanentFailure(ctx context.Context, req *Request, err error) {
	if fn := d.onFailure.Load(); fn != nil {
		(*fn)(ctx, req.RootID, err)
	}
}
