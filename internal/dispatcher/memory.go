package dispatcher

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"recon/pkg/backoff"
	"recon/pkg/circuitbreaker"
	"recon/pkg/cloudevent"
)

// MemoryDispatcher queues events in a bounded channel and delivers them from a
// worker pool. A full buffer drops the event.
type MemoryDispatcher struct {
	queue    chan *Event
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	config   MemoryConfig
	logger   *slog.Logger
	metrics  MetricsRecorder

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	requeued     atomic.Int64
	retriesTotal atomic.Int64

	mu       sync.RWMutex // guards closed against concurrent Dispatch
	closed   bool
	wg       sync.WaitGroup
	shutdown chan struct{}
}

// MetricsRecorder is an optional interface for recording dispatcher metrics.
type MetricsRecorder interface {
	RecordDispatcherDelivered(ctx context.Context, durationSeconds float64)
	RecordDispatcherFailed(ctx context.Context)
	RecordDispatcherDropped(ctx context.Context)
	RecordDispatcherRequeued(ctx context.Context)
	RecordDispatcherQueueSize(ctx context.Context, size int64)
}

// NewMemory creates a dispatcher and starts its workers. metrics may be nil.
func NewMemory(cfg MemoryConfig, metrics MetricsRecorder) *MemoryDispatcher {
	cfg = cfg.withDefaults()

	d := &MemoryDispatcher{
		queue:  make(chan *Event, cfg.BufferSize),
		sender: cloudevent.NewSender(cfg.HTTPTimeout),
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: cfg.BreakerThreshold,
			Cooldown:  cfg.BreakerCooldown,
		}),
		config:   cfg,
		logger:   slog.With("component", "dispatcher"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	d.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go d.worker()
	}

	d.logger.Debug("Dispatcher started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return d
}

// Dispatch queues an event for async delivery.
func (d *MemoryDispatcher) Dispatch(event *Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	select {
	case d.queue <- event:
		d.queued.Add(1)
		d.recordQueueSize()
		return nil
	default:
		d.drop(event, "buffer full")
		return ErrBufferFull
	}
}

// Stats returns current dispatcher statistics.
func (d *MemoryDispatcher) Stats() Stats {
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

// Close stops the workers after they drain the queue. Events still queued
// when ctx ends are abandoned.
func (d *MemoryDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.logger.Debug("Dispatcher shutting down", "queued", len(d.queue))
	close(d.shutdown)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Debug("Dispatcher shutdown complete",
			"delivered", d.delivered.Load(),
			"failed", d.failed.Load(),
			"dropped", d.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher shutdown timed out", "remaining", len(d.queue))
		return ctx.Err()
	}
}

func (d *MemoryDispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.shutdown:
			d.drainQueue()
			return
		case event := <-d.queue:
			d.deliver(event)
		}
	}
}

func (d *MemoryDispatcher) drainQueue() {
	for {
		select {
		case event := <-d.queue:
			d.deliver(event)
		default:
			return
		}
	}
}

// deliver sends one event with retry, guarded by the destination's breaker.
func (d *MemoryDispatcher) deliver(event *Event) {
	d.recordQueueSize()
	host := extractHost(event.Destination)
	breaker := d.breakers.Get(host)

	if !breaker.Allow() {
		d.requeue(event, host)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	err := backoff.Retry(ctx, d.config.Retry, func(ctx context.Context) error {
		err := d.sender.Send(ctx, event.Destination, event.Payload, event.SigningKey)
		if cloudevent.IsClientError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, func(attempt int, err error) {
		d.retriesTotal.Add(1)
		d.logger.Debug("Retrying delivery", "destination", host, "type", event.Payload.Type, "attempt", attempt, "error", err)
	})
	if err != nil {
		breaker.RecordFailure()
		d.failed.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherFailed(ctx)
		}
		d.logger.Warn("Delivery failed", "destination", host, "type", event.Payload.Type, "error", err)
		return
	}

	breaker.RecordSuccess()
	d.delivered.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDelivered(ctx, time.Since(start).Seconds())
	}
}

// requeue puts an event back after the breaker cooldown.
func (d *MemoryDispatcher) requeue(event *Event, host string) {
	if event.requeues >= d.config.MaxRequeues {
		d.drop(event, "max requeues reached")
		return
	}

	event.requeues++
	d.requeued.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherRequeued(context.Background())
	}

	go func() {
		timer := time.NewTimer(d.config.BreakerCooldown)
		defer timer.Stop()
		select {
		case <-d.shutdown:
			d.drop(event, "shutdown while circuit open")
			return
		case <-timer.C:
		}

		select {
		case d.queue <- event:
			d.logger.Debug("Event requeued", "destination", host, "type", event.Payload.Type, "requeues", event.requeues)
		default:
			d.drop(event, "buffer full on requeue")
		}
	}()
}

func (d *MemoryDispatcher) drop(event *Event, reason string) {
	d.dropped.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDropped(context.Background())
	}
	d.logger.Warn("Event dropped",
		"reason", reason,
		"destination", extractHost(event.Destination),
		"type", event.Payload.Type,
	)
}

func (d *MemoryDispatcher) recordQueueSize() {
	if d.metrics != nil {
		d.metrics.RecordDispatcherQueueSize(context.Background(), int64(len(d.queue)))
	}
}

// extractHost extracts the host from a URL for circuit breaker keying.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}

var _ Dispatcher = (*MemoryDispatcher)(nil)
