// Package notify delivers post-settlement notifications. Delivery is
// fire-and-forget: failures are logged and counted, never returned to the
// settlement path.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Notifier is what the settlement engine calls after a commit.
type Notifier interface {
	Notify(ctx context.Context, templateID string, payload Payload)
}

// Message is one queued notification.
type Message struct {
	TemplateID string    `json:"templateId"`
	Payload    Payload   `json:"payload"`
	QueuedAt   time.Time `json:"queuedAt"`
}

// Sink performs the actual delivery.
type Sink interface {
	Deliver(ctx context.Context, msg Message) error
}

// Observer receives delivery outcomes for metrics.
type Observer interface {
	NotificationResult(templateID, outcome string)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithWorkers sets the number of delivery goroutines.
func WithWorkers(n int) Option { return func(d *Dispatcher) { d.workers = n } }

// WithQueueSize bounds the number of pending messages.
func WithQueueSize(n int) Option { return func(d *Dispatcher) { d.queueSize = n } }

// WithRate limits deliveries per second across all workers.
func WithRate(perSecond float64, burst int) Option {
	return func(d *Dispatcher) {
		if perSecond > 0 {
			d.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option { return func(d *Dispatcher) { d.logger = logger } }

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option { return func(d *Dispatcher) { d.observer = o } }

// Dispatcher fans messages out to sinks from a bounded queue.
type Dispatcher struct {
	sinks     []Sink
	workers   int
	queueSize int
	limiter   *rate.Limiter
	logger    *slog.Logger
	observer  Observer

	queue   chan Message
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	started bool
	now     func() time.Time
}

// NewDispatcher builds a dispatcher delivering to sinks.
func NewDispatcher(sinks []Sink, opts ...Option) (*Dispatcher, error) {
	if len(sinks) == 0 {
		return nil, fmt.Errorf("notify: at least one sink required")
	}
	d := &Dispatcher{
		sinks:     sinks,
		workers:   2,
		queueSize: 256,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.workers <= 0 {
		d.workers = 1
	}
	if d.queueSize <= 0 {
		d.queueSize = 1
	}
	if d.limiter == nil {
		d.limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.queue = make(chan Message, d.queueSize)
	return d, nil
}

// Start launches the workers. They exit once Stop drains the queue.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.run(ctx)
	}
}

// Stop closes the queue and waits for in-flight deliveries.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

// Notify enqueues a message without blocking. A full queue drops it.
func (d *Dispatcher) Notify(_ context.Context, templateID string, payload Payload) {
	msg := Message{TemplateID: templateID, Payload: payload, QueuedAt: d.now()}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.result(templateID, "dropped")
		d.logger.Warn("notification dropped after shutdown", slog.String("template", templateID))
		return
	}
	select {
	case d.queue <- msg:
	default:
		d.result(templateID, "dropped")
		d.logger.Warn("notification queue full", slog.String("template", templateID))
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	for msg := range d.queue {
		if err := d.limiter.Wait(ctx); err != nil {
			d.result(msg.TemplateID, "dropped")
			continue
		}
		d.deliver(ctx, msg)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, msg Message) {
	outcome := "delivered"
	for _, sink := range d.sinks {
		if err := sink.Deliver(ctx, msg); err != nil {
			outcome = "failed"
			d.logger.Error("notification delivery failed",
				slog.String("template", msg.TemplateID),
				slog.Any("error", err))
		}
	}
	d.result(msg.TemplateID, outcome)
}

func (d *Dispatcher) result(templateID, outcome string) {
	if d.observer != nil {
		d.observer.NotificationResult(templateID, outcome)
	}
}

// Discard is a Notifier that drops everything.
type Discard struct{}

// Notify implements Notifier.
func (Discard) Notify(context.Context, string, Payload) {}
