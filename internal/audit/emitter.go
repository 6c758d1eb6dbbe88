package audit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/safeharbour/harbour/internal/redact"
	"github.com/safeharbour/harbour/internal/telemetry"
)

// Sink consumes audit events (file, webhook, sqlite).
type Sink interface {
	Name() string
	Deliver(context.Context, *Event) error
	Close(context.Context) error
}

// EmitterConfig sizes the delivery queue and worker pool. Queue results
// and sink deliveries are counted on Telemetry.
type EmitterConfig struct {
	QueueSize       int
	Workers         int
	ShutdownTimeout time.Duration
	Telemetry       *telemetry.Provider
}

// Emitter delivers audit events to sinks off the request path. Events that
// do not fit in the queue are dropped, never waited for.
type Emitter struct {
	queue           chan *Event
	sinks           []Sink
	tel             *telemetry.Provider
	shutdownTimeout time.Duration

	// deliverCtx is cancelled when Close stops waiting for the workers, so
	// a retrying sink gives up instead of outliving the process.
	deliverCtx context.Context
	cancel     context.CancelFunc
	quit       chan struct{}
	workers    sync.WaitGroup

	mu        sync.RWMutex // guards closed against concurrent Emit
	closed    bool
	closeOnce sync.Once
}

// NewEmitter starts cfg.Workers goroutines delivering to sinks.
func NewEmitter(cfg EmitterConfig, sinks []Sink) *Emitter {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 2 * time.Second
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.Noop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Emitter{
		queue:           make(chan *Event, cfg.QueueSize),
		sinks:           sinks,
		tel:             cfg.Telemetry,
		shutdownTimeout: cfg.ShutdownTimeout,
		deliverCtx:      ctx,
		cancel:          cancel,
		quit:            make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		e.workers.Add(1)
		go e.run()
	}
	return e
}

// Emit logs ev and queues it for the sinks. A nil emitter only logs.
func (e *Emitter) Emit(ctx context.Context, ev *Event) {
	if ev == nil {
		return
	}
	LogEvent(ev)
	if e == nil {
		return
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.tel.RecordAuditEvent(ctx, telemetry.AuditDropped)
		return
	}
	select {
	case e.queue <- ev:
		e.tel.RecordAuditEvent(ctx, telemetry.AuditEnqueued)
	default:
		e.tel.RecordAuditEvent(ctx, telemetry.AuditDropped)
		redact.Debugf("audit: queue full, dropped request_id=%s", ev.RequestID)
	}
}

// Close stops accepting events, lets the workers drain the queue for up to
// the shutdown timeout, then closes the sinks. Events still queued when
// the timeout expires are counted as dropped.
func (e *Emitter) Close(ctx context.Context) {
	if e == nil {
		return
	}
	e.closeOnce.Do(func() { e.shutdown(ctx) })
}

func (e *Emitter) shutdown(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	close(e.quit)

	drained := make(chan struct{})
	go func() {
		e.workers.Wait()
		close(drained)
	}()

	timer := time.NewTimer(e.shutdownTimeout)
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
		e.abandon(ctx)
	case <-ctx.Done():
		e.abandon(ctx)
	}
	e.cancel()

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.shutdownTimeout)
	defer cancel()
	for _, s := range e.sinks {
		if err := s.Close(closeCtx); err != nil {
			redact.Warnf("audit: sink %s close error: %v", s.Name(), err)
		}
	}
}

// abandon cancels in-flight deliveries and counts what is left in the queue.
func (e *Emitter) abandon(ctx context.Context) {
	e.cancel()
	left := 0
	for {
		select {
		case <-e.queue:
			left++
			e.tel.RecordAuditEvent(ctx, telemetry.AuditDropped)
		default:
			if left > 0 {
				redact.Warnf("audit: shutdown timed out, %d events not delivered", left)
			}
			return
		}
	}
}

func (e *Emitter) run() {
	defer e.workers.Done()
	for {
		select {
		case ev := <-e.queue:
			e.deliver(ev)
		case <-e.quit:
			for {
				select {
				case ev := <-e.queue:
					e.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (e *Emitter) deliver(ev *Event) {
	for _, s := range e.sinks {
		err := s.Deliver(e.deliverCtx, ev)
		e.tel.RecordAuditDelivery(e.deliverCtx, sinkType(s), err == nil)
		if err != nil {
			redact.Warnf("audit: sink %s failed: %v", s.Name(), err)
		}
	}
}

// sinkType strips the path or URL from a sink name so metric attributes
// stay low-cardinality.
func sinkType(s Sink) string {
	kind, _, _ := strings.Cut(s.Name(), ":")
	return kind
}
