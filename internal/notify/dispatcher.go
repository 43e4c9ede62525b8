package notify

import (
	"context"
	"time"

	"qms/walkin-queue/internal/metrics"
	"qms/walkin-queue/internal/models"

	"go.uber.org/zap"
)

const (
	defaultQueueSize   = 1024
	defaultSinkTimeout = 2 * time.Second
)

// Sink is one destination for committed change events.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, event models.ChangeEvent) error
}

type DispatcherOptions struct {
	QueueSize   int
	SinkTimeout time.Duration
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// Dispatcher decouples mutating callers from event delivery. Publish only
// enqueues; a single Run loop delivers to every sink in enqueue order.
type Dispatcher struct {
	events  chan models.ChangeEvent
	sinks   []Sink
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewDispatcher(options DispatcherOptions, sinks ...Sink) *Dispatcher {
	size := options.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	d := &Dispatcher{
		events:  make(chan models.ChangeEvent, size),
		sinks:   sinks,
		timeout: options.SinkTimeout,
		logger:  options.Logger,
		metrics: options.Metrics,
	}
	if d.timeout <= 0 {
		d.timeout = defaultSinkTimeout
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	if d.metrics == nil {
		d.metrics = metrics.NewUnregistered()
	}
	return d
}

func (d *Dispatcher) Publish(event models.ChangeEvent) {
	select {
	case d.events <- event:
	default:
		d.metrics.EventsDropped.WithLabelValues("dispatch").Inc()
		d.logger.Warn("change event queue full, dropping event",
			zap.String("entry_id", event.EntryID),
			zap.String("type", event.Type),
			zap.Int("version", event.Version),
		)
	}
}

// Run delivers events until ctx is cancelled, then flushes what is already
// queued.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.flush()
			return
		case event := <-d.events:
			d.deliver(context.Background(), event)
		}
	}
}

func (d *Dispatcher) flush() {
	for {
		select {
		case event := <-d.events:
			d.deliver(context.Background(), event)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, event models.ChangeEvent) {
	for _, sink := range d.sinks {
		sinkCtx, cancel := context.WithTimeout(ctx, d.timeout)
		err := sink.Deliver(sinkCtx, event)
		cancel()
		if err != nil {
			d.metrics.EventsDropped.WithLabelValues(sink.Name()).Inc()
			d.logger.Warn("change event delivery failed",
				zap.String("sink", sink.Name()),
				zap.String("entry_id", event.EntryID),
				zap.String("type", event.Type),
				zap.Error(err),
			)
			continue
		}
		d.metrics.EventsDelivered.WithLabelValues(sink.Name()).Inc()
	}
}

// Target is anything that accepts events locally, such as the subscriber hub.
type Target interface {
	Publish(event models.ChangeEvent)
}

// Fanout hands every event to each of its targets in turn. Giving slow sinks
// their own Dispatcher behind a Fanout keeps them from delaying the others.
type Fanout []Target

func (f Fanout) Publish(event models.ChangeEvent) {
	for _, target := range f {
		target.Publish(event)
	}
}

type localSink struct {
	target Target
}

// LocalSink hands events to an in-process target.
func LocalSink(target Target) Sink {
	return localSink{target: target}
}

func (s localSink) Name() string { return "local" }

func (s localSink) Deliver(ctx context.Context, event models.ChangeEvent) error {
	s.target.Publish(event)
	return nil
}
