// Package dispatcher routes the radio event stream to the active operations.
//
// A single goroutine owns the stream. For every event it calls HandleEvent on
// each registered operation in registration order, drops the operations that
// report done, and then hands the event to the observer for gateway-level
// bookkeeping such as registry cleanup on a closed connection.
package dispatcher

import (
	"context"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blegw/internal/groutine"
	"github.com/srg/blegw/internal/operation"
	"github.com/srg/blegw/internal/radio"
)

// Observer sees every event after the operations did.
type Observer func(evt radio.Event)

// Dispatcher holds the active operations.
type Dispatcher struct {
	logger   *logrus.Logger
	observer Observer

	mu  sync.Mutex
	ops []operation.Operation

	delivered uint64
}

// New creates a dispatcher. observer may be nil.
func New(logger *logrus.Logger, observer Observer) *Dispatcher {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Dispatcher{logger: logger, observer: observer}
}

// Register adds an operation. It receives every event delivered after this
// call until it reports done.
func (d *Dispatcher) Register(op operation.Operation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ops = append(d.ops, op)
	d.logger.WithFields(logrus.Fields{
		"operation": op.Name(),
		"active":    len(d.ops),
	}).Debug("Operation registered")
}

// Active returns a snapshot of the registered operations.
func (d *Dispatcher) Active() []operation.Operation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]operation.Operation(nil), d.ops...)
}

// Find returns the first active operation satisfying match.
func (d *Dispatcher) Find(match func(operation.Operation) bool) (operation.Operation, bool) {
	for _, op := range d.Active() {
		if !op.Done() && match(op) {
			return op, true
		}
	}
	return nil, false
}

// Deliver hands one event to every active operation, prunes finished ones
// and notifies the observer. It must only be called from the goroutine that
// owns the event stream.
func (d *Dispatcher) Deliver(evt radio.Event) {
	ops := d.Active()
	for _, op := range ops {
		op.HandleEvent(evt)
	}

	d.prune()

	if d.observer != nil {
		d.observer(evt)
	}

	d.mu.Lock()
	d.delivered++
	d.mu.Unlock()
}

// prune drops every operation that reports done.
func (d *Dispatcher) prune() {
	d.mu.Lock()
	defer d.mu.Unlock()

	kept := d.ops[:0]
	for _, op := range d.ops {
		if op.Done() {
			d.logger.WithField("operation", op.Name()).Debug("Operation done, unregistered")
			continue
		}
		kept = append(kept, op)
	}
	for i := len(kept); i < len(d.ops); i++ {
		d.ops[i] = nil
	}
	d.ops = kept
}

// Delivered returns how many events were delivered.
func (d *Dispatcher) Delivered() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.delivered
}

// Run consumes events on a dedicated goroutine until ctx ends or the stream
// closes. The returned channel is closed when the goroutine exits.
func (d *Dispatcher) Run(ctx context.Context, events <-chan radio.Event) <-chan struct{} {
	stopped := make(chan struct{})
	groutine.Go(ctx, "event-dispatcher", func(ctx context.Context) {
		defer close(stopped)
		d.logger.Debug("Event dispatcher started")
		defer d.logger.Debug("Event dispatcher stopped")

		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				if d.logger.IsLevelEnabled(logrus.TraceLevel) {
					d.logger.WithField("event", evt.Kind()).Trace("Dispatching event")
				}
				d.Deliver(evt)
			}
		}
	})
	return stopped
}
