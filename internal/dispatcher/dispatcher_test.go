package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/srg/blegw/internal/operation"
	"github.com/srg/blegw/internal/radio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder is an operation that records what it saw and finishes on a
// given event kind.
type recorder struct {
	name   string
	doneOn radio.EventKind

	mu   sync.Mutex
	seen []radio.Event
	done bool
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) HandleEvent(evt radio.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, evt)
	if evt.Kind() == r.doneOn {
		r.done = true
	}
}

func (r *recorder) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

func (r *recorder) Seen() []radio.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]radio.Event(nil), r.seen...)
}

func TestDeliverRoutesInOrderAndPrunes(t *testing.T) {
	var observed []radio.EventKind
	d := New(nil, func(evt radio.Event) { observed = append(observed, evt.Kind()) })

	short := &recorder{name: "short", doneOn: radio.KindGattProcedureCompleted}
	long := &recorder{name: "long", doneOn: radio.KindConnectionClosed}
	d.Register(short)
	d.Register(long)

	events := []radio.Event{
		radio.GattService{Connection: 1},
		radio.GattProcedureCompleted{Connection: 1},
		radio.GattCharacteristicValue{Connection: 1},
		radio.ConnectionClosed{Connection: 1},
	}
	for _, evt := range events {
		d.Deliver(evt)
	}

	assert.Equal(t, events[:2], short.Seen(), "a done operation MUST NOT receive further events")
	assert.Equal(t, events, long.Seen(), "events MUST be delivered in arrival order")
	assert.Empty(t, d.Active(), "done operations MUST be pruned")
	assert.Equal(t, []radio.EventKind{
		radio.KindGattService,
		radio.KindGattProcedureCompleted,
		radio.KindGattCharacteristicValue,
		radio.KindConnectionClosed,
	}, observed, "the observer MUST see every event")
	assert.Equal(t, uint64(4), d.Delivered())
}

func TestFind(t *testing.T) {
	d := New(nil, nil)
	a := &recorder{name: "a"}
	b := &recorder{name: "b"}
	d.Register(a)
	d.Register(b)

	op, ok := d.Find(func(op operation.Operation) bool { return op.Name() == "b" })
	require.True(t, ok)
	assert.Same(t, b, op)

	_, ok = d.Find(func(op operation.Operation) bool { return op.Name() == "c" })
	assert.False(t, ok)
}

func TestRunConsumesStream(t *testing.T) {
	d := New(nil, nil)
	rec := &recorder{name: "rec", doneOn: radio.KindSystemBoot}
	d.Register(rec)

	events := make(chan radio.Event, 1)
	stopped := d.Run(context.Background(), events)

	events <- radio.SystemBoot{Version: "1"}
	close(events)

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("dispatcher MUST stop when the stream closes")
	}
	assert.Len(t, rec.Seen(), 1)
	assert.Empty(t, d.Active())
}

func TestRunStopsOnContext(t *testing.T) {
	d := New(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := d.Run(ctx, make(chan radio.Event))
	cancel()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("dispatcher MUST stop when the context ends")
	}
}

func TestRegisterDuringDelivery(t *testing.T) {
	// an operation registered from a handler sees the next event, not the current one
	d := New(nil, nil)
	late := &recorder{name: "late"}
	spawner := &spawningOp{d: d, child: late}
	d.Register(spawner)

	d.Deliver(radio.SystemBoot{})
	d.Deliver(radio.ConnectionOpened{Connection: 2})

	assert.Equal(t, []radio.Event{radio.ConnectionOpened{Connection: 2}}, late.Seen())
}

type spawningOp struct {
	d       *Dispatcher
	child   operation.Operation
	spawned bool
}

func (s *spawningOp) Name() string { return "spawner" }
func (s *spawningOp) Done() bool   { return s.spawned }
func (s *spawningOp) HandleEvent(radio.Event) {
	if !s.spawned {
		s.spawned = true
		s.d.Register(s.child)
	}
}
