package operation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blegw/internal/device"
	"github.com/srg/blegw/internal/radio"
)

// Discover walks the GATT tree of a connection: services, then the
// characteristics of every service, then the descriptors of every
// characteristic. Each step is a radio procedure ended by a
// GattProcedureCompleted event.
//
// A failing step is logged and its branch skipped; the walk carries on with
// siblings. A pass with any failure is retried from the top, and the tree of
// the last pass is kept whatever its state. A connection closing mid-walk
// ends the operation with ReasonNotConnected and no further passes.
type Discover struct {
	base

	conn      radio.Connection
	retries   int
	requested []string
	timeout   time.Duration

	mu        sync.Mutex
	tree      *device.Tree
	service   *device.Service
	char      *device.Characteristic
	procedure uint16
	passes    int
	closed    bool
}

// NewDiscover creates a discover operation for a connection. requested
// filters the services reported by Response; an empty list reports all.
func NewDiscover(env Env, conn radio.Connection, retries int, requested []string, timeout time.Duration) *Discover {
	if retries < 0 {
		retries = 0
	}
	op := &Discover{
		conn:      conn,
		retries:   retries,
		requested: device.NormalizeUUIDs(requested),
		timeout:   timeout,
		tree:      device.NewTree(),
	}
	op.init(env, fmt.Sprintf("discover(%d)", conn))
	return op
}

// Run performs the discovery cascade, with retries, and returns the tree view.
func (op *Discover) Run(ctx context.Context) Result {
	op.setState(StateRunning)
	defer op.markDone()

	for pass := 1; pass <= op.retries+1; pass++ {
		op.mu.Lock()
		op.passes = pass
		op.mu.Unlock()

		if op.cascade(ctx) {
			break
		}
		if ctx.Err() != nil || op.isClosed() {
			break
		}
		if pass <= op.retries {
			op.log().WithFields(logrus.Fields{
				"connection": op.conn,
				"pass":       pass,
			}).Warn("Discovery incomplete, restarting")
		}
	}

	if op.isClosed() {
		op.log().WithField("connection", op.conn).Warn("Connection closed during discovery")
		op.setState(StateFailed)
		op.finish(Failure(ReasonNotConnected))
		return op.Response()
	}

	op.setState(StateCompleted)
	op.mu.Lock()
	view := op.tree.View(op.requested)
	op.mu.Unlock()
	op.finish(Success(map[string]any{"services": view}))
	return op.Response()
}

// cascade runs one full pass on a fresh tree and reports whether every
// step succeeded.
func (op *Discover) cascade(ctx context.Context) bool {
	op.mu.Lock()
	op.tree = device.NewTree()
	op.service, op.char = nil, nil
	op.mu.Unlock()

	if !op.step(ctx, "services", func() error {
		return op.radio.DiscoverPrimaryServices(op.conn)
	}) {
		return false
	}

	op.mu.Lock()
	services := op.tree.Services()
	op.mu.Unlock()

	complete := true
	for _, svc := range services {
		op.mu.Lock()
		op.service = svc
		op.mu.Unlock()

		if !op.step(ctx, "characteristics", func() error {
			return op.radio.DiscoverCharacteristics(op.conn, radio.Service(svc.Handle))
		}) {
			if op.isClosed() {
				return false
			}
			complete = false
			continue
		}

		op.mu.Lock()
		chars := svc.Characteristics()
		op.mu.Unlock()

		for _, char := range chars {
			op.mu.Lock()
			op.char = char
			op.mu.Unlock()

			if !op.step(ctx, "descriptors", func() error {
				return op.radio.DiscoverDescriptors(op.conn, radio.Attribute(char.Handle))
			}) {
				if op.isClosed() {
					return false
				}
				complete = false
			}
		}
	}
	return complete
}

// step issues one discovery command and waits for its procedure to complete.
func (op *Discover) step(ctx context.Context, phase string, issue func() error) bool {
	entry := op.log().WithFields(logrus.Fields{
		"connection": op.conn,
		"phase":      phase,
	})

	op.completion.Clear()
	if op.isClosed() {
		return false
	}
	if err := issue(); err != nil {
		entry.WithError(err).Error("Failed to issue discovery command")
		return false
	}
	if !op.completion.Wait(ctx, op.timeout) {
		entry.Error("Discovery procedure timed out")
		return false
	}

	op.mu.Lock()
	result, closed := op.procedure, op.closed
	op.mu.Unlock()
	if closed {
		return false
	}
	if result != radio.ResultSuccess {
		entry.WithField("result", fmt.Sprintf("0x%04x", result)).Error("Discovery procedure failed")
		return false
	}
	return true
}

// Tree returns the tree of the latest pass.
func (op *Discover) Tree() *device.Tree {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.tree
}

func (op *Discover) isClosed() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.closed
}

// Passes returns how many cascade passes were started.
func (op *Discover) Passes() int {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.passes
}

// HandleEvent implements Operation.
func (op *Discover) HandleEvent(evt radio.Event) {
	switch e := evt.(type) {
	case radio.GattService:
		if e.Connection != op.conn {
			return
		}
		op.mu.Lock()
		op.tree.AddService(device.UUIDFromLE(e.UUID), uint32(e.Service))
		op.mu.Unlock()

	case radio.GattCharacteristic:
		if e.Connection != op.conn {
			return
		}
		op.mu.Lock()
		if op.service != nil {
			op.service.AddCharacteristic(device.UUIDFromLE(e.UUID), uint16(e.Characteristic), e.Properties)
		}
		op.mu.Unlock()

	case radio.GattDescriptor:
		if e.Connection != op.conn {
			return
		}
		op.mu.Lock()
		if op.char != nil {
			op.char.AddDescriptor(device.UUIDFromLE(e.UUID), uint16(e.Descriptor))
		}
		op.mu.Unlock()

	case radio.GattProcedureCompleted:
		if e.Connection != op.conn {
			return
		}
		op.mu.Lock()
		op.procedure = e.Result
		op.mu.Unlock()
		op.completion.Set()

	case radio.ConnectionClosed:
		if e.Connection != op.conn {
			return
		}
		op.mu.Lock()
		op.closed = true
		op.mu.Unlock()
		op.completion.Set()
	}
}
