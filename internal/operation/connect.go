package operation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blegw/internal/radio"
)

// Connect opens a connection to a peer, retrying on timeout.
//
// After a successful open the operation stays registered so it can report
// the connection closing; it is done once that happens, or right away when
// every attempt failed.
type Connect struct {
	base

	address string
	retries int
	timeout time.Duration

	mu       sync.Mutex
	handle   radio.Connection
	assigned bool
	attempts int
	onOpen   func(radio.Connection)
}

// NewConnect creates a connect operation. The address is matched
// case-insensitively; retries is the number of extra attempts.
func NewConnect(env Env, address string, retries int, timeout time.Duration) *Connect {
	if retries < 0 {
		retries = 0
	}
	op := &Connect{
		address: strings.ToLower(address),
		retries: retries,
		timeout: timeout,
	}
	op.init(env, fmt.Sprintf("connect(%s)", op.address))
	return op
}

// OnOpen registers fn to receive the handle of every issued open command.
// It runs before any event for that handle is handled. Call it before Run.
func (op *Connect) OnOpen(fn func(radio.Connection)) {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.onOpen = fn
}

// Run performs up to retries+1 attempts and blocks until one succeeds or all
// of them timed out.
func (op *Connect) Run(ctx context.Context) Result {
	op.setState(StateRunning)
	addressType := radio.ClassifyAddress(op.address)

	for attempt := 1; attempt <= op.retries+1; attempt++ {
		if ctx.Err() != nil {
			break
		}

		op.mu.Lock()
		op.completion.Clear()
		handle, err := op.radio.Open(op.address, addressType)
		op.handle, op.assigned = handle, err == nil
		op.attempts = attempt
		if err == nil && op.onOpen != nil {
			op.onOpen(handle)
		}
		op.mu.Unlock()

		entry := op.log().WithFields(logrus.Fields{
			"address":      op.address,
			"address_type": addressType,
			"attempt":      attempt,
		})

		if err != nil {
			entry.WithError(err).Warn("Failed to issue open connection command")
			continue
		}

		entry = entry.WithField("connection", handle)
		if op.completion.Wait(ctx, op.timeout) {
			op.setState(StateCompleted)
			op.finish(Success(nil))
			entry.Info("Connection opened")
			return op.Response()
		}

		entry.Warn("Failed to open connection, closing attempt")
		if err := op.radio.Close(handle); err != nil {
			entry.WithError(err).Debug("Closing half-open connection failed")
		}
	}

	op.setState(StateFailed)
	op.finish(Failure(ReasonConnectFailed))
	op.markDone()
	return op.Response()
}

// Handle returns the connection handle of a successful connect.
func (op *Connect) Handle() (radio.Connection, bool) {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.handle, op.assigned && op.completion.IsSet()
}

// Attempts returns how many open commands were issued.
func (op *Connect) Attempts() int {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.attempts
}

// Closed reports that a successfully opened connection has since closed.
func (op *Connect) Closed() bool {
	return op.completion.IsSet() && op.Done()
}

// Address returns the normalized peer address.
func (op *Connect) Address() string { return op.address }

// HandleEvent implements Operation.
func (op *Connect) HandleEvent(evt radio.Event) {
	switch e := evt.(type) {
	case radio.ConnectionOpened:
		if !op.owns(e.Connection) {
			return
		}
		op.log().WithFields(logrus.Fields{
			"address":    op.address,
			"connection": e.Connection,
		}).Debug("Connection opened event")
		if op.telemetry != nil {
			op.telemetry.PublishConnectionStatus(op.address, true, 0)
		}
		op.completion.Set()

	case radio.ConnectionClosed:
		if !op.owns(e.Connection) {
			return
		}
		entry := op.log().WithFields(logrus.Fields{
			"address":    op.address,
			"connection": e.Connection,
			"reason":     e.Reason,
		})
		// a timed-out attempt is closed by Run itself and never counted as connected
		if !op.completion.IsSet() {
			entry.Debug("Half-open connection closed")
			return
		}
		entry.Info("Connection closed")
		if op.telemetry != nil {
			op.telemetry.PublishConnectionStatus(op.address, false, e.Reason)
		}
		op.markDone()
	}
}

func (op *Connect) owns(conn radio.Connection) bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.assigned && op.handle == conn
}
