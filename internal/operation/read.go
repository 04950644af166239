package operation

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blegw/internal/radio"
)

// Read fetches a characteristic value. Only value events carrying the read
// response opcode are taken; notifications and indications on the same
// characteristic pass through untouched.
type Read struct {
	base

	conn    radio.Connection
	char    radio.Attribute
	timeout time.Duration

	mu        sync.Mutex
	value     []byte
	received  bool
	procedure uint16
	closed    bool
}

// NewRead creates a read of the characteristic value at char.
func NewRead(env Env, conn radio.Connection, char radio.Attribute, timeout time.Duration) *Read {
	op := &Read{conn: conn, char: char, timeout: timeout}
	op.init(env, fmt.Sprintf("read(%d/%d)", conn, char))
	return op
}

// Run issues the read and waits for the procedure to complete. It succeeds
// iff a read response arrived.
func (op *Read) Run(ctx context.Context) Result {
	op.setState(StateRunning)
	defer op.markDone()

	entry := op.log().WithFields(logrus.Fields{
		"connection":     op.conn,
		"characteristic": op.char,
	})

	op.completion.Clear()
	if err := op.radio.ReadCharacteristicValue(op.conn, op.char); err != nil {
		entry.WithError(err).Error("Failed to issue read command")
		op.setState(StateFailed)
		op.finish(Failure(ReasonRadioError))
		return op.Response()
	}

	if !op.completion.Wait(ctx, op.timeout) {
		entry.Warn("Read timed out")
		op.setState(StateTimedOut)
		op.finish(Failure(ReasonTimeout))
		return op.Response()
	}

	op.mu.Lock()
	value, received, closed, procedure := op.value, op.received, op.closed, op.procedure
	op.mu.Unlock()

	switch {
	case received:
		op.setState(StateCompleted)
		op.finish(Success(map[string]any{"value": hex.EncodeToString(value)}))
	case closed:
		op.setState(StateFailed)
		op.finish(Failure(ReasonNotConnected))
	default:
		entry.WithField("result", fmt.Sprintf("0x%04x", procedure)).Warn("Read completed without a value")
		op.setState(StateFailed)
		op.finish(Failure(ReasonProcedureFailed))
	}
	return op.Response()
}

// HandleEvent implements Operation.
func (op *Read) HandleEvent(evt radio.Event) {
	switch e := evt.(type) {
	case radio.GattCharacteristicValue:
		if e.Connection != op.conn || e.Characteristic != op.char || e.AttOpcode != radio.AttReadResponse {
			return
		}
		op.mu.Lock()
		op.value = append([]byte(nil), e.Value...)
		op.received = true
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
