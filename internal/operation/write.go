package operation

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blegw/internal/device"
	"github.com/srg/blegw/internal/radio"
)

// Write stores a value into a characteristic and echoes it back on success.
type Write struct {
	base

	conn    radio.Connection
	char    radio.Attribute
	hex     string
	value   []byte
	timeout time.Duration

	mu        sync.Mutex
	procedure uint16
	closed    bool
}

// NewWrite decodes hexValue and creates the write. Malformed hex fails here,
// before anything reaches the radio.
func NewWrite(env Env, conn radio.Connection, char radio.Attribute, hexValue string, timeout time.Duration) (*Write, error) {
	normalized, value, err := ParseHex(hexValue)
	if err != nil {
		return nil, err
	}
	op := &Write{conn: conn, char: char, hex: normalized, value: value, timeout: timeout}
	op.init(env, fmt.Sprintf("write(%d/%d)", conn, char))
	return op, nil
}

// ParseHex decodes a write value. An optional 0x prefix is dropped and the
// returned text form is lowercase.
func ParseHex(hexValue string) (string, []byte, error) {
	normalized := strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(hexValue, "0x"), "0X"))
	value, err := hex.DecodeString(normalized)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %q: %v", device.ErrInvalidHex, hexValue, err)
	}
	return normalized, value, nil
}

// Run issues the write and waits for the procedure to complete.
func (op *Write) Run(ctx context.Context) Result {
	op.setState(StateRunning)
	defer op.markDone()

	entry := op.log().WithFields(logrus.Fields{
		"connection":     op.conn,
		"characteristic": op.char,
		"value":          op.hex,
	})

	op.completion.Clear()
	if err := op.radio.WriteCharacteristicValue(op.conn, op.char, op.value); err != nil {
		entry.WithError(err).Error("Failed to issue write command")
		op.setState(StateFailed)
		op.finish(Failure(ReasonRadioError))
		return op.Response()
	}

	if !op.completion.Wait(ctx, op.timeout) {
		entry.Warn("Write timed out")
		op.setState(StateTimedOut)
		op.finish(Failure(ReasonTimeout))
		return op.Response()
	}

	op.mu.Lock()
	procedure, closed := op.procedure, op.closed
	op.mu.Unlock()

	switch {
	case closed:
		op.setState(StateFailed)
		op.finish(Failure(ReasonNotConnected))
	case procedure != radio.ResultSuccess:
		entry.WithField("result", fmt.Sprintf("0x%04x", procedure)).Warn("Write procedure failed")
		op.setState(StateFailed)
		op.finish(Failure(ReasonProcedureFailed))
	default:
		op.setState(StateCompleted)
		op.finish(Success(map[string]any{"value": op.hex}))
	}
	return op.Response()
}

// HandleEvent implements Operation.
func (op *Write) HandleEvent(evt radio.Event) {
	switch e := evt.(type) {
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
