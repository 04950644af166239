package operation

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blegw/internal/radio"
)

// Disconnect closes a connection. It is best effort: a close error or a
// missing ConnectionClosed event is logged and the result is still a success.
type Disconnect struct {
	base

	conn    radio.Connection
	timeout time.Duration
}

// NewDisconnect creates a disconnect of conn.
func NewDisconnect(env Env, conn radio.Connection, timeout time.Duration) *Disconnect {
	op := &Disconnect{conn: conn, timeout: timeout}
	op.init(env, fmt.Sprintf("disconnect(%d)", conn))
	return op
}

// Run issues the close and waits up to the timeout for the closed event.
func (op *Disconnect) Run(ctx context.Context) Result {
	op.setState(StateRunning)
	defer op.markDone()

	entry := op.log().WithField("connection", op.conn)

	op.completion.Clear()
	if err := op.radio.Close(op.conn); err != nil {
		entry.WithError(err).Warn("Failed to issue close command")
	}

	if op.completion.Wait(ctx, op.timeout) {
		op.setState(StateCompleted)
		entry.Debug("Connection closed")
	} else {
		op.setState(StateTimedOut)
		entry.WithFields(logrus.Fields{"timeout": op.timeout}).Warn("Connection close not confirmed")
	}

	op.finish(Success(nil))
	return op.Response()
}

// Confirmed reports whether the closed event arrived.
func (op *Disconnect) Confirmed() bool { return op.completion.IsSet() }

// HandleEvent implements Operation.
func (op *Disconnect) HandleEvent(evt radio.Event) {
	if e, ok := evt.(radio.ConnectionClosed); ok && e.Connection == op.conn {
		op.completion.Set()
	}
}
