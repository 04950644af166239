package operation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blegw/internal/device"
	"github.com/srg/blegw/internal/radio"
)

// SubscribeTarget names the characteristic a subscription forwards values for.
type SubscribeTarget struct {
	Connection     radio.Connection
	Characteristic radio.Attribute
	Address        string
	Service        string
	UUID           string
	Capabilities   []string
}

// Subscribe arms notifications or indications on a characteristic and then
// stays registered, forwarding every pushed value to Telemetry until it is
// disabled or the connection closes.
type Subscribe struct {
	base

	target  SubscribeTarget
	timeout time.Duration
	config  radio.ClientConfig

	disabling atomic.Bool

	mu        sync.Mutex
	procedure uint16
	closed    bool
	forwarded int
}

// NewSubscribe creates a subscription. Notify is preferred when the
// characteristic supports both notify and indicate.
func NewSubscribe(env Env, target SubscribeTarget, timeout time.Duration) *Subscribe {
	op := &Subscribe{target: target, timeout: timeout, config: ClientConfigFor(target.Capabilities)}
	op.init(env, fmt.Sprintf("subscribe(%s/%s/%s)", target.Address, target.Service, target.UUID))
	return op
}

// ClientConfigFor picks the client configuration matching a capability set.
// It returns ClientConfigDisable when neither notify nor indicate is present.
func ClientConfigFor(capabilities []string) radio.ClientConfig {
	switch {
	case device.HasCapability(capabilities, device.CapNotify):
		return radio.ClientConfigNotification
	case device.HasCapability(capabilities, device.CapIndicate):
		return radio.ClientConfigIndication
	default:
		return radio.ClientConfigDisable
	}
}

// Run arms the subscription and returns once the peer confirmed it. The
// operation stays active afterwards.
func (op *Subscribe) Run(ctx context.Context) Result {
	op.setState(StateRunning)
	entry := op.entry()

	if op.config == radio.ClientConfigDisable {
		entry.WithField("capabilities", op.target.Capabilities).Error("Characteristic has no notify or indicate property")
		return op.fail(StateFailed, ReasonNoNotifyOrIndicate)
	}

	result, ok := op.configure(ctx, op.config)
	switch {
	case !ok:
		entry.Warn("Subscription arming timed out")
		return op.fail(StateTimedOut, ReasonTimeout)
	case op.isClosed():
		return op.fail(StateFailed, ReasonNotConnected)
	case result != radio.ResultSuccess:
		entry.WithField("result", fmt.Sprintf("0x%04x", result)).Warn("Subscription arming failed")
		return op.fail(StateFailed, ReasonProcedureFailed)
	}

	entry.WithField("mode", op.config).Info("Subscription armed")
	op.setState(StateCompleted)
	op.finish(Success(nil))
	return op.Response()
}

// Disable tears the subscription down and blocks until the peer confirms.
// The operation is done afterwards whatever the outcome.
func (op *Subscribe) Disable(ctx context.Context) Result {
	op.disabling.Store(true)
	defer op.markDone()
	entry := op.entry()

	if op.isClosed() {
		return Success(nil)
	}

	result, ok := op.configure(ctx, radio.ClientConfigDisable)
	switch {
	case !ok:
		entry.Warn("Subscription disabling timed out")
		return Failure(ReasonTimeout)
	case result != radio.ResultSuccess && !op.isClosed():
		entry.WithField("result", fmt.Sprintf("0x%04x", result)).Warn("Subscription disabling failed")
		return Failure(ReasonProcedureFailed)
	}
	entry.Info("Subscription disabled")
	return Success(nil)
}

// Matches reports whether the subscription targets the characteristic.
func (op *Subscribe) Matches(conn radio.Connection, char radio.Attribute) bool {
	return op.target.Connection == conn && op.target.Characteristic == char
}

// Target returns what the subscription is attached to.
func (op *Subscribe) Target() SubscribeTarget { return op.target }

// Disabling reports whether Disable was called.
func (op *Subscribe) Disabling() bool { return op.disabling.Load() }

// Forwarded returns how many values were handed to Telemetry.
func (op *Subscribe) Forwarded() int {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.forwarded
}

func (op *Subscribe) configure(ctx context.Context, cfg radio.ClientConfig) (uint16, bool) {
	op.completion.Clear()
	if err := op.radio.SetCharacteristicNotification(op.target.Connection, op.target.Characteristic, cfg); err != nil {
		op.entry().WithError(err).WithField("mode", cfg).Error("Failed to issue client configuration command")
		return radio.ResultFailed, true
	}
	if !op.completion.Wait(ctx, op.timeout) {
		return 0, false
	}
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.procedure, true
}

func (op *Subscribe) fail(state State, reason string) Result {
	op.setState(state)
	op.finish(Failure(reason))
	op.markDone()
	return op.Response()
}

func (op *Subscribe) isClosed() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.closed
}

func (op *Subscribe) entry() *logrus.Entry {
	return op.log().WithFields(logrus.Fields{
		"connection":     op.target.Connection,
		"characteristic": op.target.Characteristic,
	})
}

// HandleEvent implements Operation.
func (op *Subscribe) HandleEvent(evt radio.Event) {
	switch e := evt.(type) {
	case radio.GattCharacteristicValue:
		if !op.Matches(e.Connection, e.Characteristic) || op.disabling.Load() {
			return
		}
		if e.AttOpcode != radio.AttHandleValueNotification && e.AttOpcode != radio.AttHandleValueIndication {
			return
		}
		if op.telemetry != nil {
			op.telemetry.PublishNotification(op.target.Address, op.target.Service, op.target.UUID, e.Value)
		}
		op.mu.Lock()
		op.forwarded++
		op.mu.Unlock()

		if e.AttOpcode == radio.AttHandleValueIndication {
			// some peers stall the link unless every indication is confirmed
			if err := op.radio.SendCharacteristicConfirmation(e.Connection); err != nil {
				op.entry().WithError(err).Warn("Failed to confirm indication")
			}
		}

	case radio.GattProcedureCompleted:
		if e.Connection != op.target.Connection {
			return
		}
		op.mu.Lock()
		op.procedure = e.Result
		op.mu.Unlock()
		op.completion.Set()

	case radio.ConnectionClosed:
		if e.Connection != op.target.Connection {
			return
		}
		op.mu.Lock()
		op.closed = true
		op.mu.Unlock()
		op.entry().Debug("Connection closed, dropping subscription")
		op.completion.Set()
		op.markDone()
	}
}
