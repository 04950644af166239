// Package operation turns the asynchronous radio event stream into blocking,
// per-request BLE operations.
//
// Every operation issues radio commands from the caller's goroutine and waits
// on a Completion that its HandleEvent method sets when the dispatcher
// delivers a satisfying event. HandleEvent always runs on the dispatcher's
// goroutine and must filter events by connection (and attribute) handle
// itself.
package operation

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/blegw/internal/radio"
)

// State is the lifecycle position of an operation.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateCompleted
	StateTimedOut
	StateFailed
	StateDone
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed_out"
	case StateFailed:
		return "failed"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Operation is a unit of work observing the radio event stream.
type Operation interface {
	// Name identifies the operation in logs.
	Name() string
	// HandleEvent observes one radio event. Events not addressed to the
	// operation are ignored.
	HandleEvent(evt radio.Event)
	// Done reports that the operation no longer needs events.
	Done() bool
}

// Telemetry receives the data operations forward while they run.
type Telemetry interface {
	PublishNotification(address, service, characteristic string, value []byte)
	PublishAdvertisement(adv radio.Advertisement)
	PublishConnectionStatus(address string, connected bool, reason uint16)
}

// Env carries the collaborators shared by all operations.
type Env struct {
	Radio     radio.Radio
	Telemetry Telemetry
	Logger    *logrus.Logger
}

func (e Env) logger() *logrus.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// base carries state common to all operation variants.
type base struct {
	name       string
	radio      radio.Radio
	telemetry  Telemetry
	logger     *logrus.Logger
	completion *Completion

	state atomic.Int32
	done  atomic.Bool

	resultMu sync.Mutex
	result   *Result
}

func (b *base) init(env Env, name string) {
	b.name = name
	b.radio = env.Radio
	b.telemetry = env.Telemetry
	b.logger = env.logger()
	b.completion = NewCompletion()
}

func (b *base) Name() string { return b.name }

func (b *base) String() string { return b.name }

// Done reports that the operation is finished and may be dropped by the dispatcher.
func (b *base) Done() bool { return b.done.Load() }

// State returns the lifecycle state.
func (b *base) State() State {
	if b.done.Load() {
		return StateDone
	}
	return State(b.state.Load())
}

func (b *base) setState(s State) { b.state.Store(int32(s)) }

func (b *base) markDone() { b.done.Store(true) }

// finish records the terminal result once. Later calls are ignored.
func (b *base) finish(r Result) {
	b.resultMu.Lock()
	defer b.resultMu.Unlock()
	if b.result == nil {
		b.result = &r
	}
}

// Response returns the terminal result; before the operation ran it reports
// a failure.
func (b *base) Response() Result {
	b.resultMu.Lock()
	defer b.resultMu.Unlock()
	if b.result == nil {
		return Failure(ReasonTimeout)
	}
	return *b.result
}

func (b *base) log() *logrus.Entry {
	return b.logger.WithField("operation", b.name)
}
