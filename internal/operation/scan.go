package operation

import (
	"context"
	"sync/atomic"

	"github.com/srg/blegw/internal/radio"
)

// Scan forwards every advertisement report to Telemetry. It is started once
// and stays active until Stop.
type Scan struct {
	base

	reports atomic.Uint64
}

// NewScan creates the scan operation.
func NewScan(env Env) *Scan {
	op := &Scan{}
	op.init(env, "scan")
	return op
}

// Run starts the scanner and returns immediately; reports keep flowing
// through HandleEvent.
func (op *Scan) Run(_ context.Context) Result {
	if err := op.radio.StartScanner(); err != nil {
		op.log().WithError(err).Error("Failed to start scanner")
		op.setState(StateFailed)
		op.finish(Failure(ReasonRadioError))
		op.markDone()
		return op.Response()
	}
	op.log().Info("Scanner started")
	op.setState(StateRunning)
	op.finish(Success(nil))
	return op.Response()
}

// Stop stops the scanner and retires the operation.
func (op *Scan) Stop() error {
	defer op.markDone()
	op.setState(StateCompleted)
	return op.radio.StopScanner()
}

// Reports returns how many advertisement reports were forwarded.
func (op *Scan) Reports() uint64 { return op.reports.Load() }

// HandleEvent implements Operation.
func (op *Scan) HandleEvent(evt radio.Event) {
	var adv radio.Advertisement
	switch e := evt.(type) {
	case radio.ScannerReport:
		adv = e.Advertisement
	case radio.LegacyAdvertisementReport:
		adv = e.Advertisement
	default:
		return
	}
	op.reports.Add(1)
	if op.telemetry != nil {
		op.telemetry.PublishAdvertisement(adv)
	}
}
