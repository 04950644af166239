// Package accesspoint is the public face of the gateway: connect, discover,
// read, write, subscribe, unsubscribe and disconnect by peer address. Two
// variants share the contract, one driving a radio and one simulating peers.
package accesspoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blegw/internal/device"
	"github.com/srg/blegw/internal/operation"
	"github.com/srg/blegw/internal/radio"
)

// Kind selects the access point variant.
type Kind string

const (
	KindRadio     Kind = "radio"
	KindSimulated Kind = "simulated"
)

var ErrBootTimeout = errors.New("access point did not boot in time")

// AccessPoint is implemented by RadioAccessPoint and SimulatedAccessPoint.
// Every operation resolves to a Result; failures carry a reason, never an
// error.
type AccessPoint interface {
	Start(ctx context.Context) error
	Stop() error
	// Ready is closed once the access point booted.
	Ready() <-chan struct{}
	Connectable() bool
	StartScan() error

	Connect(ctx context.Context, address string, services []string, retries int) operation.Result
	Discover(ctx context.Context, address string, services []string, retries int) operation.Result
	Read(ctx context.Context, address, service, characteristic string) operation.Result
	Write(ctx context.Context, address, service, characteristic, value string) operation.Result
	Subscribe(ctx context.Context, address, service, characteristic string) operation.Result
	Unsubscribe(ctx context.Context, address, service, characteristic string) operation.Result
	Disconnect(ctx context.Context, address string) operation.Result

	Connection(address string) (ConnectionInfo, bool)
}

// ConnectionInfo describes a live connection without exposing handles.
type ConnectionInfo struct {
	Address     string               `json:"address"`
	ConnectedAt time.Time            `json:"connectedAt"`
	Services    []device.ServiceView `json:"services"`
}

// Config holds the settings both variants use.
type Config struct {
	Kind              Kind
	MaxConnections    int
	ConnectionTimeout time.Duration
	// OperationTimeout bounds read, write, discover and subscribe waits.
	// Zero waits forever.
	OperationTimeout time.Duration

	SubscriptionInterval time.Duration
	ScanInterval         time.Duration
}

// Deps are the collaborators of an access point. Radio is required by the
// radio variant only.
type Deps struct {
	Radio     radio.Radio
	Telemetry operation.Telemetry
	Logger    *logrus.Logger
}

func (d Deps) logger() *logrus.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// New builds the variant selected by cfg.Kind.
func New(cfg Config, deps Deps) (AccessPoint, error) {
	if cfg.MaxConnections <= 0 {
		return nil, fmt.Errorf("max connections must be positive, got %d", cfg.MaxConnections)
	}
	switch cfg.Kind {
	case KindRadio, "":
		if deps.Radio == nil {
			return nil, errors.New("radio access point requires a radio")
		}
		return NewRadioAccessPoint(cfg, deps), nil
	case KindSimulated:
		return NewSimulatedAccessPoint(cfg, deps), nil
	default:
		return nil, fmt.Errorf("unknown access point kind %q", cfg.Kind)
	}
}

// WaitReady blocks until ap booted or timeout elapses.
func WaitReady(ctx context.Context, ap AccessPoint, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case <-ap.Ready():
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrBootTimeout, timeout)
		}
		return ctx.Err()
	}
}

// failureFor maps a lookup or admission error onto a failure result.
func failureFor(err error) operation.Result {
	var ce *device.ConnectionError
	var nf *device.NotFoundError
	switch {
	case errors.As(err, &ce):
		return operation.Failure(string(ce.State))
	case errors.As(err, &nf):
		return operation.Failure(operation.ReasonInvalidAttribute)
	case errors.Is(err, device.ErrInvalidHex):
		return operation.Failure(operation.ReasonInvalidHex)
	default:
		return operation.Failure(err.Error())
	}
}

func normalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
