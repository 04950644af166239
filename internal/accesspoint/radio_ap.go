package accesspoint

import (
	"context"
	"errors"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blegw/internal/device"
	"github.com/srg/blegw/internal/dispatcher"
	"github.com/srg/blegw/internal/operation"
	"github.com/srg/blegw/internal/radio"
	"github.com/srg/blegw/internal/registry"
)

// RadioAccessPoint drives a radio. A single dispatcher goroutine owns the
// radio event stream; operations run on the callers' goroutines.
//
// GATT procedures on one connection are serialized: procedure completion
// events name only the connection, so two procedures in flight on the same
// connection could not tell their completions apart.
type RadioAccessPoint struct {
	cfg       Config
	radio     radio.Radio
	telemetry operation.Telemetry
	logger    *logrus.Logger

	dispatcher *dispatcher.Dispatcher
	registry   *registry.Registry
	procedures *hashmap.Map[radio.Connection, *sync.Mutex]

	ready     chan struct{}
	readyOnce sync.Once

	mu      sync.Mutex
	scan    *operation.Scan
	cancel  context.CancelFunc
	stopped <-chan struct{}
}

var _ AccessPoint = (*RadioAccessPoint)(nil)

// NewRadioAccessPoint creates a radio-backed access point.
func NewRadioAccessPoint(cfg Config, deps Deps) *RadioAccessPoint {
	ap := &RadioAccessPoint{
		cfg:        cfg,
		radio:      deps.Radio,
		telemetry:  deps.Telemetry,
		logger:     deps.logger(),
		registry:   registry.New(cfg.MaxConnections),
		procedures: hashmap.New[radio.Connection, *sync.Mutex](),
		ready:      make(chan struct{}),
	}
	ap.dispatcher = dispatcher.New(ap.logger, ap.observe)
	return ap
}

func (ap *RadioAccessPoint) env() operation.Env {
	return operation.Env{Radio: ap.radio, Telemetry: ap.telemetry, Logger: ap.logger}
}

// Start begins consuming radio events and boots the radio. Readiness is
// signalled when the radio reports SystemBoot.
func (ap *RadioAccessPoint) Start(ctx context.Context) error {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	if ap.cancel != nil {
		return errors.New("access point already started")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	ap.cancel = cancel
	ap.stopped = ap.dispatcher.Run(runCtx, ap.radio.Events())

	if err := ap.radio.Start(ctx); err != nil {
		cancel()
		ap.cancel = nil
		return err
	}
	return nil
}

// Stop stops scanning, tears the radio down and waits for the dispatcher.
func (ap *RadioAccessPoint) Stop() error {
	ap.mu.Lock()
	scan, cancel, stopped := ap.scan, ap.cancel, ap.stopped
	ap.scan, ap.cancel = nil, nil
	ap.mu.Unlock()

	if cancel == nil {
		return nil
	}
	ap.logger.Info("Stopping access point")

	if scan != nil {
		if err := scan.Stop(); err != nil {
			ap.logger.WithError(err).Warn("Failed to stop scanner")
		}
	}
	err := ap.radio.Stop()
	cancel()
	<-stopped
	return err
}

func (ap *RadioAccessPoint) Ready() <-chan struct{} { return ap.ready }

func (ap *RadioAccessPoint) Connectable() bool { return ap.registry.Connectable() }

// StartScan starts the scan operation once.
func (ap *RadioAccessPoint) StartScan() error {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	if ap.scan != nil {
		return nil
	}
	scan := operation.NewScan(ap.env())
	ap.dispatcher.Register(scan)
	if res := scan.Run(context.Background()); !res.OK() {
		return errors.New(res.Reason)
	}
	ap.scan = scan
	return nil
}

// observe runs on the dispatcher goroutine after the operations saw the event.
func (ap *RadioAccessPoint) observe(evt radio.Event) {
	switch e := evt.(type) {
	case radio.SystemBoot:
		ap.readyOnce.Do(func() {
			ap.logger.WithField("version", e.Version).Info("System booted")
			close(ap.ready)
		})
	case radio.ConnectionClosed:
		ap.procedures.Del(e.Connection)
		if address, ok := ap.registry.RemoveByHandle(e.Connection); ok {
			ap.logger.WithFields(logrus.Fields{
				"address":    address,
				"connection": e.Connection,
				"reason":     e.Reason,
			}).Info("Connection closed")
		}
	}
}

// procedure serializes GATT procedures on a connection.
func (ap *RadioAccessPoint) procedure(conn radio.Connection) func() {
	mu, _ := ap.procedures.GetOrInsert(conn, &sync.Mutex{})
	mu.Lock()
	return mu.Unlock
}

// Connect admits, opens and discovers a connection. The registry slot is
// reserved up front so concurrent connects cannot exceed the bound or
// connect one address twice.
func (ap *RadioAccessPoint) Connect(ctx context.Context, address string, services []string, retries int) operation.Result {
	address = normalizeAddress(address)
	log := ap.logger.WithField("address", address)

	res, err := ap.registry.Reserve(address)
	if err != nil {
		log.WithError(err).Warn("Connect rejected")
		return failureFor(err)
	}

	connect := operation.NewConnect(ap.env(), address, retries, ap.cfg.ConnectionTimeout)
	connect.OnOpen(res.Bind)
	ap.dispatcher.Register(connect)
	if result := connect.Run(ctx); !result.OK() {
		res.Release()
		return result
	}

	handle, _ := connect.Handle()
	if connect.Closed() {
		res.Release()
		log.WithField("connection", handle).Warn("Connection closed right after opening")
		return operation.Failure(operation.ReasonNotConnected)
	}

	discover := operation.NewDiscover(ap.env(), handle, retries, services, ap.cfg.OperationTimeout)
	ap.dispatcher.Register(discover)
	unlock := ap.procedure(handle)
	result := discover.Run(ctx)
	unlock()

	if !result.OK() || connect.Closed() {
		res.Release()
		log.WithField("connection", handle).Warn("Connection closed during discovery")
		return operation.Failure(operation.ReasonNotConnected)
	}
	if err := res.Commit(handle, discover.Tree()); err != nil {
		log.WithError(err).Warn("Connection closed during discovery")
		return failureFor(err)
	}
	log.WithField("connection", handle).Info("Connected")
	return result
}

// Discover refreshes the tree of a live connection.
func (ap *RadioAccessPoint) Discover(ctx context.Context, address string, services []string, retries int) operation.Result {
	c, err := ap.registry.Get(address)
	if err != nil {
		return failureFor(err)
	}

	discover := operation.NewDiscover(ap.env(), c.Handle, retries, services, ap.cfg.OperationTimeout)
	ap.dispatcher.Register(discover)
	unlock := ap.procedure(c.Handle)
	result := discover.Run(ctx)
	unlock()
	if !result.OK() {
		return result
	}

	if err := ap.registry.UpdateTree(c.Address, discover.Tree()); err != nil {
		return failureFor(err)
	}
	return result
}

func (ap *RadioAccessPoint) Read(ctx context.Context, address, service, characteristic string) operation.Result {
	c, char, err := ap.registry.Lookup(address, service, characteristic)
	if err != nil {
		return failureFor(err)
	}

	read := operation.NewRead(ap.env(), c.Handle, radio.Attribute(char.Handle), ap.cfg.OperationTimeout)
	ap.dispatcher.Register(read)
	defer ap.procedure(c.Handle)()
	return read.Run(ctx)
}

func (ap *RadioAccessPoint) Write(ctx context.Context, address, service, characteristic, value string) operation.Result {
	c, char, err := ap.registry.Lookup(address, service, characteristic)
	if err != nil {
		return failureFor(err)
	}

	write, err := operation.NewWrite(ap.env(), c.Handle, radio.Attribute(char.Handle), value, ap.cfg.OperationTimeout)
	if err != nil {
		return failureFor(err)
	}
	ap.dispatcher.Register(write)
	defer ap.procedure(c.Handle)()
	return write.Run(ctx)
}

func (ap *RadioAccessPoint) findSubscription(conn radio.Connection, char radio.Attribute) (*operation.Subscribe, bool) {
	op, ok := ap.dispatcher.Find(func(op operation.Operation) bool {
		sub, ok := op.(*operation.Subscribe)
		return ok && sub.Matches(conn, char) && !sub.Disabling()
	})
	if !ok {
		return nil, false
	}
	return op.(*operation.Subscribe), true
}

// Subscribe arms notifications or indications. Subscribing twice to the
// same characteristic keeps the existing subscription.
func (ap *RadioAccessPoint) Subscribe(ctx context.Context, address, service, characteristic string) operation.Result {
	c, char, err := ap.registry.Lookup(address, service, characteristic)
	if err != nil {
		return failureFor(err)
	}
	attr := radio.Attribute(char.Handle)

	defer ap.procedure(c.Handle)()
	if _, ok := ap.findSubscription(c.Handle, attr); ok {
		return operation.Success(nil)
	}

	sub := operation.NewSubscribe(ap.env(), operation.SubscribeTarget{
		Connection:     c.Handle,
		Characteristic: attr,
		Address:        c.Address,
		Service:        device.NormalizeUUID(service),
		UUID:           char.UUID,
		Capabilities:   char.Flags,
	}, ap.cfg.OperationTimeout)
	ap.dispatcher.Register(sub)
	return sub.Run(ctx)
}

func (ap *RadioAccessPoint) Unsubscribe(ctx context.Context, address, service, characteristic string) operation.Result {
	c, char, err := ap.registry.Lookup(address, service, characteristic)
	if err != nil {
		return failureFor(err)
	}

	defer ap.procedure(c.Handle)()
	sub, ok := ap.findSubscription(c.Handle, radio.Attribute(char.Handle))
	if !ok {
		return operation.Failure(operation.ReasonNotSubscribed)
	}
	return sub.Disable(ctx)
}

// Disconnect closes the connection. The registry entry is dropped whether
// or not the radio confirmed the close.
func (ap *RadioAccessPoint) Disconnect(ctx context.Context, address string) operation.Result {
	c, err := ap.registry.Get(address)
	if err != nil {
		return failureFor(err)
	}

	disconnect := operation.NewDisconnect(ap.env(), c.Handle, ap.cfg.ConnectionTimeout)
	ap.dispatcher.Register(disconnect)
	result := disconnect.Run(ctx)

	ap.registry.Remove(c.Address)
	ap.procedures.Del(c.Handle)
	return result
}

func (ap *RadioAccessPoint) Connection(address string) (ConnectionInfo, bool) {
	c, err := ap.registry.Get(address)
	if err != nil {
		return ConnectionInfo{}, false
	}
	return ConnectionInfo{Address: c.Address, ConnectedAt: c.ConnectedAt, Services: c.Tree.View(nil)}, true
}

// Addresses lists the live connections.
func (ap *RadioAccessPoint) Addresses() []string { return ap.registry.Addresses() }
