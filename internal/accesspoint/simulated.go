package accesspoint

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blegw/internal/device"
	"github.com/srg/blegw/internal/groutine"
	"github.com/srg/blegw/internal/operation"
	"github.com/srg/blegw/internal/radio"
	"github.com/srg/blegw/internal/registry"
)

// Connection status reasons reported by the simulation.
const (
	simulatedConnectReason    uint16 = 0
	simulatedDisconnectReason uint16 = 1
)

const (
	simulatedReadValue = "000001"
	// simulatedAddressFormat names the canned advertisers by their index.
	simulatedAddressFormat = "C1:5C:00:00:00:%02d"
)

// SimulatedTree is the GATT tree every simulated peer exposes: a heart rate
// service with a notifying measurement, a readable body sensor location and
// a writable control point.
func SimulatedTree() *device.Tree {
	tree := device.NewTree()
	hr := tree.AddService("180d", 1)
	hr.AddCharacteristic("2a37", 2, device.PropNotify).AddDescriptor("2902", 3)
	hr.AddCharacteristic("2a38", 4, device.PropRead)
	hr.AddCharacteristic("2a39", 5, device.PropWrite)
	return tree
}

type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// SimulatedAccessPoint fabricates connections, values and advertisements
// without hardware. It enforces the same admission rules as the radio
// variant.
type SimulatedAccessPoint struct {
	cfg       Config
	telemetry operation.Telemetry
	logger    *logrus.Logger

	registry      *registry.Registry
	subscriptions *hashmap.Map[string, *subscription]
	nextHandle    atomic.Uint32

	ready     chan struct{}
	readyOnce sync.Once

	mu       sync.Mutex
	group    *groutine.Group
	scanning bool
	rnd      *rand.Rand
}

var _ AccessPoint = (*SimulatedAccessPoint)(nil)

// NewSimulatedAccessPoint creates the simulation.
func NewSimulatedAccessPoint(cfg Config, deps Deps) *SimulatedAccessPoint {
	if cfg.SubscriptionInterval <= 0 {
		cfg.SubscriptionInterval = time.Second
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 100 * time.Millisecond
	}
	return &SimulatedAccessPoint{
		cfg:           cfg,
		telemetry:     deps.Telemetry,
		logger:        deps.logger(),
		registry:      registry.New(cfg.MaxConnections),
		subscriptions: hashmap.New[string, *subscription](),
		ready:         make(chan struct{}),
		rnd:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (ap *SimulatedAccessPoint) Start(ctx context.Context) error {
	ap.mu.Lock()
	if ap.group == nil {
		ap.group = groutine.NewGroup(context.Background())
	}
	ap.mu.Unlock()

	ap.readyOnce.Do(func() {
		ap.logger.Info("System booted (simulated)")
		close(ap.ready)
	})
	return nil
}

// Stop ends scanning and every subscription.
func (ap *SimulatedAccessPoint) Stop() error {
	ap.mu.Lock()
	g := ap.group
	ap.group, ap.scanning = nil, false
	ap.mu.Unlock()

	if g == nil {
		return nil
	}
	ap.logger.Info("Stopping simulated access point")
	ap.subscriptions.Range(func(key string, _ *subscription) bool {
		ap.subscriptions.Del(key)
		return true
	})
	g.Stop()
	return nil
}

func (ap *SimulatedAccessPoint) Ready() <-chan struct{} { return ap.ready }

func (ap *SimulatedAccessPoint) Connectable() bool { return ap.registry.Connectable() }

func (ap *SimulatedAccessPoint) random(n int) int {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	return ap.rnd.Intn(n)
}

// StartScan loops over the canned advertisements until Stop.
func (ap *SimulatedAccessPoint) StartScan() error {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	if ap.group == nil {
		return fmt.Errorf("access point not started")
	}
	if ap.scanning {
		return nil
	}
	ap.scanning = true

	payloads := make([][]byte, 0, len(simulatedAdvertisements))
	for _, h := range simulatedAdvertisements {
		b, err := hex.DecodeString(h)
		if err != nil {
			return fmt.Errorf("canned advertisement %q: %w", h, err)
		}
		payloads = append(payloads, b)
	}

	ap.group.Go("simulated-scan", func(ctx context.Context) {
		ticker := time.NewTicker(ap.cfg.ScanInterval)
		defer ticker.Stop()
		for i := 0; ; i = (i + 1) % len(payloads) {
			if ap.telemetry != nil {
				address := fmt.Sprintf(simulatedAddressFormat, i)
				ap.telemetry.PublishAdvertisement(radio.Advertisement{
					Address:     address,
					AddressType: radio.ClassifyAddress(address),
					RSSI:        int8(-30 + ap.random(11)),
					Data:        payloads[i],
				})
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	})
	ap.logger.Info("Simulated scanner started")
	return nil
}

func (ap *SimulatedAccessPoint) Connect(_ context.Context, address string, services []string, _ int) operation.Result {
	address = normalizeAddress(address)
	res, err := ap.registry.Reserve(address)
	if err != nil {
		return failureFor(err)
	}

	tree := SimulatedTree()
	handle := radio.Connection(ap.nextHandle.Add(1))
	if err := res.Commit(handle, tree); err != nil {
		return failureFor(err)
	}
	if ap.telemetry != nil {
		ap.telemetry.PublishConnectionStatus(address, true, simulatedConnectReason)
	}
	ap.logger.WithField("address", address).Info("Connected (simulated)")
	return operation.Success(map[string]any{"services": tree.View(services)})
}

func (ap *SimulatedAccessPoint) Discover(_ context.Context, address string, services []string, _ int) operation.Result {
	c, err := ap.registry.Get(address)
	if err != nil {
		return failureFor(err)
	}
	return operation.Success(map[string]any{"services": c.Tree.View(services)})
}

// lookup resolves a characteristic that must support capability.
func (ap *SimulatedAccessPoint) lookup(address, service, characteristic, capability string) (registry.Connection, *device.Characteristic, *operation.Result) {
	c, char, err := ap.registry.Lookup(address, service, characteristic)
	if err != nil {
		r := failureFor(err)
		return c, nil, &r
	}
	if capability != "" && !char.Can(capability) {
		r := operation.Failure(operation.ReasonInvalidAttribute)
		return c, nil, &r
	}
	return c, char, nil
}

func (ap *SimulatedAccessPoint) Read(_ context.Context, address, service, characteristic string) operation.Result {
	if _, _, fail := ap.lookup(address, service, characteristic, device.CapRead); fail != nil {
		return *fail
	}
	return operation.Success(map[string]any{"value": simulatedReadValue})
}

func (ap *SimulatedAccessPoint) Write(_ context.Context, address, service, characteristic, value string) operation.Result {
	if _, _, fail := ap.lookup(address, service, characteristic, device.CapWrite); fail != nil {
		return *fail
	}
	normalized, _, err := operation.ParseHex(value)
	if err != nil {
		return failureFor(err)
	}
	return operation.Success(map[string]any{"value": normalized})
}

func subscriptionKey(address, service, characteristic string) string {
	return address + "/" + service + "/" + characteristic
}

// Subscribe starts publishing a random 0xFFFFxxxx value every interval.
func (ap *SimulatedAccessPoint) Subscribe(_ context.Context, address, service, characteristic string) operation.Result {
	c, char, fail := ap.lookup(address, service, characteristic, "")
	if fail != nil {
		return *fail
	}
	if operation.ClientConfigFor(char.Flags) == radio.ClientConfigDisable {
		return operation.Failure(operation.ReasonNoNotifyOrIndicate)
	}

	ap.mu.Lock()
	g := ap.group
	ap.mu.Unlock()
	if g == nil {
		return operation.Failure(operation.ReasonNotConnected)
	}

	service = device.NormalizeUUID(service)
	key := subscriptionKey(c.Address, service, char.UUID)
	ctx, cancel := context.WithCancel(g.Context())
	sub := &subscription{cancel: cancel, done: make(chan struct{})}
	if _, loaded := ap.subscriptions.GetOrInsert(key, sub); loaded {
		cancel()
		return operation.Success(nil)
	}

	g.Go("simulated-subscription", func(context.Context) {
		defer close(sub.done)
		ticker := time.NewTicker(ap.cfg.SubscriptionInterval)
		defer ticker.Stop()
		for {
			if _, err := ap.registry.Get(c.Address); err != nil {
				ap.subscriptions.Del(key)
				return
			}
			value := make([]byte, 4)
			binary.BigEndian.PutUint32(value, 0xFFFF0000+uint32(ap.random(0x10000)))
			if ap.telemetry != nil {
				ap.telemetry.PublishNotification(c.Address, service, char.UUID, value)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	})
	ap.logger.WithFields(logrus.Fields{"address": c.Address, "characteristic": char.UUID}).Info("Subscription armed (simulated)")
	return operation.Success(nil)
}

// Unsubscribe stops the publisher and waits for it to exit.
func (ap *SimulatedAccessPoint) Unsubscribe(_ context.Context, address, service, characteristic string) operation.Result {
	c, char, fail := ap.lookup(address, service, characteristic, "")
	if fail != nil {
		return *fail
	}
	key := subscriptionKey(c.Address, device.NormalizeUUID(service), char.UUID)
	sub, ok := ap.subscriptions.Get(key)
	if !ok {
		return operation.Failure(operation.ReasonNotSubscribed)
	}
	ap.subscriptions.Del(key)
	sub.cancel()
	<-sub.done
	return operation.Success(nil)
}

func (ap *SimulatedAccessPoint) Disconnect(_ context.Context, address string) operation.Result {
	c, ok := ap.registry.Remove(address)
	if !ok {
		return operation.Failure(operation.ReasonNotConnected)
	}
	prefix := c.Address + "/"
	var ended []*subscription
	ap.subscriptions.Range(func(key string, sub *subscription) bool {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			ap.subscriptions.Del(key)
			sub.cancel()
			ended = append(ended, sub)
		}
		return true
	})
	for _, sub := range ended {
		<-sub.done
	}
	if ap.telemetry != nil {
		ap.telemetry.PublishConnectionStatus(c.Address, false, simulatedDisconnectReason)
	}
	ap.logger.WithField("address", c.Address).Info("Disconnected (simulated)")
	return operation.Success(nil)
}

func (ap *SimulatedAccessPoint) Connection(address string) (ConnectionInfo, bool) {
	c, err := ap.registry.Get(address)
	if err != nil {
		return ConnectionInfo{}, false
	}
	return ConnectionInfo{Address: c.Address, ConnectedAt: c.ConnectedAt, Services: c.Tree.View(nil)}, true
}
