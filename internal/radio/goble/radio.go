// Package goble drives a local BLE adapter through go-ble and presents it
// as a radio.Radio.
//
// go-ble is blocking and handle-less, so every command is queued onto a
// per-connection worker goroutine and its outcome is reported as events.
// Connection, service and attribute handles are synthetic and only valid
// within this radio.
package goble

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blegw/internal/adv"
	"github.com/srg/blegw/internal/groutine"
	"github.com/srg/blegw/internal/radio"
)

// Connection close reasons, HCI error codes in the controller error range.
const (
	ReasonRemoteTerminated uint16 = 0x0213
	ReasonLocalTerminated  uint16 = 0x0216
	ReasonConnectFailed    uint16 = 0x023e
)

const (
	// DefaultEventBuffer is the size of the event channel.
	DefaultEventBuffer = 256

	jobQueueSize = 32
	version      = "go-ble"
)

type job func(ctx context.Context, pc *peerConn)

// peerConn is one connection slot. Everything but peer and the once is
// touched by its worker goroutine only.
type peerConn struct {
	handle      radio.Connection
	address     string
	addressType radio.AddressType
	ctx         context.Context
	cancel      context.CancelFunc
	jobs        chan job
	closeOnce   sync.Once

	mu   sync.Mutex
	peer Peer

	nextService   radio.Service
	nextAttribute radio.Attribute
	services      map[radio.Service]*ble.Service
	chars         map[radio.Attribute]*ble.Characteristic
	subscribed    map[radio.Attribute]radio.ClientConfig
}

func (pc *peerConn) getPeer() Peer {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.peer
}

// Radio implements radio.Radio over a Central.
type Radio struct {
	logger *logrus.Logger
	events chan radio.Event

	emitMu sync.RWMutex
	closed bool

	mu          sync.Mutex
	central     Central
	group       *groutine.Group
	started     bool
	nextHandle  radio.Connection
	scanCancel  context.CancelFunc
	conns       *hashmap.Map[radio.Connection, *peerConn]
	stoppedOnce sync.Once
}

// New creates a radio; the adapter is opened by Start.
func New(logger *logrus.Logger) *Radio {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Radio{
		logger: logger,
		events: make(chan radio.Event, DefaultEventBuffer),
		conns:  hashmap.New[radio.Connection, *peerConn](),
	}
}

var _ radio.Radio = (*Radio)(nil)

// Events implements radio.Radio.
func (r *Radio) Events() <-chan radio.Event { return r.events }

// Start opens the adapter and reports SystemBoot.
func (r *Radio) Start(_ context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	central, err := DeviceFactory()
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("failed to create BLE device: %w", err)
	}
	r.central = central
	r.group = groutine.NewGroup(context.Background())
	r.started = true
	g := r.group
	r.mu.Unlock()

	r.logger.Info("BLE adapter opened")
	r.emit(g.Context(), radio.SystemBoot{Version: version})
	return nil
}

// Stop closes every connection, the adapter and the event stream.
func (r *Radio) Stop() error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	central, g := r.central, r.group
	if r.scanCancel != nil {
		r.scanCancel()
		r.scanCancel = nil
	}
	r.mu.Unlock()

	var stopErr error
	r.stoppedOnce.Do(func() {
		r.conns.Range(func(_ radio.Connection, pc *peerConn) bool {
			r.teardown(pc, ReasonLocalTerminated)
			return true
		})
		g.Stop()
		stopErr = NormalizeError(central.Stop())

		r.emitMu.Lock()
		r.closed = true
		close(r.events)
		r.emitMu.Unlock()
		r.logger.Info("BLE adapter closed")
	})
	return stopErr
}

func (r *Radio) emit(ctx context.Context, evt radio.Event) {
	r.emitMu.RLock()
	defer r.emitMu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.events <- evt:
	case <-ctx.Done():
		r.logger.WithField("event", evt.Kind()).Debug("Event dropped on shutdown")
	}
}

func (r *Radio) running() (*groutine.Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started || r.group == nil || r.group.Context().Err() != nil {
		return nil, radio.ErrNotStarted
	}
	return r.group, nil
}

func (r *Radio) allocateLocked() (radio.Connection, error) {
	for i := 0; i < math.MaxUint8; i++ {
		r.nextHandle++
		if r.nextHandle == 0 {
			r.nextHandle = 1
		}
		if _, used := r.conns.Get(r.nextHandle); !used {
			return r.nextHandle, nil
		}
	}
	return 0, radio.ErrNoFreeHandle
}

// Open assigns a handle and dials the peer on the connection's worker.
func (r *Radio) Open(address string, addressType radio.AddressType) (radio.Connection, error) {
	g, err := r.running()
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	handle, err := r.allocateLocked()
	if err != nil {
		r.mu.Unlock()
		return 0, err
	}
	ctx, cancel := context.WithCancel(g.Context())
	pc := &peerConn{
		handle:      handle,
		address:     address,
		addressType: addressType,
		ctx:         ctx,
		cancel:      cancel,
		jobs:        make(chan job, jobQueueSize),
		services:    make(map[radio.Service]*ble.Service),
		chars:       make(map[radio.Attribute]*ble.Characteristic),
		subscribed:  make(map[radio.Attribute]radio.ClientConfig),
	}
	r.conns.Set(handle, pc)
	r.mu.Unlock()

	pc.jobs <- r.dial
	g.Go("goble-connection", func(context.Context) { r.work(pc) })
	return handle, nil
}

func (r *Radio) work(pc *peerConn) {
	for {
		select {
		case <-pc.ctx.Done():
			return
		case j := <-pc.jobs:
			j(pc.ctx, pc)
		}
	}
}

func (r *Radio) dial(ctx context.Context, pc *peerConn) {
	entry := r.logger.WithFields(logrus.Fields{"address": pc.address, "connection": pc.handle})
	entry.Debug("Dialing BLE device...")

	peer, err := r.central.Dial(ctx, ble.NewAddr(pc.address))
	if err != nil {
		if ctx.Err() == nil {
			entry.WithError(NormalizeError(err)).Warn("Failed to dial BLE device")
			r.teardown(pc, ReasonConnectFailed)
		}
		return
	}

	pc.mu.Lock()
	pc.peer = peer
	pc.mu.Unlock()
	if ctx.Err() != nil {
		_ = peer.CancelConnection()
		return
	}

	r.emit(ctx, radio.ConnectionOpened{Connection: pc.handle, Address: pc.address, AddressType: pc.addressType})
	entry.Info("BLE device connected")

	notifier, ok := peer.(disconnectNotifier)
	if !ok {
		return
	}
	groutine.Go(ctx, "goble-connection-monitor", func(ctx context.Context) {
		select {
		case <-notifier.Disconnected():
			entry.Warn("Peer reported disconnection")
			r.teardown(pc, ReasonRemoteTerminated)
		case <-ctx.Done():
		}
	})
}

// teardown reports a connection closed exactly once.
func (r *Radio) teardown(pc *peerConn, reason uint16) {
	pc.closeOnce.Do(func() {
		pc.cancel()
		if peer := pc.getPeer(); peer != nil {
			if err := peer.CancelConnection(); err != nil {
				r.logger.WithError(NormalizeError(err)).WithField("connection", pc.handle).Debug("Cancel connection failed")
			}
		}
		r.conns.Del(pc.handle)

		r.mu.Lock()
		g := r.group
		r.mu.Unlock()
		r.emit(g.Context(), radio.ConnectionClosed{Connection: pc.handle, Reason: reason})
	})
}

// Close implements radio.Radio.
func (r *Radio) Close(conn radio.Connection) error {
	g, err := r.running()
	if err != nil {
		return err
	}
	pc, ok := r.conns.Get(conn)
	if !ok {
		return radio.ErrUnknownConnection
	}
	g.Go("goble-close", func(context.Context) { r.teardown(pc, ReasonLocalTerminated) })
	return nil
}

func (r *Radio) enqueue(conn radio.Connection, j job) error {
	if _, err := r.running(); err != nil {
		return err
	}
	pc, ok := r.conns.Get(conn)
	if !ok {
		return radio.ErrUnknownConnection
	}
	select {
	case pc.jobs <- j:
		return nil
	default:
		return ErrBusy
	}
}

func (r *Radio) complete(ctx context.Context, pc *peerConn, err error) {
	result := radio.ResultSuccess
	if err != nil {
		result = radio.ResultFailed
		if errors.Is(err, context.DeadlineExceeded) {
			result = radio.ResultTimeout
		}
		r.logger.WithFields(logrus.Fields{
			"connection": pc.handle,
			"address":    pc.address,
		}).WithError(NormalizeError(err)).Warn("GATT procedure failed")
	}
	r.emit(ctx, radio.GattProcedureCompleted{Connection: pc.handle, Result: result})
}

func leUUID(u ble.UUID) []byte {
	return append([]byte(nil), u...)
}

// DiscoverPrimaryServices implements radio.Radio.
func (r *Radio) DiscoverPrimaryServices(conn radio.Connection) error {
	return r.enqueue(conn, func(ctx context.Context, pc *peerConn) {
		services, err := pc.getPeer().DiscoverServices(nil)
		if err != nil {
			r.complete(ctx, pc, err)
			return
		}
		for _, svc := range services {
			pc.nextService++
			pc.services[pc.nextService] = svc
			r.emit(ctx, radio.GattService{Connection: pc.handle, Service: pc.nextService, UUID: leUUID(svc.UUID)})
		}
		r.complete(ctx, pc, nil)
	})
}

// DiscoverCharacteristics implements radio.Radio.
func (r *Radio) DiscoverCharacteristics(conn radio.Connection, service radio.Service) error {
	return r.enqueue(conn, func(ctx context.Context, pc *peerConn) {
		svc, ok := pc.services[service]
		if !ok {
			r.complete(ctx, pc, radio.ErrUnknownAttribute)
			return
		}
		chars, err := pc.getPeer().DiscoverCharacteristics(nil, svc)
		if err != nil {
			r.complete(ctx, pc, err)
			return
		}
		for _, c := range chars {
			pc.nextAttribute++
			pc.chars[pc.nextAttribute] = c
			r.emit(ctx, radio.GattCharacteristic{
				Connection:     pc.handle,
				Characteristic: pc.nextAttribute,
				Properties:     uint16(c.Property),
				UUID:           leUUID(c.UUID),
			})
		}
		r.complete(ctx, pc, nil)
	})
}

// DiscoverDescriptors implements radio.Radio.
func (r *Radio) DiscoverDescriptors(conn radio.Connection, characteristic radio.Attribute) error {
	return r.enqueue(conn, func(ctx context.Context, pc *peerConn) {
		c, ok := pc.chars[characteristic]
		if !ok {
			r.complete(ctx, pc, radio.ErrUnknownAttribute)
			return
		}
		descriptors, err := pc.getPeer().DiscoverDescriptors(nil, c)
		if err != nil {
			r.complete(ctx, pc, err)
			return
		}
		for _, d := range descriptors {
			pc.nextAttribute++
			r.emit(ctx, radio.GattDescriptor{Connection: pc.handle, Descriptor: pc.nextAttribute, UUID: leUUID(d.UUID)})
		}
		r.complete(ctx, pc, nil)
	})
}

// ReadCharacteristicValue implements radio.Radio.
func (r *Radio) ReadCharacteristicValue(conn radio.Connection, characteristic radio.Attribute) error {
	return r.enqueue(conn, func(ctx context.Context, pc *peerConn) {
		c, ok := pc.chars[characteristic]
		if !ok {
			r.complete(ctx, pc, radio.ErrUnknownAttribute)
			return
		}
		value, err := pc.getPeer().ReadCharacteristic(c)
		if err != nil {
			r.complete(ctx, pc, err)
			return
		}
		r.emit(ctx, radio.GattCharacteristicValue{
			Connection:     pc.handle,
			Characteristic: characteristic,
			AttOpcode:      radio.AttReadResponse,
			Value:          append([]byte(nil), value...),
		})
		r.complete(ctx, pc, nil)
	})
}

// WriteCharacteristicValue implements radio.Radio. Characteristics that
// only allow write without response are written that way.
func (r *Radio) WriteCharacteristicValue(conn radio.Connection, characteristic radio.Attribute, value []byte) error {
	value = append([]byte(nil), value...)
	return r.enqueue(conn, func(ctx context.Context, pc *peerConn) {
		c, ok := pc.chars[characteristic]
		if !ok {
			r.complete(ctx, pc, radio.ErrUnknownAttribute)
			return
		}
		noRsp := c.Property&ble.CharWrite == 0 && c.Property&ble.CharWriteNR != 0
		r.complete(ctx, pc, pc.getPeer().WriteCharacteristic(c, value, noRsp))
	})
}

// SetCharacteristicNotification implements radio.Radio. Pushed values are
// reported with the notification or indication opcode.
func (r *Radio) SetCharacteristicNotification(conn radio.Connection, characteristic radio.Attribute, flags radio.ClientConfig) error {
	return r.enqueue(conn, func(ctx context.Context, pc *peerConn) {
		c, ok := pc.chars[characteristic]
		if !ok {
			r.complete(ctx, pc, radio.ErrUnknownAttribute)
			return
		}
		peer := pc.getPeer()

		if current, active := pc.subscribed[characteristic]; active {
			if err := peer.Unsubscribe(c, current == radio.ClientConfigIndication); err != nil {
				r.complete(ctx, pc, err)
				return
			}
			delete(pc.subscribed, characteristic)
		}
		if flags == radio.ClientConfigDisable {
			r.complete(ctx, pc, nil)
			return
		}

		indicate := flags == radio.ClientConfigIndication
		opcode := radio.AttHandleValueNotification
		if indicate {
			opcode = radio.AttHandleValueIndication
		}
		err := peer.Subscribe(c, indicate, func(data []byte) {
			r.emit(ctx, radio.GattCharacteristicValue{
				Connection:     pc.handle,
				Characteristic: characteristic,
				AttOpcode:      opcode,
				Value:          append([]byte(nil), data...),
			})
		})
		if err == nil {
			pc.subscribed[characteristic] = flags
		}
		r.complete(ctx, pc, err)
	})
}

// SendCharacteristicConfirmation implements radio.Radio. go-ble confirms
// indications itself.
func (r *Radio) SendCharacteristicConfirmation(conn radio.Connection) error {
	if _, ok := r.conns.Get(conn); !ok {
		return radio.ErrUnknownConnection
	}
	r.logger.WithField("connection", conn).Debug("Indication confirmed by go-ble")
	return nil
}

// StartScanner implements radio.Radio. Reports are delivered as legacy
// advertisement reports.
func (r *Radio) StartScanner() error {
	g, err := r.running()
	if err != nil {
		return err
	}
	r.mu.Lock()
	if r.scanCancel != nil {
		r.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(g.Context())
	r.scanCancel = cancel
	central := r.central
	r.mu.Unlock()

	g.Go("goble-scanner", func(context.Context) {
		err := central.Scan(ctx, true, func(a Advertisement) {
			r.emit(ctx, radio.LegacyAdvertisementReport{Advertisement: advertisementOf(a)})
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			r.logger.WithError(NormalizeError(err)).Error("Scan failed")
		}
		r.mu.Lock()
		if ctx.Err() == nil {
			r.scanCancel = nil
		}
		r.mu.Unlock()
		cancel()
	})
	r.logger.Info("Scanner started")
	return nil
}

// StopScanner implements radio.Radio.
func (r *Radio) StopScanner() error {
	if _, err := r.running(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scanCancel != nil {
		r.scanCancel()
		r.scanCancel = nil
		r.logger.Info("Scanner stopped")
	}
	return nil
}

// advertisementOf converts a go-ble advertisement. Without a raw payload the
// AD structures are rebuilt from the parsed fields; flags are not recoverable.
func advertisementOf(a Advertisement) radio.Advertisement {
	address := a.Addr().String()
	out := radio.Advertisement{
		Address:     address,
		AddressType: radio.ClassifyAddress(address),
		RSSI:        clampRSSI(a.RSSI()),
	}
	if raw, ok := a.(rawAdvertisement); ok && len(raw.Data()) > 0 {
		out.Data = append([]byte(nil), raw.Data()...)
		return out
	}
	out.Data = adv.Encode(structuresOf(a)...)
	return out
}

func structuresOf(a Advertisement) []adv.Structure {
	var out []adv.Structure

	var uuid16, uuid128 []byte
	for _, u := range a.Services() {
		switch len(u) {
		case 2:
			uuid16 = append(uuid16, u...)
		case 16:
			uuid128 = append(uuid128, u...)
		}
	}
	if len(uuid16) > 0 {
		out = append(out, adv.Structure{Type: adv.TypeCompleteServices16, Data: uuid16})
	}
	if len(uuid128) > 0 {
		out = append(out, adv.Structure{Type: adv.TypeCompleteServices128, Data: uuid128})
	}
	if name := a.LocalName(); name != "" {
		out = append(out, adv.Structure{Type: adv.TypeCompleteLocalName, Data: []byte(name)})
	}
	if tx := a.TxPowerLevel(); tx != 127 && tx >= math.MinInt8 && tx <= math.MaxInt8 {
		out = append(out, adv.Structure{Type: adv.TypeTxPower, Data: []byte{byte(int8(tx))}})
	}
	for _, sd := range a.ServiceData() {
		if len(sd.UUID) != 2 {
			continue
		}
		out = append(out, adv.Structure{Type: adv.TypeServiceData16, Data: append(append([]byte(nil), sd.UUID...), sd.Data...)})
	}
	if md := a.ManufacturerData(); len(md) > 0 {
		out = append(out, adv.Structure{Type: adv.TypeManufacturerSpecific, Data: md})
	}
	return out
}

func clampRSSI(rssi int) int8 {
	switch {
	case rssi > math.MaxInt8:
		return math.MaxInt8
	case rssi < math.MinInt8:
		return math.MinInt8
	default:
		return int8(rssi)
	}
}
