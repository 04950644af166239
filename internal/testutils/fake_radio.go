package testutils

import (
	"context"
	"strings"
	"sync"

	"github.com/srg/blegw/internal/device"
	"github.com/srg/blegw/internal/radio"
)

// Command names recorded by FakeRadio.
const (
	CmdOpen                    = "open"
	CmdClose                   = "close"
	CmdDiscoverServices        = "discover_primary_services"
	CmdDiscoverCharacteristics = "discover_characteristics"
	CmdDiscoverDescriptors     = "discover_descriptors"
	CmdRead                    = "read_characteristic_value"
	CmdWrite                   = "write_characteristic_value"
	CmdSetNotification         = "set_characteristic_notification"
	CmdConfirm                 = "send_characteristic_confirmation"
	CmdStartScanner            = "scanner_start"
	CmdStopScanner             = "scanner_stop"
)

// Command is one call recorded by FakeRadio.
type Command struct {
	Name       string
	Address    string
	Connection radio.Connection
	Service    radio.Service
	Attribute  radio.Attribute
	Value      []byte
	Config     radio.ClientConfig
}

// FakeRadio is a scripted radio.Radio. Every command is recorded; by default
// it then answers the way a controller serving the added peripherals would,
// pushing events onto its buffered stream. Intercept lets a test replace the
// default reaction for a command: returning true skips it.
type FakeRadio struct {
	// Intercept runs before the default reaction, outside the radio lock so
	// it may call Emit.
	Intercept func(cmd Command) bool

	mu          sync.Mutex
	events      chan radio.Event
	started     bool
	stopped     bool
	scanning    bool
	peripherals map[string]*FakePeripheral
	conns       map[radio.Connection]*FakePeripheral
	pending     map[radio.Connection]string
	nextHandle  radio.Connection
	commands    []Command
	configs     map[radio.Attribute]radio.ClientConfig
}

// NewFakeRadio creates a fake radio serving the given peripherals.
func NewFakeRadio(peripherals ...*FakePeripheral) *FakeRadio {
	r := &FakeRadio{
		events:      make(chan radio.Event, 4096),
		peripherals: make(map[string]*FakePeripheral),
		conns:       make(map[radio.Connection]*FakePeripheral),
		pending:     make(map[radio.Connection]string),
		configs:     make(map[radio.Attribute]radio.ClientConfig),
	}
	for _, p := range peripherals {
		r.AddPeripheral(p)
	}
	return r
}

// SetIntercept installs or clears the command interceptor.
func (r *FakeRadio) SetIntercept(fn func(cmd Command) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Intercept = fn
}

// AddPeripheral makes a peer reachable.
func (r *FakeRadio) AddPeripheral(p *FakePeripheral) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peripherals[strings.ToLower(p.Address)] = p
}

// Start emits SystemBoot.
func (r *FakeRadio) Start(_ context.Context) error {
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()
	r.Emit(radio.SystemBoot{Version: "fake"})
	return nil
}

// Stop closes the event stream.
func (r *FakeRadio) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.stopped {
		r.stopped = true
		close(r.events)
	}
	return nil
}

// Events implements radio.Radio.
func (r *FakeRadio) Events() <-chan radio.Event { return r.events }

// Emit pushes an event onto the stream. Events after Stop are dropped.
func (r *FakeRadio) Emit(evts ...radio.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emitLocked(evts...)
}

func (r *FakeRadio) emitLocked(evts ...radio.Event) {
	if r.stopped {
		return
	}
	for _, evt := range evts {
		r.events <- evt
	}
}

func (r *FakeRadio) record(cmd Command) bool {
	r.mu.Lock()
	r.commands = append(r.commands, cmd)
	intercept := r.Intercept
	r.mu.Unlock()
	return intercept != nil && intercept(cmd)
}

// Open assigns a handle and connects to the peer if it is reachable.
func (r *FakeRadio) Open(address string, _ radio.AddressType) (radio.Connection, error) {
	address = strings.ToLower(address)

	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return 0, radio.ErrNotStarted
	}
	handle, err := r.allocateLocked()
	if err != nil {
		r.mu.Unlock()
		return 0, err
	}
	r.pending[handle] = address
	r.mu.Unlock()

	if r.record(Command{Name: CmdOpen, Address: address, Connection: handle}) {
		return handle, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peripherals[address]
	if !ok {
		return handle, nil
	}
	delete(r.pending, handle)
	r.conns[handle] = p
	r.emitLocked(radio.ConnectionOpened{
		Connection:  handle,
		Address:     address,
		AddressType: radio.ClassifyAddress(address),
	})
	return handle, nil
}

func (r *FakeRadio) allocateLocked() (radio.Connection, error) {
	for i := 0; i < 255; i++ {
		r.nextHandle++
		if r.nextHandle == 0 {
			r.nextHandle = 1
		}
		_, live := r.conns[r.nextHandle]
		_, pending := r.pending[r.nextHandle]
		if !live && !pending {
			return r.nextHandle, nil
		}
	}
	return 0, radio.ErrNoFreeHandle
}

// Close drops the connection or pending attempt and reports it closed.
func (r *FakeRadio) Close(conn radio.Connection) error {
	if r.record(Command{Name: CmdClose, Connection: conn}) {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, live := r.conns[conn]
	_, pending := r.pending[conn]
	if !live && !pending {
		return radio.ErrUnknownConnection
	}
	delete(r.conns, conn)
	delete(r.pending, conn)
	r.emitLocked(radio.ConnectionClosed{Connection: conn, Reason: 0x16})
	return nil
}

// Drop simulates the peer at address going away.
func (r *FakeRadio) Drop(address string, reason uint16) bool {
	address = strings.ToLower(address)
	r.mu.Lock()
	defer r.mu.Unlock()
	for handle, p := range r.conns {
		if p.Address == address {
			delete(r.conns, handle)
			r.emitLocked(radio.ConnectionClosed{Connection: handle, Reason: reason})
			return true
		}
	}
	return false
}

func (r *FakeRadio) peerLocked(conn radio.Connection) (*FakePeripheral, bool) {
	p, ok := r.conns[conn]
	return p, ok
}

func (r *FakeRadio) completeLocked(conn radio.Connection, result uint16) {
	r.emitLocked(radio.GattProcedureCompleted{Connection: conn, Result: result})
}

// DiscoverPrimaryServices reports every service of the peer.
func (r *FakeRadio) DiscoverPrimaryServices(conn radio.Connection) error {
	if r.record(Command{Name: CmdDiscoverServices, Connection: conn}) {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peerLocked(conn)
	if !ok {
		return radio.ErrUnknownConnection
	}
	for _, svc := range p.Services {
		r.emitLocked(radio.GattService{Connection: conn, Service: radio.Service(svc.Handle), UUID: device.UUIDToLE(svc.UUID)})
	}
	r.completeLocked(conn, radio.ResultSuccess)
	return nil
}

// DiscoverCharacteristics reports the characteristics of one service.
func (r *FakeRadio) DiscoverCharacteristics(conn radio.Connection, service radio.Service) error {
	if r.record(Command{Name: CmdDiscoverCharacteristics, Connection: conn, Service: service}) {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peerLocked(conn)
	if !ok {
		return radio.ErrUnknownConnection
	}
	for _, svc := range p.Services {
		if radio.Service(svc.Handle) != service {
			continue
		}
		for _, char := range svc.Characteristics {
			r.emitLocked(radio.GattCharacteristic{
				Connection:     conn,
				Characteristic: radio.Attribute(char.Handle),
				Properties:     char.Properties,
				UUID:           device.UUIDToLE(char.UUID),
			})
		}
		r.completeLocked(conn, radio.ResultSuccess)
		return nil
	}
	r.completeLocked(conn, radio.ResultFailed)
	return nil
}

// DiscoverDescriptors reports the descriptors of one characteristic.
func (r *FakeRadio) DiscoverDescriptors(conn radio.Connection, characteristic radio.Attribute) error {
	if r.record(Command{Name: CmdDiscoverDescriptors, Connection: conn, Attribute: characteristic}) {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peerLocked(conn)
	if !ok {
		return radio.ErrUnknownConnection
	}
	_, char, found := p.Characteristic(uint16(characteristic))
	if !found {
		r.completeLocked(conn, radio.ResultFailed)
		return nil
	}
	for _, d := range char.Descriptors {
		r.emitLocked(radio.GattDescriptor{Connection: conn, Descriptor: radio.Attribute(d.Handle), UUID: device.UUIDToLE(d.UUID)})
	}
	r.completeLocked(conn, radio.ResultSuccess)
	return nil
}

// ReadCharacteristicValue answers with a read response carrying the stored value.
func (r *FakeRadio) ReadCharacteristicValue(conn radio.Connection, characteristic radio.Attribute) error {
	if r.record(Command{Name: CmdRead, Connection: conn, Attribute: characteristic}) {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peerLocked(conn)
	if !ok {
		return radio.ErrUnknownConnection
	}
	_, char, found := p.Characteristic(uint16(characteristic))
	if !found || char.Properties&device.PropRead == 0 {
		r.completeLocked(conn, radio.ResultFailed)
		return nil
	}
	r.emitLocked(radio.GattCharacteristicValue{
		Connection:     conn,
		Characteristic: characteristic,
		AttOpcode:      radio.AttReadResponse,
		Value:          append([]byte(nil), char.Value...),
	})
	r.completeLocked(conn, radio.ResultSuccess)
	return nil
}

// WriteCharacteristicValue stores the value.
func (r *FakeRadio) WriteCharacteristicValue(conn radio.Connection, characteristic radio.Attribute, value []byte) error {
	if r.record(Command{Name: CmdWrite, Connection: conn, Attribute: characteristic, Value: append([]byte(nil), value...)}) {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peerLocked(conn)
	if !ok {
		return radio.ErrUnknownConnection
	}
	_, char, found := p.Characteristic(uint16(characteristic))
	if !found || char.Properties&(device.PropWrite|device.PropWriteNoResponse) == 0 {
		r.completeLocked(conn, radio.ResultFailed)
		return nil
	}
	char.Value = append([]byte(nil), value...)
	r.completeLocked(conn, radio.ResultSuccess)
	return nil
}

// SetCharacteristicNotification records the client configuration.
func (r *FakeRadio) SetCharacteristicNotification(conn radio.Connection, characteristic radio.Attribute, flags radio.ClientConfig) error {
	if r.record(Command{Name: CmdSetNotification, Connection: conn, Attribute: characteristic, Config: flags}) {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peerLocked(conn); !ok {
		return radio.ErrUnknownConnection
	}
	r.configs[characteristic] = flags
	r.completeLocked(conn, radio.ResultSuccess)
	return nil
}

// SendCharacteristicConfirmation is recorded only.
func (r *FakeRadio) SendCharacteristicConfirmation(conn radio.Connection) error {
	r.record(Command{Name: CmdConfirm, Connection: conn})
	return nil
}

// StartScanner implements radio.Radio.
func (r *FakeRadio) StartScanner() error {
	if r.record(Command{Name: CmdStartScanner}) {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanning = true
	return nil
}

// StopScanner implements radio.Radio.
func (r *FakeRadio) StopScanner() error {
	if r.record(Command{Name: CmdStopScanner}) {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanning = false
	return nil
}

// Push emits a value pushed by the peer on a characteristic.
func (r *FakeRadio) Push(conn radio.Connection, characteristic radio.Attribute, opcode radio.AttOpcode, value []byte) {
	r.Emit(radio.GattCharacteristicValue{
		Connection:     conn,
		Characteristic: characteristic,
		AttOpcode:      opcode,
		Value:          value,
	})
}

// Advertise emits a legacy advertisement report.
func (r *FakeRadio) Advertise(adv radio.Advertisement) {
	r.Emit(radio.LegacyAdvertisementReport{Advertisement: adv})
}

// Commands returns the recorded commands, optionally filtered by name.
func (r *FakeRadio) Commands(names ...string) []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Command
	for _, cmd := range r.commands {
		if len(names) == 0 || containsString(names, cmd.Name) {
			out = append(out, cmd)
		}
	}
	return out
}

// Count returns how many commands with the name were issued.
func (r *FakeRadio) Count(name string) int {
	return len(r.Commands(name))
}

// Connected reports whether a connection is live on the fake controller.
func (r *FakeRadio) Connected(address string) (radio.Connection, bool) {
	address = strings.ToLower(address)
	r.mu.Lock()
	defer r.mu.Unlock()
	for handle, p := range r.conns {
		if p.Address == address {
			return handle, true
		}
	}
	return 0, false
}

// ClientConfig returns the last configuration written for a characteristic.
func (r *FakeRadio) ClientConfig(characteristic radio.Attribute) radio.ClientConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.configs[characteristic]
}

// Scanning reports whether the scanner is running.
func (r *FakeRadio) Scanning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scanning
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

var _ radio.Radio = (*FakeRadio)(nil)
