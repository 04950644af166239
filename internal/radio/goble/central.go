package goble

import (
	"context"

	"github.com/go-ble/ble"
)

// Peer is the part of ble.Client the radio drives.
type Peer interface {
	DiscoverServices(filter []ble.UUID) ([]*ble.Service, error)
	DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error)
	DiscoverDescriptors(filter []ble.UUID, c *ble.Characteristic) ([]*ble.Descriptor, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	CancelConnection() error
}

// disconnectNotifier is implemented by peers that report link loss.
type disconnectNotifier interface {
	Disconnected() <-chan struct{}
}

// Advertisement is the part of ble.Advertisement a scan report is built from.
type Advertisement interface {
	Addr() ble.Addr
	RSSI() int
	LocalName() string
	ManufacturerData() []byte
	ServiceData() []ble.ServiceData
	Services() []ble.UUID
	TxPowerLevel() int
}

// rawAdvertisement is implemented by advertisements that keep the payload.
type rawAdvertisement interface {
	Data() []byte
}

// Central is a local BLE adapter in the central role.
type Central interface {
	Scan(ctx context.Context, allowDup bool, h func(Advertisement)) error
	Dial(ctx context.Context, addr ble.Addr) (Peer, error)
	Stop() error
}

type bleDevice interface {
	Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error
	Dial(ctx context.Context, a ble.Addr) (ble.Client, error)
	Stop() error
}

// deviceCentral adapts a go-ble device to Central.
type deviceCentral struct {
	dev bleDevice
}

func (c deviceCentral) Scan(ctx context.Context, allowDup bool, h func(Advertisement)) error {
	return c.dev.Scan(ctx, allowDup, func(a ble.Advertisement) { h(a) })
}

func (c deviceCentral) Dial(ctx context.Context, addr ble.Addr) (Peer, error) {
	client, err := c.dev.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (c deviceCentral) Stop() error { return c.dev.Stop() }

// DeviceFactory creates the platform adapter (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newPlatformCentral
