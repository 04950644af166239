package testutils

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/srg/blegw/internal/device"
)

// FakeDescriptor is a descriptor served by a FakePeripheral.
type FakeDescriptor struct {
	UUID   string
	Handle uint16
}

// FakeCharacteristic is a characteristic served by a FakePeripheral.
type FakeCharacteristic struct {
	UUID        string
	Handle      uint16
	Properties  uint16
	Value       []byte
	Descriptors []*FakeDescriptor
}

// FakeService is a primary service served by a FakePeripheral.
type FakeService struct {
	UUID            string
	Handle          uint32
	Characteristics []*FakeCharacteristic
}

// FakePeripheral is the GATT database of a peer reachable through FakeRadio.
type FakePeripheral struct {
	Address  string
	Services []*FakeService
}

// Characteristic finds a characteristic by handle.
func (p *FakePeripheral) Characteristic(handle uint16) (*FakeService, *FakeCharacteristic, bool) {
	for _, svc := range p.Services {
		for _, char := range svc.Characteristics {
			if char.Handle == handle {
				return svc, char, true
			}
		}
	}
	return nil, nil, false
}

// Lookup finds a characteristic by service and characteristic UUID.
func (p *FakePeripheral) Lookup(service, characteristic string) (*FakeCharacteristic, bool) {
	service, characteristic = device.NormalizeUUID(service), device.NormalizeUUID(characteristic)
	for _, svc := range p.Services {
		if svc.UUID != service {
			continue
		}
		for _, char := range svc.Characteristics {
			if char.UUID == characteristic {
				return char, true
			}
		}
	}
	return nil, false
}

// DescriptorConfig, CharacteristicConfig, ServiceConfig and ProfileConfig are
// the JSON shape accepted by PeripheralBuilder.FromJSON.
type DescriptorConfig struct {
	UUID string `json:"uuid"`
}

type CharacteristicConfig struct {
	UUID        string             `json:"uuid"`
	Properties  string             `json:"properties,omitempty"` // e.g. "read,write,notify"
	Value       []byte             `json:"value,omitempty"`
	Descriptors []DescriptorConfig `json:"descriptors,omitempty"`
}

type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

type ProfileConfig struct {
	Services []ServiceConfig `json:"services"`
}

// PeripheralBuilder builds a FakePeripheral with a fluent API. Handles are
// assigned in declaration order the way a GATT server lays out attributes:
// service, then characteristic, then its descriptors.
type PeripheralBuilder struct {
	address string
	profile ProfileConfig
}

// NewPeripheralBuilder creates a builder for the peer at address.
func NewPeripheralBuilder(address string) *PeripheralBuilder {
	return &PeripheralBuilder{address: address}
}

// WithService adds a service.
func (b *PeripheralBuilder) WithService(uuid string) *PeripheralBuilder {
	b.profile.Services = append(b.profile.Services, ServiceConfig{UUID: uuid})
	return b
}

// WithCharacteristic adds a characteristic to the last added service.
func (b *PeripheralBuilder) WithCharacteristic(uuid, properties string, value []byte) *PeripheralBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	svc := &b.profile.Services[len(b.profile.Services)-1]
	svc.Characteristics = append(svc.Characteristics, CharacteristicConfig{
		UUID:       uuid,
		Properties: properties,
		Value:      value,
	})
	return b
}

// WithDescriptor adds a descriptor to the last added characteristic.
func (b *PeripheralBuilder) WithDescriptor(uuid string) *PeripheralBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithDescriptor: no service added yet, call WithService first")
	}
	svc := &b.profile.Services[len(b.profile.Services)-1]
	if len(svc.Characteristics) == 0 {
		panic("WithDescriptor: no characteristic added yet, call WithCharacteristic first")
	}
	char := &svc.Characteristics[len(svc.Characteristics)-1]
	char.Descriptors = append(char.Descriptors, DescriptorConfig{UUID: uuid})
	return b
}

// FromJSON replaces the profile with a JSON document.
func (b *PeripheralBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *PeripheralBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)
	var profile ProfileConfig
	if err := json.Unmarshal([]byte(jsonStr), &profile); err != nil {
		panic(fmt.Sprintf("FromJSON: invalid peripheral profile: %v", err))
	}
	b.profile = profile
	return b
}

// Build lays out the attribute handles and returns the peripheral.
func (b *PeripheralBuilder) Build() *FakePeripheral {
	p := &FakePeripheral{Address: strings.ToLower(b.address)}
	var handle uint16
	next := func() uint16 {
		handle++
		return handle
	}

	for _, sc := range b.profile.Services {
		svc := &FakeService{UUID: device.NormalizeUUID(sc.UUID), Handle: uint32(next())}
		for _, cc := range sc.Characteristics {
			char := &FakeCharacteristic{
				UUID:       device.NormalizeUUID(cc.UUID),
				Handle:     next(),
				Properties: device.ParseProperties(cc.Properties),
				Value:      append([]byte(nil), cc.Value...),
			}
			for _, dc := range cc.Descriptors {
				char.Descriptors = append(char.Descriptors, &FakeDescriptor{
					UUID:   device.NormalizeUUID(dc.UUID),
					Handle: next(),
				})
			}
			svc.Characteristics = append(svc.Characteristics, char)
		}
		p.Services = append(p.Services, svc)
	}
	return p
}

// HeartRatePeripheral builds the heart rate profile used across the tests:
// 180d with 2a37 (notify, 2902 descriptor), 2a38 (read) and 2a39 (write).
func HeartRatePeripheral(address string) *FakePeripheral {
	return NewPeripheralBuilder(address).
		WithService("180d").
		WithCharacteristic("2a37", "notify", nil).
		WithDescriptor("2902").
		WithCharacteristic("2a38", "read", []byte{0x00, 0x00, 0x01}).
		WithCharacteristic("2a39", "write", nil).
		Build()
}
