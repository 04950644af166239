package testutils

import (
	"strings"

	"github.com/srg/blegw/internal/adv"
	"github.com/srg/blegw/internal/device"
	"github.com/srg/blegw/internal/radio"
)

// AdvertisementBuilder builds radio advertisements with a raw AD payload.
// Structures are encoded in the order they were added.
type AdvertisementBuilder struct {
	address    string
	rssi       int8
	structures []adv.Structure
}

// NewAdvertisementBuilder creates a builder with RSSI -50 and no payload.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{rssi: -50}
}

// WithAddress sets the advertiser address.
func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.address = addr
	return b
}

// WithRSSI sets the received signal strength.
func (b *AdvertisementBuilder) WithRSSI(rssi int8) *AdvertisementBuilder {
	b.rssi = rssi
	return b
}

// WithFlags adds a flags structure.
func (b *AdvertisementBuilder) WithFlags(flags byte) *AdvertisementBuilder {
	return b.WithStructure(adv.TypeFlags, []byte{flags})
}

// WithName adds a complete local name.
func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	return b.WithStructure(adv.TypeCompleteLocalName, []byte(name))
}

// WithServices adds a complete list of 16-bit service UUIDs.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	var data []byte
	for _, u := range uuids {
		data = append(data, device.UUIDToLE(u)...)
	}
	return b.WithStructure(adv.TypeCompleteServices16, data)
}

// WithManufacturerData adds manufacturer specific data.
func (b *AdvertisementBuilder) WithManufacturerData(data []byte) *AdvertisementBuilder {
	return b.WithStructure(adv.TypeManufacturerSpecific, data)
}

// WithServiceData adds 16-bit service data.
func (b *AdvertisementBuilder) WithServiceData(uuid string, data []byte) *AdvertisementBuilder {
	return b.WithStructure(adv.TypeServiceData16, append(device.UUIDToLE(uuid), data...))
}

// WithStructure adds an arbitrary AD structure.
func (b *AdvertisementBuilder) WithStructure(adType byte, data []byte) *AdvertisementBuilder {
	b.structures = append(b.structures, adv.Structure{Type: adType, Data: data})
	return b
}

// Build returns the advertisement.
func (b *AdvertisementBuilder) Build() radio.Advertisement {
	return radio.Advertisement{
		Address:     strings.ToLower(b.address),
		AddressType: radio.ClassifyAddress(b.address),
		RSSI:        b.rssi,
		Data:        adv.Encode(b.structures...),
	}
}

// BuildReport wraps the advertisement in a legacy report event.
func (b *AdvertisementBuilder) BuildReport() radio.LegacyAdvertisementReport {
	return radio.LegacyAdvertisementReport{Advertisement: b.Build()}
}
