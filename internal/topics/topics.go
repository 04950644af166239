// Package topics stores the publish topics registered by data consumers and
// the onboarded devices they are bound to, and answers the lookups the data
// producer needs to fan telemetry out.
package topics

import (
	"errors"
	"strings"

	"github.com/srg/blegw/internal/adv"
)

// DataFormat selects the envelope published on a topic.
type DataFormat string

const (
	// FormatDefault adds device and attribute metadata to the payload.
	FormatDefault DataFormat = "default"
	// FormatPayload publishes the raw data only.
	FormatPayload DataFormat = "payload"
)

// Kind is the kind of a registered topic.
type Kind string

const (
	KindGatt           Kind = "gatt"
	KindConnection     Kind = "connection_events"
	KindAdvertisements Kind = "advertisements"
)

var (
	ErrTopicNotFound  = errors.New("topic not found")
	ErrDeviceRequired = errors.New("device required")
	ErrUnknownDevice  = errors.New("unknown device")
	ErrUnknownKind    = errors.New("unknown topic type")
	ErrInvalid        = errors.New("invalid registration")
)

// Device is an onboarded peer. MAC is lowercase with colons.
type Device struct {
	ID  string `json:"id"`
	MAC string `json:"macAddress"`
}

// GattTopic receives notifications of one characteristic of its devices.
type GattTopic struct {
	Topic          string     `json:"topic"`
	Service        string     `json:"serviceID"`
	Characteristic string     `json:"characteristicID"`
	DataFormat     DataFormat `json:"dataFormat"`
	DeviceIDs      []string   `json:"deviceIDs"`
}

// AdvTopic receives advertisements. An onboarded topic is bound to its
// devices; otherwise it sees every advertisement passing its filters.
type AdvTopic struct {
	Topic      string         `json:"topic"`
	DataFormat DataFormat     `json:"dataFormat"`
	Onboarded  bool           `json:"onboarded"`
	FilterType adv.FilterType `json:"filterType,omitempty"`
	Filters    []adv.Filter   `json:"filters,omitempty"`
	DeviceIDs  []string       `json:"deviceIDs,omitempty"`
}

// Allows applies the topic's filters to a decoded advertisement.
func (t AdvTopic) Allows(fields []adv.Field, address string) bool {
	return adv.Allowed(t.FilterType, t.Filters, fields, address)
}

// ConnectionTopic receives connection status changes of its devices.
type ConnectionTopic struct {
	Topic      string     `json:"topic"`
	DataFormat DataFormat `json:"dataFormat"`
	DeviceIDs  []string   `json:"deviceIDs"`
}

// Store persists devices and topics. Lookups return copies.
type Store interface {
	PutDevice(d Device) error
	DeviceByID(id string) (Device, bool, error)
	DeviceByAddress(address string) (Device, bool, error)

	// Register* upsert a topic. Device ids are merged into an existing
	// topic; filters replace the existing ones.
	RegisterGatt(t GattTopic) error
	RegisterConnection(t ConnectionTopic) error
	RegisterAdvertisement(t AdvTopic) error

	// Unregister deletes every topic of any kind with that name.
	Unregister(topic string) error
	// Kinds lists the kinds registered under a topic name.
	Kinds(topic string) ([]Kind, error)

	GattTopics(address, service, characteristic string) ([]GattTopic, error)
	UnboundAdvTopics() ([]AdvTopic, error)
	DeviceAdvTopics(deviceID string) ([]AdvTopic, error)
	ConnectionTopics(deviceID string) ([]ConnectionTopic, error)

	Close() error
}

// NormalizeAddress renders a MAC address the way devices are stored.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(address), "-", ":"))
}

func mergeIDs(existing, added []string) []string {
	out := append([]string(nil), existing...)
	for _, id := range added {
		if !containsID(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
