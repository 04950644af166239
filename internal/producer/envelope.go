package producer

import (
	"time"

	"github.com/fxamacker/cbor/v2"
)

// BLESubscription identifies the characteristic a notification came from.
type BLESubscription struct {
	ServiceID        string `cbor:"serviceID"`
	CharacteristicID string `cbor:"characteristicID"`
}

// Notification is published on gatt topics. DeviceID and BLESubscription
// are present only in the default data format.
type Notification struct {
	Data            []byte           `cbor:"data"`
	Timestamp       float64          `cbor:"timestamp"`
	DeviceID        string           `cbor:"deviceID,omitempty"`
	BLESubscription *BLESubscription `cbor:"bleSubscription,omitempty"`
}

// BLEAdvertisement carries the radio metadata of an advertisement.
type BLEAdvertisement struct {
	RSSI       int8   `cbor:"rssi"`
	MACAddress string `cbor:"macAddress"`
}

// Advertisement is published on advertisement topics.
type Advertisement struct {
	Data             []byte            `cbor:"data"`
	BLEAdvertisement *BLEAdvertisement `cbor:"bleAdvertisement,omitempty"`
	DeviceID         string            `cbor:"deviceID,omitempty"`
}

// BLEConnectionStatus is a connection transition.
type BLEConnectionStatus struct {
	MACAddress string `cbor:"macAddress"`
	Connected  bool   `cbor:"connected"`
	Reason     uint16 `cbor:"reason"`
}

// ConnectionStatus is published, retained, on connection topics.
type ConnectionStatus struct {
	DeviceID            string              `cbor:"deviceID"`
	BLEConnectionStatus BLEConnectionStatus `cbor:"bleConnectionStatus"`
}

var encMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Sort: cbor.SortCanonical}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

func encode(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Decode unmarshals an envelope; consumers and tests use it.
func Decode(payload []byte, v any) error {
	return cbor.Unmarshal(payload, v)
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
