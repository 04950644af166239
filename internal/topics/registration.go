package topics

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/srg/blegw/internal/adv"
	"github.com/srg/blegw/internal/device"
)

// FilterSpec is a filter as submitted; absent patterns default to "*".
type FilterSpec struct {
	MAC    string `json:"mac,omitempty"`
	ADType string `json:"adType,omitempty"`
	ADData string `json:"adData,omitempty"`
}

// Registration is a topic registration request.
type Registration struct {
	Topic          string         `json:"topic"`
	DataFormat     DataFormat     `json:"dataFormat,omitempty"`
	DeviceID       string         `json:"id,omitempty"`
	Kind           Kind           `json:"type"`
	Service        string         `json:"serviceID,omitempty"`
	Characteristic string         `json:"characteristicID,omitempty"`
	FilterType     adv.FilterType `json:"filterType,omitempty"`
	Filters        []FilterSpec   `json:"filters,omitempty"`
}

// Registered acknowledges a registration.
type Registered struct {
	ID    string `json:"id"`
	Topic string `json:"topic"`
}

// Register applies a registration to the store:
//   - gatt topics bind one device to a lowercased service/characteristic pair;
//   - connection topics require a known device;
//   - advertisement topics with a device are bound to it (onboarded);
//   - advertisement topics without a device are global, filtered with
//     filterType (default allow) and filters whose patterns default to "*".
func Register(store Store, reg Registration) (Registered, error) {
	if strings.TrimSpace(reg.Topic) == "" {
		return Registered{}, fmt.Errorf("%w: topic is required", ErrInvalid)
	}
	if reg.DataFormat == "" {
		reg.DataFormat = FormatDefault
	}
	if reg.DataFormat != FormatDefault && reg.DataFormat != FormatPayload {
		return Registered{}, fmt.Errorf("%w: data format %q", ErrInvalid, reg.DataFormat)
	}

	var err error
	switch reg.Kind {
	case KindGatt:
		err = registerGatt(store, reg)
	case KindConnection:
		err = registerConnection(store, reg)
	case KindAdvertisements:
		err = registerAdvertisements(store, reg)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownKind, reg.Kind)
	}
	if err != nil {
		return Registered{}, err
	}
	return Registered{ID: uuid.NewString(), Topic: reg.Topic}, nil
}

func requireDevice(store Store, id string) error {
	if id == "" {
		return ErrDeviceRequired
	}
	_, ok, err := store.DeviceByID(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	return nil
}

func registerGatt(store Store, reg Registration) error {
	if reg.Service == "" || reg.Characteristic == "" {
		return fmt.Errorf("%w: serviceID and characteristicID are required", ErrInvalid)
	}
	if err := requireDevice(store, reg.DeviceID); err != nil {
		return err
	}
	return store.RegisterGatt(GattTopic{
		Topic:          reg.Topic,
		Service:        device.NormalizeUUID(reg.Service),
		Characteristic: device.NormalizeUUID(reg.Characteristic),
		DataFormat:     reg.DataFormat,
		DeviceIDs:      []string{reg.DeviceID},
	})
}

func registerConnection(store Store, reg Registration) error {
	if err := requireDevice(store, reg.DeviceID); err != nil {
		return err
	}
	return store.RegisterConnection(ConnectionTopic{
		Topic:      reg.Topic,
		DataFormat: reg.DataFormat,
		DeviceIDs:  []string{reg.DeviceID},
	})
}

func registerAdvertisements(store Store, reg Registration) error {
	if reg.DeviceID != "" {
		if err := requireDevice(store, reg.DeviceID); err != nil {
			return err
		}
		return store.RegisterAdvertisement(AdvTopic{
			Topic:      reg.Topic,
			DataFormat: reg.DataFormat,
			Onboarded:  true,
			DeviceIDs:  []string{reg.DeviceID},
		})
	}

	topic := AdvTopic{Topic: reg.Topic, DataFormat: reg.DataFormat}
	if len(reg.Filters) > 0 {
		topic.FilterType = reg.FilterType
		if topic.FilterType == "" {
			topic.FilterType = adv.FilterAllow
		}
		if topic.FilterType != adv.FilterAllow && topic.FilterType != adv.FilterDeny {
			return fmt.Errorf("%w: filter type %q", ErrInvalid, reg.FilterType)
		}
		for _, f := range reg.Filters {
			topic.Filters = append(topic.Filters, adv.Filter{
				MAC:    adv.NormalizeMAC(f.MAC),
				ADType: strings.ToLower(f.ADType),
				ADData: strings.ToLower(f.ADData),
			}.WithDefaults())
		}
	}
	return store.RegisterAdvertisement(topic)
}
