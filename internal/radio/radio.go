// Package radio defines the command/event vocabulary of a BLE controller.
//
// Commands are issued through Radio and return as soon as the controller
// accepted them. Their outcome, and everything else the controller has to
// say, arrives asynchronously as Events on a single ordered stream.
package radio

import (
	"context"
	"errors"
	"strconv"
	"strings"
)

// Connection is a controller-assigned connection handle.
type Connection uint8

// Service is a controller-assigned service handle.
type Service uint32

// Attribute is a characteristic or descriptor handle.
type Attribute uint16

// AddressType tells the controller how to interpret a peer address.
type AddressType uint8

const (
	AddressPublic AddressType = iota
	AddressStaticRandom
)

func (t AddressType) String() string {
	if t == AddressPublic {
		return "public"
	}
	return "random"
}

// ClassifyAddress returns AddressPublic unless the two top bits of the first
// address byte are both set.
func ClassifyAddress(address string) AddressType {
	first := strings.TrimSpace(address)
	if len(first) >= 2 {
		first = first[:2]
	}
	b, err := strconv.ParseUint(first, 16, 8)
	if err != nil {
		return AddressPublic
	}
	if b&0xc0 == 0xc0 {
		return AddressStaticRandom
	}
	return AddressPublic
}

// ClientConfig is the client characteristic configuration written by
// SetCharacteristicNotification.
type ClientConfig uint8

const (
	ClientConfigDisable      ClientConfig = 0
	ClientConfigNotification ClientConfig = 1
	ClientConfigIndication   ClientConfig = 2
)

func (c ClientConfig) String() string {
	switch c {
	case ClientConfigDisable:
		return "disable"
	case ClientConfigNotification:
		return "notification"
	case ClientConfigIndication:
		return "indication"
	default:
		return "client_config(" + strconv.Itoa(int(c)) + ")"
	}
}

// AttOpcode identifies which ATT PDU carried a characteristic value.
type AttOpcode uint8

const (
	AttReadResponse            AttOpcode = 0x0b
	AttReadBlobResponse        AttOpcode = 0x0d
	AttHandleValueNotification AttOpcode = 0x1b
	AttHandleValueIndication   AttOpcode = 0x1d
)

// Procedure results reported in GattProcedureCompleted.
const (
	ResultSuccess     uint16 = 0x0000
	ResultTimeout     uint16 = 0x0007
	ResultFailed      uint16 = 0x0101
	ResultUnsupported uint16 = 0x0102
)

// Errors returned by Radio implementations.
var (
	ErrNotStarted        = errors.New("radio not started")
	ErrUnknownConnection = errors.New("unknown connection handle")
	ErrUnknownAttribute  = errors.New("unknown attribute handle")
	ErrNoFreeHandle      = errors.New("no free connection handle")
)

// Radio is the command side of a BLE controller.
type Radio interface {
	// Start brings the controller up. A SystemBoot event follows once it is ready.
	Start(ctx context.Context) error
	// Stop tears the controller down and closes the event stream.
	Stop() error
	// Events is the single ordered stream of controller events.
	Events() <-chan Event

	// Open starts connecting to a peer; the handle is assigned immediately.
	Open(address string, addressType AddressType) (Connection, error)
	Close(conn Connection) error

	DiscoverPrimaryServices(conn Connection) error
	DiscoverCharacteristics(conn Connection, service Service) error
	DiscoverDescriptors(conn Connection, characteristic Attribute) error

	ReadCharacteristicValue(conn Connection, characteristic Attribute) error
	WriteCharacteristicValue(conn Connection, characteristic Attribute, value []byte) error
	SetCharacteristicNotification(conn Connection, characteristic Attribute, flags ClientConfig) error
	SendCharacteristicConfirmation(conn Connection) error

	StartScanner() error
	StopScanner() error
}
