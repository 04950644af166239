package radio

import "fmt"

// EventKind is the closed set of events a controller emits.
type EventKind uint8

const (
	KindSystemBoot EventKind = iota + 1
	KindConnectionOpened
	KindConnectionClosed
	KindGattService
	KindGattCharacteristic
	KindGattDescriptor
	KindGattProcedureCompleted
	KindGattCharacteristicValue
	KindScannerReport
	KindLegacyAdvertisementReport
)

var kindNames = map[EventKind]string{
	KindSystemBoot:                "system_boot",
	KindConnectionOpened:          "connection_opened",
	KindConnectionClosed:          "connection_closed",
	KindGattService:               "gatt_service",
	KindGattCharacteristic:        "gatt_characteristic",
	KindGattDescriptor:            "gatt_descriptor",
	KindGattProcedureCompleted:    "gatt_procedure_completed",
	KindGattCharacteristicValue:   "gatt_characteristic_value",
	KindScannerReport:             "scanner_scan_report",
	KindLegacyAdvertisementReport: "scanner_legacy_advertisement_report",
}

func (k EventKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("event_kind(%d)", uint8(k))
}

// Event is one controller event. Concrete types are the structs below.
type Event interface {
	Kind() EventKind
}

// SystemBoot reports the controller is ready for commands.
type SystemBoot struct {
	Version string
}

// ConnectionOpened reports a connection was established.
type ConnectionOpened struct {
	Connection  Connection
	Address     string
	AddressType AddressType
}

// ConnectionClosed reports a connection ended, for any reason.
type ConnectionClosed struct {
	Connection Connection
	Reason     uint16
}

// GattService reports a discovered primary service. UUID is little-endian.
type GattService struct {
	Connection Connection
	Service    Service
	UUID       []byte
}

// GattCharacteristic reports a discovered characteristic. UUID is little-endian.
type GattCharacteristic struct {
	Connection     Connection
	Characteristic Attribute
	Properties     uint16
	UUID           []byte
}

// GattDescriptor reports a discovered descriptor. UUID is little-endian.
type GattDescriptor struct {
	Connection Connection
	Descriptor Attribute
	UUID       []byte
}

// GattProcedureCompleted ends every GATT procedure. A non-zero Result is a failure.
type GattProcedureCompleted struct {
	Connection Connection
	Result     uint16
}

// GattCharacteristicValue carries a value read, notified or indicated.
type GattCharacteristicValue struct {
	Connection     Connection
	Characteristic Attribute
	AttOpcode      AttOpcode
	Offset         uint16
	Value          []byte
}

// Advertisement is the payload shared by both scanner report kinds.
type Advertisement struct {
	Address     string
	AddressType AddressType
	RSSI        int8
	Data        []byte
}

// ScannerReport is an extended scanner report.
type ScannerReport struct {
	Advertisement
}

// LegacyAdvertisementReport is a legacy (BLE 4.x) advertisement report.
type LegacyAdvertisementReport struct {
	Advertisement
}

func (SystemBoot) Kind() EventKind                { return KindSystemBoot }
func (ConnectionOpened) Kind() EventKind          { return KindConnectionOpened }
func (ConnectionClosed) Kind() EventKind          { return KindConnectionClosed }
func (GattService) Kind() EventKind               { return KindGattService }
func (GattCharacteristic) Kind() EventKind        { return KindGattCharacteristic }
func (GattDescriptor) Kind() EventKind            { return KindGattDescriptor }
func (GattProcedureCompleted) Kind() EventKind    { return KindGattProcedureCompleted }
func (GattCharacteristicValue) Kind() EventKind   { return KindGattCharacteristicValue }
func (ScannerReport) Kind() EventKind             { return KindScannerReport }
func (LegacyAdvertisementReport) Kind() EventKind { return KindLegacyAdvertisementReport }

// ConnectionOf returns the connection handle an event is addressed to, if any.
func ConnectionOf(evt Event) (Connection, bool) {
	switch e := evt.(type) {
	case ConnectionOpened:
		return e.Connection, true
	case ConnectionClosed:
		return e.Connection, true
	case GattService:
		return e.Connection, true
	case GattCharacteristic:
		return e.Connection, true
	case GattDescriptor:
		return e.Connection, true
	case GattProcedureCompleted:
		return e.Connection, true
	case GattCharacteristicValue:
		return e.Connection, true
	default:
		return 0, false
	}
}
