package device

import "strings"

// Characteristic capability names as reported upward in "flags".
const (
	CapRead            = "read"
	CapWriteNoResponse = "write_no_response"
	CapWrite           = "write"
	CapNotify          = "notify"
	CapIndicate        = "indicate"
	CapExtendedProps   = "extended_props"
	CapReliableWrite   = "reliable_write"
)

// Raw characteristic property bits.
const (
	PropBroadcast       uint16 = 0x01
	PropRead            uint16 = 0x02
	PropWriteNoResponse uint16 = 0x04
	PropWrite           uint16 = 0x08
	PropNotify          uint16 = 0x10
	PropIndicate        uint16 = 0x20
	PropSignedWrite     uint16 = 0x40
	PropExtended        uint16 = 0x80

	// Reliable write is a combined mask: broadcast plus the extended
	// properties reliable-write bit carried above the first byte.
	propReliableWriteMask uint16 = 0x101
)

// Capabilities derives the capability set of a characteristic from its raw
// properties bitmask. The order of the result is stable.
func Capabilities(props uint16) []string {
	caps := make([]string, 0, 4)

	if props&PropRead == PropRead {
		caps = append(caps, CapRead)
	}
	if props&PropWriteNoResponse == PropWriteNoResponse {
		caps = append(caps, CapWriteNoResponse)
	}
	if props&PropWrite == PropWrite {
		caps = append(caps, CapWrite)
	}
	if props&PropNotify == PropNotify {
		caps = append(caps, CapNotify)
	}
	if props&PropIndicate == PropIndicate {
		caps = append(caps, CapIndicate)
	}
	if props&PropExtended == PropExtended {
		caps = append(caps, CapExtendedProps)
	}
	if props&propReliableWriteMask == propReliableWriteMask {
		caps = append(caps, CapReliableWrite)
	}

	return caps
}

// HasCapability reports whether caps contains name.
func HasCapability(caps []string, name string) bool {
	for _, c := range caps {
		if c == name {
			return true
		}
	}
	return false
}

var capabilityBits = map[string]uint16{
	CapRead:            PropRead,
	CapWriteNoResponse: PropWriteNoResponse,
	CapWrite:           PropWrite,
	CapNotify:          PropNotify,
	CapIndicate:        PropIndicate,
	CapExtendedProps:   PropExtended,
	CapReliableWrite:   propReliableWriteMask,
}

// ParseProperties turns a comma separated capability list such as
// "read,notify" into a properties bitmask. Unknown names are ignored.
func ParseProperties(list string) uint16 {
	var props uint16
	for _, name := range strings.Split(list, ",") {
		props |= capabilityBits[strings.ToLower(strings.TrimSpace(name))]
	}
	return props
}
