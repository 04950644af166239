package device

import (
	"encoding/hex"
	"strings"
)

const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID string to the gateway's canonical form:
// lowercase, no dashes, no 0x prefix. Bluetooth SIG base UUIDs
// (0000xxxx-0000-1000-8000-00805f9b34fb) are shortened to their 16-bit form.
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(strings.TrimSpace(uuid))
	u = strings.TrimPrefix(u, "0x")
	u = strings.ReplaceAll(u, "-", "")

	if len(u) == 32 && strings.HasPrefix(u, "0000") && strings.HasSuffix(u, sigBaseSuffix) {
		return u[4:8]
	}
	return u
}

// NormalizeUUIDs normalizes a slice of UUID strings.
func NormalizeUUIDs(uuids []string) []string {
	out := make([]string, 0, len(uuids))
	for _, u := range uuids {
		out = append(out, NormalizeUUID(u))
	}
	return out
}

// UUIDFromLE renders a UUID carried little-endian on the wire (as radio
// events carry it) as big-endian hex.
func UUIDFromLE(le []byte) string {
	be := make([]byte, len(le))
	for i, b := range le {
		be[len(le)-1-i] = b
	}
	return hex.EncodeToString(be)
}

// UUIDToLE is the inverse of UUIDFromLE. Invalid hex yields nil.
func UUIDToLE(uuid string) []byte {
	be, err := hex.DecodeString(NormalizeUUID(uuid))
	if err != nil {
		return nil
	}
	le := make([]byte, len(be))
	for i, b := range be {
		le[len(be)-1-i] = b
	}
	return le
}
