// Package adv decodes BLE advertisement payloads and evaluates the wildcard
// filters that decide which topics an advertisement is published to.
package adv

import (
	"encoding/hex"
	"fmt"
)

// AD types used when rebuilding payloads from parsed advertisements.
const (
	TypeFlags                   = 0x01
	TypeIncompleteServices16    = 0x02
	TypeCompleteServices16      = 0x03
	TypeCompleteServices128     = 0x07
	TypeShortLocalName          = 0x08
	TypeCompleteLocalName       = 0x09
	TypeTxPower                 = 0x0a
	TypeServiceData16           = 0x16
	TypeManufacturerSpecific    = 0xff
	MaxLegacyAdvertisingDataLen = 31
)

// Field is one (length, type, data) unit of an advertisement payload.
// Type and Data are lowercase hex, the form topic filters are written in.
type Field struct {
	Length int    `json:"length"`
	Type   string `json:"type"`
	Data   string `json:"data"`
}

func (f Field) String() string {
	return fmt.Sprintf("len=%d type=%s data=%s", f.Length, f.Type, f.Data)
}

// Decode splits a raw advertisement payload into its AD fields.
//
// A zero length byte terminates parsing (padding). A field whose declared
// length runs past the end of the buffer is kept with the bytes that are
// present; a trailing length byte without a type byte is dropped.
func Decode(payload []byte) []Field {
	fields := make([]Field, 0, 4)

	for len(payload) > 0 {
		length := int(payload[0])
		if length == 0 || len(payload) < 2 {
			break
		}

		end := length + 1
		if end > len(payload) {
			end = len(payload)
		}

		fields = append(fields, Field{
			Length: length,
			Type:   hex.EncodeToString(payload[1:2]),
			Data:   hex.EncodeToString(payload[2:end]),
		})

		if length+1 >= len(payload) {
			break
		}
		payload = payload[length+1:]
	}

	return fields
}

// DecodeHex is Decode for a hex encoded payload.
func DecodeHex(s string) ([]Field, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid advertisement hex: %w", err)
	}
	return Decode(raw), nil
}

// Structure is an AD structure before encoding.
type Structure struct {
	Type byte
	Data []byte
}

// Encode serializes AD structures into a payload. Structures that would not
// fit a single length byte are skipped.
func Encode(structures ...Structure) []byte {
	size := 0
	for _, s := range structures {
		size += len(s.Data) + 2
	}

	buf := make([]byte, 0, size)
	for _, s := range structures {
		if len(s.Data)+1 > 0xff {
			continue
		}
		buf = append(buf, byte(len(s.Data)+1), s.Type)
		buf = append(buf, s.Data...)
	}
	return buf
}
