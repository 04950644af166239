package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "16-bit UUID lowercase",
			input:    "2902",
			expected: "2902",
		},
		{
			name:     "16-bit UUID uppercase",
			input:    "180D",
			expected: "180d",
		},
		{
			name:     "16-bit UUID with 0x prefix",
			input:    "0x2902",
			expected: "2902",
		},
		{
			name:     "Full Bluetooth SIG UUID with dashes",
			input:    "0000180d-0000-1000-8000-00805f9b34fb",
			expected: "180d",
		},
		{
			name:     "Full Bluetooth SIG UUID uppercase without dashes",
			input:    "00002A3700001000800000805F9B34FB",
			expected: "2a37",
		},
		{
			name:     "Custom 128-bit UUID is kept",
			input:    "6E400001-B5A3-F393-E0A9-E50E24DCCA9E",
			expected: "6e400001b5a3f393e0a9e50e24dcca9e",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeUUID(tt.input))
		})
	}
}

func TestUUIDFromLE(t *testing.T) {
	assert.Equal(t, "180d", UUIDFromLE([]byte{0x0d, 0x18}))
	assert.Equal(t, "2902", UUIDFromLE([]byte{0x02, 0x29}))
	assert.Equal(t, "", UUIDFromLE(nil))
}

func TestUUIDToLE_RoundTrip(t *testing.T) {
	assert.Equal(t, []byte{0x37, 0x2a}, UUIDToLE("2A37"))
	assert.Equal(t, "6e400001b5a3f393e0a9e50e24dcca9e", UUIDFromLE(UUIDToLE("6e400001-b5a3-f393-e0a9-e50e24dcca9e")))
	assert.Nil(t, UUIDToLE("zz"))
}
