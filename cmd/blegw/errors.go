package main

import (
	"errors"
	"fmt"

	"github.com/srg/blegw/internal/accesspoint"
	"github.com/srg/blegw/internal/radio/goble"
)

// formatUserError turns startup failures into actionable messages.
func formatUserError(err error) string {
	switch {
	case errors.Is(err, goble.ErrBluetoothOff):
		return "Bluetooth is turned off. Enable it and try again."
	case errors.Is(err, goble.ErrUnsupportedPlatform):
		return fmt.Sprintf("%v. Use access_point: simulated to run without an adapter.", err)
	case errors.Is(err, accesspoint.ErrBootTimeout):
		return "BLE adapter did not become ready. Check the adapter and boot_timeout."
	default:
		return err.Error()
	}
}
