//go:build !linux && !darwin

package goble

import (
	"fmt"
	"runtime"
)

func newPlatformCentral() (Central, error) {
	return nil, fmt.Errorf("%w: no BLE adapter support on %s", ErrUnsupportedPlatform, runtime.GOOS)
}
