package goble

import "github.com/go-ble/ble/linux"

func newPlatformCentral() (Central, error) {
	dev, err := linux.NewDevice()
	if err != nil {
		return nil, NormalizeError(err)
	}
	return deviceCentral{dev: dev}, nil
}
