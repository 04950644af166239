package goble

import "github.com/go-ble/ble/darwin"

func newPlatformCentral() (Central, error) {
	dev, err := darwin.NewDevice()
	if err != nil {
		return nil, NormalizeError(err)
	}
	return deviceCentral{dev: dev}, nil
}
