package main

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/spf13/cobra"
	"github.com/srg/blegw/internal/accesspoint"
	"github.com/srg/blegw/internal/radio/goble"
	"github.com/srg/blegw/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatVersion(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"1.2.0", "v1.2.0"},
		{"v1.2.0", "v1.2.0"},
		{"dev", "dev"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatVersion(tt.in))
	}
}

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		contains string
	}{
		{"bluetooth off", fmt.Errorf("start: %w", goble.ErrBluetoothOff), "Bluetooth is turned off"},
		{"boot timeout", accesspoint.ErrBootTimeout, "boot_timeout"},
		{"context", context.DeadlineExceeded, "context deadline exceeded"},
		{"plain", errors.New("bad config"), "bad config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, formatUserError(tt.err), tt.contains)
		})
	}
}

func TestConfigureLogger(t *testing.T) {
	newCmd := func(level string) *cobra.Command {
		cmd := &cobra.Command{}
		cmd.Flags().String("log-level", "", "")
		require.NoError(t, cmd.Flags().Set("log-level", level))
		return cmd
	}

	cfg := config.DefaultConfig()
	logger, err := configureLogger(newCmd("debug"), cfg)
	require.NoError(t, err)
	assert.Equal(t, "debug", logger.GetLevel().String(), "--log-level MUST override the config")

	cfg = config.DefaultConfig()
	logger, err = configureLogger(newCmd(""), cfg)
	require.NoError(t, err)
	assert.Equal(t, "info", logger.GetLevel().String(), "config level MUST apply without the flag")

	_, err = configureLogger(newCmd("loud"), config.DefaultConfig())
	assert.ErrorContains(t, err, "invalid log level: loud")
}
