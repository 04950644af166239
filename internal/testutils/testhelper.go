package testutils

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/srg/blegw/internal/radio"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// Pump feeds every event of r to handle on its own goroutine until the
// stream closes or the test ends.
func (h *TestHelper) Pump(r radio.Radio, handle func(radio.Event)) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	h.T.Cleanup(func() {
		cancel()
		<-done
	})

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-r.Events():
				if !ok {
					return
				}
				handle(evt)
			}
		}
	}()
}
