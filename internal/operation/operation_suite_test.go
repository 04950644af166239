package operation

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blegw/internal/radio"
	"github.com/srg/blegw/internal/testutils"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

// MockTelemetry records forwarded values.
type MockTelemetry struct {
	mock.Mock
}

func (m *MockTelemetry) PublishNotification(address, service, characteristic string, value []byte) {
	m.Called(address, service, characteristic, value)
}

func (m *MockTelemetry) PublishAdvertisement(adv radio.Advertisement) {
	m.Called(adv)
}

func (m *MockTelemetry) PublishConnectionStatus(address string, connected bool, reason uint16) {
	m.Called(address, connected, reason)
}

// OperationSuite wires operations to a FakeRadio through a minimal router
// delivering every event to every routed operation in arrival order.
type OperationSuite struct {
	suite.Suite

	Helper    *testutils.TestHelper
	Logger    *logrus.Logger
	Radio     *testutils.FakeRadio
	Telemetry *MockTelemetry

	mu  sync.Mutex
	ops []Operation
}

func (s *OperationSuite) SetupTest() {
	s.Helper = testutils.NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.Radio = testutils.NewFakeRadio(testutils.HeartRatePeripheral(peerAddress))
	s.Telemetry = &MockTelemetry{}
	s.ops = nil

	s.Require().NoError(s.Radio.Start(context.Background()))
	// swallow SystemBoot
	<-s.Radio.Events()

	s.Helper.Pump(s.Radio, func(evt radio.Event) {
		s.mu.Lock()
		ops := append([]Operation(nil), s.ops...)
		s.mu.Unlock()
		for _, op := range ops {
			op.HandleEvent(evt)
		}
	})
}

func (s *OperationSuite) TearDownTest() {
	_ = s.Radio.Stop()
}

func (s *OperationSuite) env() Env {
	return Env{Radio: s.Radio, Telemetry: s.Telemetry, Logger: s.Logger}
}

func (s *OperationSuite) route(ops ...Operation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, ops...)
}

const peerAddress = "AA:BB:CC:11:22:33"

// connect opens a connection to address and returns its handle.
func (s *OperationSuite) connect(address string) radio.Connection {
	s.Telemetry.On("PublishConnectionStatus", mock.Anything, mock.Anything, mock.Anything).Maybe()

	op := NewConnect(s.env(), address, 0, time.Second)
	s.route(op)
	res := op.Run(context.Background())
	s.Require().True(res.OK(), "connect MUST succeed")

	handle, ok := op.Handle()
	s.Require().True(ok, "connect MUST expose the handle")
	return handle
}
