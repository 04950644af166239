package operation

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/srg/blegw/internal/radio"
	"github.com/srg/blegw/internal/testutils"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type ConnectSuite struct {
	OperationSuite
}

func TestConnectSuite(t *testing.T) {
	suite.Run(t, new(ConnectSuite))
}

func (s *ConnectSuite) TestConnectSucceedsOnFirstAttempt() {
	// GOAL: Verify a reachable peer is connected with a single open command
	//
	// TEST SCENARIO: Connect to the heart rate peer → SUCCESS, one attempt, connected status published

	s.Telemetry.On("PublishConnectionStatus", "aa:bb:cc:11:22:33", true, uint16(0)).Once()

	op := NewConnect(s.env(), peerAddress, 3, time.Second)
	s.route(op)
	res := op.Run(context.Background())

	s.Require().True(res.OK(), "connect MUST succeed")
	s.Equal(1, op.Attempts(), "MUST stop after the first successful attempt")
	s.Equal(1, s.Radio.Count(testutils.CmdOpen))
	s.Equal(StateCompleted, op.State())
	s.False(op.Done(), "a connected operation MUST stay registered to observe the close")
	s.Telemetry.AssertExpectations(s.T())
}

func (s *ConnectSuite) TestConnectRetryBoundWhenAlwaysTimingOut() {
	// GOAL: Verify retries=2 performs exactly 3 attempts and fails
	//
	// TEST SCENARIO: Swallow every open → 3 opens, 3 closes of half-open attempts, FAILURE

	s.Radio.SetIntercept(func(cmd testutils.Command) bool {
		return cmd.Name == testutils.CmdOpen
	})

	op := NewConnect(s.env(), peerAddress, 2, 20*time.Millisecond)
	s.route(op)
	res := op.Run(context.Background())

	s.False(res.OK(), "connect MUST fail when every attempt times out")
	s.Equal(ReasonConnectFailed, res.Reason)
	s.Equal(3, s.Radio.Count(testutils.CmdOpen), "MUST attempt exactly retries+1 times")
	s.Equal(3, s.Radio.Count(testutils.CmdClose), "MUST close every half-open attempt")
	s.True(op.Done())
	_, ok := op.Handle()
	s.False(ok, "a failed connect MUST NOT expose a handle")
	s.Telemetry.AssertNotCalled(s.T(), "PublishConnectionStatus")
}

func (s *ConnectSuite) TestConnectSucceedsOnSecondAttempt() {
	// GOAL: Verify a connect that succeeds on attempt 2 of 3 stops there
	//
	// TEST SCENARIO: Swallow the first open only → SUCCESS after exactly 2 opens

	s.Telemetry.On("PublishConnectionStatus", "aa:bb:cc:11:22:33", true, uint16(0)).Once()

	var opens atomic.Int32
	s.Radio.SetIntercept(func(cmd testutils.Command) bool {
		return cmd.Name == testutils.CmdOpen && opens.Add(1) == 1
	})

	op := NewConnect(s.env(), peerAddress, 2, 50*time.Millisecond)
	var bound []radio.Connection
	op.OnOpen(func(handle radio.Connection) { bound = append(bound, handle) })
	s.route(op)
	res := op.Run(context.Background())

	s.True(res.OK(), "connect MUST succeed on the second attempt")
	s.Equal(2, op.Attempts())
	s.Equal(2, s.Radio.Count(testutils.CmdOpen), "MUST NOT attempt again after success")

	issued := s.Radio.Commands(testutils.CmdOpen)
	s.Equal([]radio.Connection{issued[0].Connection, issued[1].Connection}, bound, "every issued handle MUST be reported")
	handle, _ := op.Handle()
	s.Equal(issued[1].Connection, handle)
	s.Telemetry.AssertExpectations(s.T())
}

func (s *ConnectSuite) TestConnectObservesPeerDrop() {
	// GOAL: Verify a connected operation reports the close and becomes done
	//
	// TEST SCENARIO: Connect → peer drops → disconnected status with reason, operation done

	s.Telemetry.On("PublishConnectionStatus", "aa:bb:cc:11:22:33", true, uint16(0)).Once()
	closed := make(chan struct{})
	s.Telemetry.On("PublishConnectionStatus", "aa:bb:cc:11:22:33", false, uint16(0x13)).Once().
		Run(func(_ mock.Arguments) { close(closed) })

	op := NewConnect(s.env(), peerAddress, 0, time.Second)
	s.route(op)
	s.Require().True(op.Run(context.Background()).OK())
	s.False(op.Closed())

	s.Require().True(s.Radio.Drop(peerAddress, 0x13))

	select {
	case <-closed:
	case <-time.After(time.Second):
		s.FailNow("disconnected status MUST be published")
	}
	s.Eventually(op.Done, time.Second, 5*time.Millisecond, "operation MUST be done after the close")
	s.True(op.Closed(), "a connection closed after opening MUST be reported closed")
}

func (s *ConnectSuite) TestConnectUnknownPeerFails() {
	op := NewConnect(s.env(), "C0:00:00:00:00:01", 1, 10*time.Millisecond)
	s.route(op)
	res := op.Run(context.Background())

	s.False(res.OK())
	s.Equal(2, op.Attempts())
	s.Equal("c0:00:00:00:00:01", op.Address())
}

func (s *ConnectSuite) TestConnectStopsOnCancelledContext() {
	s.Radio.SetIntercept(func(cmd testutils.Command) bool {
		return cmd.Name == testutils.CmdOpen
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	op := NewConnect(s.env(), peerAddress, 5, time.Second)
	res := op.Run(ctx)

	s.False(res.OK())
	s.Equal(0, s.Radio.Count(testutils.CmdOpen), "a cancelled connect MUST NOT issue commands")
}
