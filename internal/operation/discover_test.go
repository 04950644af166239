package operation

import (
	"context"
	"testing"
	"time"

	"github.com/srg/blegw/internal/device"
	"github.com/srg/blegw/internal/radio"
	"github.com/srg/blegw/internal/testutils"
	"github.com/stretchr/testify/suite"
)

const twoServicePeer = "11:22:33:44:55:66"

type DiscoverSuite struct {
	OperationSuite
}

func TestDiscoverSuite(t *testing.T) {
	suite.Run(t, new(DiscoverSuite))
}

func (s *DiscoverSuite) SetupTest() {
	s.OperationSuite.SetupTest()
	// handles: 180d=1 2a37=2 2902=3 180f=4 2a19=5 2902=6
	s.Radio.AddPeripheral(testutils.NewPeripheralBuilder(twoServicePeer).
		WithService("180d").
		WithCharacteristic("2a37", "notify", nil).
		WithDescriptor("2902").
		WithService("180f").
		WithCharacteristic("2a19", "read,notify", []byte{50}).
		WithDescriptor("2902").
		Build())
}

func (s *DiscoverSuite) discover(conn radio.Connection, retries int, requested ...string) (*Discover, Result) {
	op := NewDiscover(s.env(), conn, retries, requested, time.Second)
	s.route(op)
	res := op.Run(context.Background())
	return op, res
}

func (s *DiscoverSuite) TestDiscoverBuildsFullTree() {
	// GOAL: Verify the three-phase cascade builds services, characteristics and descriptors
	//
	// TEST SCENARIO: Discover the heart rate peer → 180d with 2a37/2a38/2a39 and 2a37's 2902

	conn := s.connect(peerAddress)
	op, res := s.discover(conn, 0)

	s.Require().True(res.OK(), "discover MUST succeed")
	s.True(op.Done())

	svc, ok := op.Tree().Service("180d")
	s.Require().True(ok, "service 180d MUST be discovered")
	s.Len(svc.Characteristics(), 3)

	hr, ok := svc.Characteristic("2a37")
	s.Require().True(ok)
	s.Equal([]string{device.CapNotify}, hr.Flags)
	s.Require().Len(hr.Descriptors(), 1)
	s.Equal("2902", hr.Descriptors()[0].UUID)

	loc, ok := svc.Characteristic("2a38")
	s.Require().True(ok)
	s.Equal([]string{device.CapRead}, loc.Flags)

	testutils.NewJSONAsserter(s.T()).AssertValue(res, `{
		"status": "SUCCESS",
		"requestID": "<<PRESENCE>>",
		"services": [{
			"serviceID": "180d",
			"characteristics": [
				{"characteristicID": "2a37", "flags": ["notify"], "descriptors": [{"descriptorID": "2902"}]},
				{"characteristicID": "2a38", "flags": ["read"], "descriptors": []},
				{"characteristicID": "2a39", "flags": ["write"], "descriptors": []}
			]
		}]
	}`)
}

func (s *DiscoverSuite) TestDiscoverPartialFailureKeepsSiblings() {
	// GOAL: Verify a failing characteristic phase leaves the service empty but keeps its siblings
	//
	// TEST SCENARIO: Characteristic discovery of 180d fails → 180d has no characteristics, 180f is complete

	conn := s.connect(twoServicePeer)
	s.Radio.SetIntercept(func(cmd testutils.Command) bool {
		if cmd.Name == testutils.CmdDiscoverCharacteristics && cmd.Service == 1 {
			s.Radio.Emit(radio.GattProcedureCompleted{Connection: cmd.Connection, Result: radio.ResultFailed})
			return true
		}
		return false
	})

	op, res := s.discover(conn, 0)

	s.Require().True(res.OK(), "a partial discovery MUST still complete")
	s.Equal(1, op.Passes())

	hr, ok := op.Tree().Service("180d")
	s.Require().True(ok, "the failing service MUST stay in the tree")
	s.Empty(hr.Characteristics(), "the failing service MUST have zero characteristics")

	battery, ok := op.Tree().Service("180f")
	s.Require().True(ok)
	s.Require().Len(battery.Characteristics(), 1, "sibling services MUST keep their characteristics")
	level, _ := battery.Characteristic("2a19")
	s.Len(level.Descriptors(), 1, "sibling services MUST keep their descriptors")
}

func (s *DiscoverSuite) TestDiscoverRetriesRestartWholeCascade() {
	// GOAL: Verify every retry restarts from service discovery
	//
	// TEST SCENARIO: Descriptor phase always fails, retries=2 → 3 service discoveries, 3 passes

	conn := s.connect(twoServicePeer)
	s.Radio.SetIntercept(func(cmd testutils.Command) bool {
		if cmd.Name == testutils.CmdDiscoverDescriptors && cmd.Attribute == 5 {
			s.Radio.Emit(radio.GattProcedureCompleted{Connection: cmd.Connection, Result: radio.ResultFailed})
			return true
		}
		return false
	})

	op, res := s.discover(conn, 2)

	s.True(res.OK())
	s.Equal(3, op.Passes())
	s.Equal(3, s.Radio.Count(testutils.CmdDiscoverServices), "retries MUST restart the entire cascade")
}

func (s *DiscoverSuite) TestDiscoverStopsRetryingAfterCleanPass() {
	conn := s.connect(twoServicePeer)
	op, res := s.discover(conn, 3)

	s.True(res.OK())
	s.Equal(1, op.Passes())
	s.Equal(1, s.Radio.Count(testutils.CmdDiscoverServices))
}

func (s *DiscoverSuite) TestDiscoverFiltersRequestedServices() {
	conn := s.connect(twoServicePeer)
	op, res := s.discover(conn, 0, "0000180F-0000-1000-8000-00805F9B34FB")

	s.Require().True(res.OK())
	s.Equal(2, op.Tree().Len(), "the tree MUST hold every service")

	view, _ := res.Field("services")
	services := view.([]device.ServiceView)
	s.Require().Len(services, 1, "the response MUST only report requested services")
	s.Equal("180f", services[0].ServiceID)
}

func (s *DiscoverSuite) TestDiscoverTimesOutOnSilentPeer() {
	conn := s.connect(peerAddress)
	s.Radio.SetIntercept(func(cmd testutils.Command) bool {
		return cmd.Name == testutils.CmdDiscoverServices
	})

	op := NewDiscover(s.env(), conn, 1, nil, 20*time.Millisecond)
	s.route(op)
	res := op.Run(context.Background())

	s.True(res.OK(), "discover MUST report whatever it has")
	s.Equal(0, op.Tree().Len())
	s.Equal(2, op.Passes())
}

func (s *DiscoverSuite) TestDiscoverEndsWhenPeerDrops() {
	// GOAL: Verify a connection closing mid-cascade ends discovery at once, even without a timeout
	//
	// TEST SCENARIO: Peer drops on service discovery, retries=2, no timeout → "not connected", one pass

	conn := s.connect(peerAddress)
	s.Radio.SetIntercept(func(cmd testutils.Command) bool {
		if cmd.Name == testutils.CmdDiscoverServices {
			s.Radio.Drop(peerAddress, 0x08)
			return true
		}
		return false
	})

	op := NewDiscover(s.env(), conn, 2, nil, 0)
	s.route(op)

	done := make(chan Result, 1)
	go func() { done <- op.Run(context.Background()) }()

	var res Result
	select {
	case res = <-done:
	case <-time.After(time.Second):
		s.FailNow("discover MUST return once the connection closed")
	}

	s.False(res.OK())
	s.Equal(ReasonNotConnected, res.Reason)
	s.Equal(1, op.Passes(), "a closed connection MUST NOT be retried")
	s.Equal(1, s.Radio.Count(testutils.CmdDiscoverServices))
	s.True(op.Done())
}
