package accesspoint

import (
	"context"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/srg/blegw/internal/adv"
	"github.com/srg/blegw/internal/operation"
	"github.com/srg/blegw/internal/producer"
	"github.com/srg/blegw/internal/topics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type SimulatedAccessPointSuite struct {
	GatewaySuite

	AP *SimulatedAccessPoint
}

func TestSimulatedAccessPointSuite(t *testing.T) {
	suite.Run(t, new(SimulatedAccessPointSuite))
}

func (s *SimulatedAccessPointSuite) SetupTest() {
	s.GatewaySuite.SetupTest()
	s.AP = NewSimulatedAccessPoint(Config{
		Kind:                 KindSimulated,
		MaxConnections:       2,
		SubscriptionInterval: 10 * time.Millisecond,
		ScanInterval:         time.Millisecond,
	}, Deps{Telemetry: s.Producer, Logger: s.Helper.Logger})
	s.Require().NoError(s.AP.Start(context.Background()))
	s.Require().NoError(WaitReady(context.Background(), s.AP, time.Second))
}

func (s *SimulatedAccessPointSuite) TearDownTest() {
	s.Require().NoError(s.AP.Stop())
	s.GatewaySuite.TearDownTest()
}

func (s *SimulatedAccessPointSuite) TestLifecycle() {
	// GOAL: Verify the simulated peer answers like the heart rate profile
	//
	// TEST SCENARIO: Connect → fixed tree; read 2a38 → 000001; write 2a39 → echo; read 2a39 → invalid; disconnect → not connected

	s.register(topics.Registration{Topic: "conn", Kind: topics.KindConnection, DeviceID: peerID})
	ctx := context.Background()

	res := s.AP.Connect(ctx, peerAddress, nil, 3)
	s.Require().True(res.OK())
	cv, ok := findCharacteristic(s.services(res), "180d", "2a37")
	s.Require().True(ok)
	s.Equal([]string{"notify"}, cv.Flags)
	s.Require().Len(cv.Descriptors, 1)
	s.Equal("2902", cv.Descriptors[0].DescriptorID)

	s.Equal(operation.ReasonAlreadyConnected, s.AP.Connect(ctx, peerAddress, nil, 0).Reason)

	read := s.AP.Read(ctx, peerAddress, "180d", "2a38")
	s.Require().True(read.OK())
	v, _ := read.Field("value")
	s.Equal("000001", v)

	s.Equal(operation.ReasonInvalidAttribute, s.AP.Read(ctx, peerAddress, "180d", "2a39").Reason)
	s.Equal(operation.ReasonInvalidAttribute, s.AP.Write(ctx, peerAddress, "180d", "2a38", "01").Reason)
	s.Equal(operation.ReasonInvalidHex, s.AP.Write(ctx, peerAddress, "180d", "2a39", "xyz").Reason)

	write := s.AP.Write(ctx, peerAddress, "180d", "2a39", "0xBEEF")
	s.Require().True(write.OK())
	v, _ = write.Field("value")
	s.Equal("beef", v)

	disc := s.AP.Discover(ctx, peerAddress, []string{"180f"}, 0)
	s.Require().True(disc.OK())
	s.Empty(s.services(disc), "filter MUST drop unrequested services")

	s.True(s.AP.Disconnect(ctx, peerAddress).OK())
	s.Equal(operation.ReasonNotConnected, s.AP.Read(ctx, peerAddress, "180d", "2a38").Reason)
	s.Equal(operation.ReasonNotConnected, s.AP.Disconnect(ctx, peerAddress).Reason)

	msgs := s.eventuallyPublished("conn", 2)
	s.True(s.connectionStatus(msgs[0]).BLEConnectionStatus.Connected)
	s.EqualValues(0, s.connectionStatus(msgs[0]).BLEConnectionStatus.Reason)
	s.False(s.connectionStatus(msgs[1]).BLEConnectionStatus.Connected)
	s.EqualValues(1, s.connectionStatus(msgs[1]).BLEConnectionStatus.Reason)
}

func (s *SimulatedAccessPointSuite) TestMaxConnections() {
	// GOAL: Verify the simulation enforces the connection bound
	//
	// TEST SCENARIO: max=2, connect three peers → third fails "max connections"

	ctx := context.Background()
	s.True(s.AP.Connect(ctx, "00:00:00:00:00:01", nil, 0).OK())
	s.True(s.AP.Connect(ctx, "00:00:00:00:00:02", nil, 0).OK())
	s.False(s.AP.Connectable())
	s.Equal(operation.ReasonMaxConnections, s.AP.Connect(ctx, "00:00:00:00:00:03", nil, 0).Reason)
}

func (s *SimulatedAccessPointSuite) TestSubscription() {
	// GOAL: Verify simulated notifications flow until unsubscribe
	//
	// TEST SCENARIO: Subscribe 2a37 → 0xffffxxxx values published; unsubscribe → publishing stops

	s.register(topics.Registration{Topic: "hr", Kind: topics.KindGatt, DeviceID: peerID, Service: "180d", Characteristic: "2a37"})
	ctx := context.Background()
	s.Require().True(s.AP.Connect(ctx, peerAddress, nil, 0).OK())

	s.Equal(operation.ReasonNoNotifyOrIndicate, s.AP.Subscribe(ctx, peerAddress, "180d", "2a38").Reason)
	s.Require().True(s.AP.Subscribe(ctx, peerAddress, "180d", "2a37").OK())
	s.True(s.AP.Subscribe(ctx, peerAddress, "180d", "2a37").OK(), "subscribing twice MUST succeed")

	msgs := s.eventuallyPublished("hr", 3)
	var n producer.Notification
	s.Require().NoError(producer.Decode(msgs[0].Payload, &n))
	s.Require().Len(n.Data, 4)
	s.Equal([]byte{0xff, 0xff}, n.Data[:2])
	s.Equal(peerID, n.DeviceID)

	s.Require().True(s.AP.Unsubscribe(ctx, peerAddress, "180d", "2a37").OK())
	count := len(s.Publisher.On("hr"))
	s.Never(func() bool { return len(s.Publisher.On("hr")) > count },
		80*time.Millisecond, 10*time.Millisecond, "no value MUST be published after unsubscribe")
	s.Equal(operation.ReasonNotSubscribed, s.AP.Unsubscribe(ctx, peerAddress, "180d", "2a37").Reason)
}

func (s *SimulatedAccessPointSuite) TestDisconnectEndsSubscription() {
	// GOAL: Verify disconnect stops the peer's subscriptions
	//
	// TEST SCENARIO: Subscribe, disconnect → nothing is published once Disconnect returned

	s.register(topics.Registration{Topic: "hr", Kind: topics.KindGatt, DeviceID: peerID, Service: "180d", Characteristic: "2a37"})
	ctx := context.Background()
	s.Require().True(s.AP.Connect(ctx, peerAddress, nil, 0).OK())
	s.Require().True(s.AP.Subscribe(ctx, peerAddress, "180d", "2a37").OK())
	s.eventuallyPublished("hr", 1)

	s.Require().True(s.AP.Disconnect(ctx, peerAddress).OK())
	count := len(s.Publisher.On("hr"))
	s.Never(func() bool { return len(s.Publisher.On("hr")) > count },
		80*time.Millisecond, 10*time.Millisecond, "no value MUST be published after Disconnect returned")
}

func (s *SimulatedAccessPointSuite) TestScan() {
	// GOAL: Verify the simulated scanner cycles the canned advertisements
	//
	// TEST SCENARIO: Start scan → advertisements from C1:5C:00:00:00:xx with rssi in [-30,-20]

	s.register(topics.Registration{Topic: "adv", Kind: topics.KindAdvertisements})
	s.Require().NoError(s.AP.StartScan())
	s.Require().NoError(s.AP.StartScan())

	msgs := s.eventuallyPublished("adv", 5)
	for _, m := range msgs[:5] {
		var a producer.Advertisement
		s.Require().NoError(producer.Decode(m.Payload, &a))
		s.Require().NotNil(a.BLEAdvertisement)
		s.True(strings.HasPrefix(a.BLEAdvertisement.MACAddress, "C1:5C:00:00:00:"))
		s.GreaterOrEqual(a.BLEAdvertisement.RSSI, int8(-30))
		s.LessOrEqual(a.BLEAdvertisement.RSSI, int8(-20))
		s.NotEmpty(adv.Decode(a.Data))
	}
}

func TestSimulatedAdvertisementsDecode(t *testing.T) {
	for _, h := range simulatedAdvertisements {
		b, err := hex.DecodeString(h)
		require.NoError(t, err, h)
		fields := adv.Decode(b)
		require.NotEmpty(t, fields, h)
		assert.Equal(t, "01", fields[0].Type, "%s MUST start with flags", h)
	}
}

func TestSimulatedStartScanBeforeStart(t *testing.T) {
	ap := NewSimulatedAccessPoint(Config{MaxConnections: 1}, Deps{})
	assert.Error(t, ap.StartScan())
	assert.NoError(t, ap.Stop())
}
