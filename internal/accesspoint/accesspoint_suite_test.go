package accesspoint

import (
	"context"
	"sync"
	"time"

	"github.com/srg/blegw/internal/device"
	"github.com/srg/blegw/internal/operation"
	"github.com/srg/blegw/internal/producer"
	"github.com/srg/blegw/internal/testutils"
	"github.com/srg/blegw/internal/topics"
	"github.com/stretchr/testify/suite"
)

const (
	peerAddress = "AA:BB:CC:11:22:33"
	peerID      = "dev-1"
)

type message struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

// recordingPublisher stands in for the broker.
type recordingPublisher struct {
	mu       sync.Mutex
	messages []message
}

func (p *recordingPublisher) Publish(topic string, qos byte, retained bool, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, message{topic, qos, retained, append([]byte(nil), payload...)})
	return nil
}

func (p *recordingPublisher) On(topic string) []message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []message
	for _, m := range p.messages {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// GatewaySuite wires an access point to a real producer, an in-memory topic
// store and a recording publisher.
type GatewaySuite struct {
	suite.Suite

	Helper    *testutils.TestHelper
	Store     *topics.MemoryStore
	Publisher *recordingPublisher
	Producer  *producer.Producer
}

func (s *GatewaySuite) SetupTest() {
	s.Helper = testutils.NewTestHelper(s.T())
	s.Store = topics.NewMemoryStore()
	s.Publisher = &recordingPublisher{}
	s.Producer = producer.New(s.Publisher, s.Store, s.Helper.Logger)
	s.Producer.Start(context.Background())

	s.Require().NoError(s.Store.PutDevice(topics.Device{ID: peerID, MAC: peerAddress}))
}

func (s *GatewaySuite) TearDownTest() {
	s.Producer.Stop()
}

func (s *GatewaySuite) register(reg topics.Registration) {
	_, err := topics.Register(s.Store, reg)
	s.Require().NoError(err)
}

// eventuallyPublished waits until n messages were published on topic.
func (s *GatewaySuite) eventuallyPublished(topic string, n int) []message {
	s.Eventually(func() bool { return len(s.Publisher.On(topic)) >= n },
		2*time.Second, 10*time.Millisecond, "%d message(s) MUST be published on %s", n, topic)
	return s.Publisher.On(topic)
}

func (s *GatewaySuite) connectionStatus(m message) producer.ConnectionStatus {
	var status producer.ConnectionStatus
	s.Require().NoError(producer.Decode(m.Payload, &status))
	return status
}

func (s *GatewaySuite) services(r operation.Result) []device.ServiceView {
	v, ok := r.Field("services")
	s.Require().True(ok, "result MUST carry services")
	views, ok := v.([]device.ServiceView)
	s.Require().True(ok, "services MUST be service views")
	return views
}

func findCharacteristic(views []device.ServiceView, service, char string) (device.CharacteristicView, bool) {
	for _, sv := range views {
		if sv.ServiceID != service {
			continue
		}
		for _, cv := range sv.Characteristics {
			if cv.CharacteristicID == char {
				return cv, true
			}
		}
	}
	return device.CharacteristicView{}, false
}
