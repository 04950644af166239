// Package producer fans telemetry out to the pub/sub topics registered for
// it. Notifications and connection transitions are published inline;
// advertisements go through a bounded queue so the radio event goroutine
// never waits on the broker.
package producer

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blegw/internal/adv"
	"github.com/srg/blegw/internal/groutine"
	"github.com/srg/blegw/internal/radio"
	"github.com/srg/blegw/internal/ringchan"
	"github.com/srg/blegw/internal/topics"
)

// Publisher is the pub/sub transport.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// Resolver answers which topics and devices a telemetry item belongs to.
type Resolver interface {
	DeviceByAddress(address string) (topics.Device, bool, error)
	GattTopics(address, service, characteristic string) ([]topics.GattTopic, error)
	UnboundAdvTopics() ([]topics.AdvTopic, error)
	DeviceAdvTopics(deviceID string) ([]topics.AdvTopic, error)
	ConnectionTopics(deviceID string) ([]topics.ConnectionTopic, error)
}

const (
	qosConnection byte = 1
	// DefaultQueueSize is the advertisement queue capacity.
	DefaultQueueSize = 1024
)

// Producer implements operation.Telemetry.
type Producer struct {
	publisher Publisher
	resolver  Resolver
	logger    *logrus.Logger
	now       func() time.Time

	queue *ringchan.RingChannel[radio.Advertisement]

	mu    sync.Mutex
	group *groutine.Group
}

// Option configures a Producer.
type Option func(*Producer)

// WithQueueSize sets the advertisement queue capacity.
func WithQueueSize(n int) Option {
	return func(p *Producer) {
		if n > 0 {
			p.queue = ringchan.New[radio.Advertisement](n)
		}
	}
}

// WithClock replaces time.Now for notification timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Producer) { p.now = now }
}

// New creates a producer. A nil logger discards output.
func New(publisher Publisher, resolver Resolver, logger *logrus.Logger, opts ...Option) *Producer {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	p := &Producer{
		publisher: publisher,
		resolver:  resolver,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.queue == nil {
		p.queue = ringchan.New[radio.Advertisement](DefaultQueueSize)
	}
	return p
}

// Start runs the advertisement worker until ctx ends or Stop is called.
// Until Start is called advertisements accumulate in the queue.
func (p *Producer) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.group != nil {
		return
	}
	p.group = groutine.NewGroup(ctx)
	p.group.Go("advertisement-publisher", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case a, ok := <-p.queue.C():
				if !ok {
					return
				}
				p.PublishAdvertisementSync(a)
			}
		}
	})
}

// Stop ends the worker and refuses further advertisements.
func (p *Producer) Stop() {
	p.queue.Close()
	p.mu.Lock()
	g := p.group
	p.mu.Unlock()
	if g != nil {
		g.Stop()
	}
	if m := p.queue.Metrics(); m.Dropped > 0 {
		p.logger.WithField("dropped", m.Dropped).Warn("Advertisement queue overflowed")
	}
}

// QueueMetrics reports advertisement queue traffic.
func (p *Producer) QueueMetrics() ringchan.Metrics { return p.queue.Metrics() }

func (p *Producer) publish(topic string, qos byte, retained bool, payload []byte) {
	if err := p.publisher.Publish(topic, qos, retained, payload); err != nil {
		p.logger.WithError(err).WithField("topic", topic).Warn("Publish failed")
	}
}

// PublishNotification sends a characteristic value to every gatt topic of
// the device.
func (p *Producer) PublishNotification(address, service, characteristic string, value []byte) {
	log := p.logger.WithFields(logrus.Fields{"address": address, "service": service, "characteristic": characteristic})

	matched, err := p.resolver.GattTopics(address, service, characteristic)
	if err != nil {
		log.WithError(err).Error("Gatt topic lookup failed")
		return
	}
	if len(matched) == 0 {
		return
	}

	var deviceID string
	if d, ok, err := p.resolver.DeviceByAddress(address); err != nil {
		log.WithError(err).Error("Device lookup failed")
	} else if ok {
		deviceID = d.ID
	}

	ts := unixSeconds(p.now())
	for _, t := range matched {
		env := Notification{Data: value, Timestamp: ts}
		if t.DataFormat != topics.FormatPayload {
			env.DeviceID = deviceID
			env.BLESubscription = &BLESubscription{ServiceID: service, CharacteristicID: characteristic}
		}
		payload, err := encode(env)
		if err != nil {
			log.WithError(err).Error("Notification encoding failed")
			return
		}
		p.publish(t.Topic, 0, false, payload)
	}
}

// PublishAdvertisement queues an advertisement; the oldest queued one is
// dropped when the worker falls behind.
func (p *Producer) PublishAdvertisement(a radio.Advertisement) {
	a.Data = append([]byte(nil), a.Data...)
	p.queue.Send(a)
}

// PublishAdvertisementSync sends an advertisement to every unbound topic and
// every topic of the advertising device whose filters admit it.
func (p *Producer) PublishAdvertisementSync(a radio.Advertisement) {
	log := p.logger.WithField("address", a.Address)

	candidates, err := p.resolver.UnboundAdvTopics()
	if err != nil {
		log.WithError(err).Error("Advertisement topic lookup failed")
		return
	}

	var deviceID string
	d, known, err := p.resolver.DeviceByAddress(a.Address)
	if err != nil {
		log.WithError(err).Error("Device lookup failed")
	} else if known {
		deviceID = d.ID
		bound, err := p.resolver.DeviceAdvTopics(d.ID)
		if err != nil {
			log.WithError(err).Error("Device advertisement topic lookup failed")
		}
		candidates = append(candidates, bound...)
	}
	if len(candidates) == 0 {
		return
	}

	fields := adv.Decode(a.Data)
	var full, raw []byte
	for _, t := range candidates {
		if !t.Allows(fields, a.Address) {
			continue
		}
		payload := &full
		env := Advertisement{Data: a.Data}
		if t.DataFormat == topics.FormatPayload {
			payload = &raw
		} else {
			env.DeviceID = deviceID
			env.BLEAdvertisement = &BLEAdvertisement{RSSI: a.RSSI, MACAddress: a.Address}
		}
		if *payload == nil {
			if *payload, err = encode(env); err != nil {
				log.WithError(err).Error("Advertisement encoding failed")
				return
			}
		}
		p.publish(t.Topic, 0, false, *payload)
	}
}

// PublishConnectionStatus sends a retained connection transition to the
// device's connection topics. Unknown devices are ignored.
func (p *Producer) PublishConnectionStatus(address string, connected bool, reason uint16) {
	log := p.logger.WithFields(logrus.Fields{"address": address, "connected": connected})

	d, ok, err := p.resolver.DeviceByAddress(address)
	if err != nil {
		log.WithError(err).Error("Device lookup failed")
		return
	}
	if !ok {
		return
	}
	matched, err := p.resolver.ConnectionTopics(d.ID)
	if err != nil {
		log.WithError(err).Error("Connection topic lookup failed")
		return
	}
	if len(matched) == 0 {
		return
	}

	payload, err := encode(ConnectionStatus{
		DeviceID: d.ID,
		BLEConnectionStatus: BLEConnectionStatus{
			MACAddress: address,
			Connected:  connected,
			Reason:     reason,
		},
	})
	if err != nil {
		log.WithError(err).Error("Connection status encoding failed")
		return
	}
	for _, t := range matched {
		p.publish(t.Topic, qosConnection, true, payload)
	}
}
