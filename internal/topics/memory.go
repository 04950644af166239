package topics

import (
	"sort"
	"sync"

	"github.com/srg/blegw/internal/device"
)

// MemoryStore keeps everything in maps. It is the default store and the one
// tests use.
type MemoryStore struct {
	mu          sync.RWMutex
	devices     map[string]Device
	gatt        map[string]GattTopic
	adv         map[string]AdvTopic
	connections map[string]ConnectionTopic
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:     make(map[string]Device),
		gatt:        make(map[string]GattTopic),
		adv:         make(map[string]AdvTopic),
		connections: make(map[string]ConnectionTopic),
	}
}

func (s *MemoryStore) PutDevice(d Device) error {
	d.MAC = NormalizeAddress(d.MAC)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.ID] = d
	return nil
}

func (s *MemoryStore) DeviceByID(id string) (Device, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	return d, ok, nil
}

func (s *MemoryStore) DeviceByAddress(address string) (Device, bool, error) {
	address = NormalizeAddress(address)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.devices {
		if d.MAC == address {
			return d, true, nil
		}
	}
	return Device{}, false, nil
}

func (s *MemoryStore) RegisterGatt(t GattTopic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.gatt[t.Topic]; ok {
		t.DeviceIDs = mergeIDs(existing.DeviceIDs, t.DeviceIDs)
	}
	s.gatt[t.Topic] = t
	return nil
}

func (s *MemoryStore) RegisterConnection(t ConnectionTopic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.connections[t.Topic]; ok {
		t.DeviceIDs = mergeIDs(existing.DeviceIDs, t.DeviceIDs)
	}
	s.connections[t.Topic] = t
	return nil
}

func (s *MemoryStore) RegisterAdvertisement(t AdvTopic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.adv[t.Topic]; ok {
		t.DeviceIDs = mergeIDs(existing.DeviceIDs, t.DeviceIDs)
		t.Onboarded = t.Onboarded || existing.Onboarded
	}
	s.adv[t.Topic] = t
	return nil
}

func (s *MemoryStore) Unregister(topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, g := s.gatt[topic]
	_, a := s.adv[topic]
	_, c := s.connections[topic]
	if !g && !a && !c {
		return ErrTopicNotFound
	}
	delete(s.gatt, topic)
	delete(s.adv, topic)
	delete(s.connections, topic)
	return nil
}

func (s *MemoryStore) Kinds(topic string) ([]Kind, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var kinds []Kind
	if _, ok := s.gatt[topic]; ok {
		kinds = append(kinds, KindGatt)
	}
	if _, ok := s.connections[topic]; ok {
		kinds = append(kinds, KindConnection)
	}
	if _, ok := s.adv[topic]; ok {
		kinds = append(kinds, KindAdvertisements)
	}
	return kinds, nil
}

func (s *MemoryStore) GattTopics(address, service, characteristic string) ([]GattTopic, error) {
	d, ok, _ := s.DeviceByAddress(address)
	if !ok {
		return nil, nil
	}
	service, characteristic = device.NormalizeUUID(service), device.NormalizeUUID(characteristic)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []GattTopic
	for _, t := range s.gatt {
		if t.Service == service && t.Characteristic == characteristic && containsID(t.DeviceIDs, d.ID) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out, nil
}

func (s *MemoryStore) UnboundAdvTopics() ([]AdvTopic, error) {
	return s.advTopics(func(t AdvTopic) bool { return !t.Onboarded }), nil
}

func (s *MemoryStore) DeviceAdvTopics(deviceID string) ([]AdvTopic, error) {
	return s.advTopics(func(t AdvTopic) bool { return containsID(t.DeviceIDs, deviceID) }), nil
}

func (s *MemoryStore) advTopics(keep func(AdvTopic) bool) []AdvTopic {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []AdvTopic
	for _, t := range s.adv {
		if keep(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

func (s *MemoryStore) ConnectionTopics(deviceID string) ([]ConnectionTopic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ConnectionTopic
	for _, t := range s.connections {
		if containsID(t.DeviceIDs, deviceID) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
