package device

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Descriptor is a discovered GATT descriptor.
type Descriptor struct {
	UUID   string
	Handle uint16
}

// Characteristic is a discovered GATT characteristic. Flags is derived once
// from Properties when the characteristic is added.
type Characteristic struct {
	UUID       string
	Handle     uint16
	Properties uint16
	Flags      []string

	descriptors *orderedmap.OrderedMap[string, *Descriptor]
}

// AddDescriptor records a descriptor, replacing one with the same UUID.
func (c *Characteristic) AddDescriptor(uuid string, handle uint16) *Descriptor {
	d := &Descriptor{UUID: NormalizeUUID(uuid), Handle: handle}
	c.descriptors.Set(d.UUID, d)
	return d
}

// Descriptors returns descriptors in discovery order.
func (c *Characteristic) Descriptors() []*Descriptor {
	out := make([]*Descriptor, 0, c.descriptors.Len())
	for p := c.descriptors.Oldest(); p != nil; p = p.Next() {
		out = append(out, p.Value)
	}
	return out
}

// Can reports whether the characteristic has the named capability.
func (c *Characteristic) Can(capability string) bool {
	return HasCapability(c.Flags, capability)
}

// Service is a discovered primary service.
type Service struct {
	UUID   string
	Handle uint32

	characteristics *orderedmap.OrderedMap[string, *Characteristic]
}

// AddCharacteristic records a characteristic, replacing one with the same UUID.
func (s *Service) AddCharacteristic(uuid string, handle uint16, properties uint16) *Characteristic {
	c := &Characteristic{
		UUID:        NormalizeUUID(uuid),
		Handle:      handle,
		Properties:  properties,
		Flags:       Capabilities(properties),
		descriptors: orderedmap.New[string, *Descriptor](),
	}
	s.characteristics.Set(c.UUID, c)
	return c
}

// Characteristic looks up a characteristic by UUID.
func (s *Service) Characteristic(uuid string) (*Characteristic, bool) {
	return s.characteristics.Get(NormalizeUUID(uuid))
}

// Characteristics returns characteristics in discovery order.
func (s *Service) Characteristics() []*Characteristic {
	out := make([]*Characteristic, 0, s.characteristics.Len())
	for p := s.characteristics.Oldest(); p != nil; p = p.Next() {
		out = append(out, p.Value)
	}
	return out
}

// Tree is the service tree discovered for one connection.
type Tree struct {
	services *orderedmap.OrderedMap[string, *Service]
}

// NewTree returns an empty tree.
func NewTree() *Tree {
	return &Tree{services: orderedmap.New[string, *Service]()}
}

// AddService records a service, replacing one with the same UUID.
func (t *Tree) AddService(uuid string, handle uint32) *Service {
	s := &Service{
		UUID:            NormalizeUUID(uuid),
		Handle:          handle,
		characteristics: orderedmap.New[string, *Characteristic](),
	}
	t.services.Set(s.UUID, s)
	return s
}

// Service looks up a service by UUID.
func (t *Tree) Service(uuid string) (*Service, bool) {
	if t == nil {
		return nil, false
	}
	return t.services.Get(NormalizeUUID(uuid))
}

// Services returns services in discovery order.
func (t *Tree) Services() []*Service {
	if t == nil {
		return nil
	}
	out := make([]*Service, 0, t.services.Len())
	for p := t.services.Oldest(); p != nil; p = p.Next() {
		out = append(out, p.Value)
	}
	return out
}

// Len returns the number of services.
func (t *Tree) Len() int {
	if t == nil {
		return 0
	}
	return t.services.Len()
}

// Lookup resolves a characteristic by service and characteristic UUID.
// Returns a NotFoundError if either is unknown.
func (t *Tree) Lookup(service, characteristic string) (*Characteristic, error) {
	svc, ok := t.Service(service)
	if !ok {
		return nil, &NotFoundError{Resource: "service", UUIDs: []string{service}}
	}
	char, ok := svc.Characteristic(characteristic)
	if !ok {
		return nil, &NotFoundError{Resource: "characteristic", UUIDs: []string{service, characteristic}}
	}
	return char, nil
}

// DescriptorView is the upward representation of a descriptor.
type DescriptorView struct {
	DescriptorID string `json:"descriptorID"`
}

// CharacteristicView is the upward representation of a characteristic.
type CharacteristicView struct {
	CharacteristicID string           `json:"characteristicID"`
	Flags            []string         `json:"flags"`
	Descriptors      []DescriptorView `json:"descriptors"`
}

// ServiceView is the upward representation of a service. Handles never
// leave the gateway.
type ServiceView struct {
	ServiceID       string               `json:"serviceID"`
	Characteristics []CharacteristicView `json:"characteristics"`
}

// View renders the tree, keeping only the requested services when any are
// given.
func (t *Tree) View(requested []string) []ServiceView {
	wanted := make(map[string]struct{}, len(requested))
	for _, r := range requested {
		wanted[NormalizeUUID(r)] = struct{}{}
	}

	views := make([]ServiceView, 0, t.Len())
	for _, svc := range t.Services() {
		if len(wanted) > 0 {
			if _, ok := wanted[svc.UUID]; !ok {
				continue
			}
		}

		sv := ServiceView{ServiceID: svc.UUID, Characteristics: []CharacteristicView{}}
		for _, c := range svc.Characteristics() {
			cv := CharacteristicView{
				CharacteristicID: c.UUID,
				Flags:            append([]string{}, c.Flags...),
				Descriptors:      []DescriptorView{},
			}
			for _, d := range c.Descriptors() {
				cv.Descriptors = append(cv.Descriptors, DescriptorView{DescriptorID: d.UUID})
			}
			sv.Characteristics = append(sv.Characteristics, cv)
		}
		views = append(views, sv)
	}
	return views
}
