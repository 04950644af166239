// Package registry tracks the live connections of the gateway, one per peer
// address, and enforces the connection admission policy.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/srg/blegw/internal/device"
	"github.com/srg/blegw/internal/radio"
)

// Connection is a live (or reserved) connection to a peer.
type Connection struct {
	Address     string
	Handle      radio.Connection
	Tree        *device.Tree
	ConnectedAt time.Time

	pending bool
	bound   bool
	closed  bool
}

// Pending reports whether the connection is reserved but not yet established.
func (c Connection) Pending() bool { return c.pending }

// Registry maps peer addresses to connections. Every method holds the lock
// for an O(1) map operation only.
type Registry struct {
	mu        sync.Mutex
	max       int
	byAddress map[string]*Connection
}

// New creates a registry admitting at most max connections.
func New(max int) *Registry {
	return &Registry{max: max, byAddress: make(map[string]*Connection)}
}

// Max returns the configured connection bound.
func (r *Registry) Max() int { return r.max }

// Reservation holds an admitted slot until it is committed or released.
type Reservation struct {
	r       *Registry
	address string
	once    sync.Once
}

// Address returns the reserved peer address.
func (res *Reservation) Address() string { return res.address }

// Reserve admits a connect to address. The already-connected and max
// connection checks and the insert of a pending entry happen under one lock,
// so concurrent connects can never exceed the bound or duplicate an address.
func (r *Registry) Reserve(address string) (*Reservation, error) {
	address = normalize(address)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byAddress[address]; ok {
		return nil, &device.ConnectionError{State: device.AlreadyConnected, Msg: address}
	}
	if len(r.byAddress) >= r.max {
		return nil, &device.ConnectionError{State: device.MaxConnections, Msg: fmt.Sprintf("%d/%d", len(r.byAddress), r.max)}
	}
	r.byAddress[address] = &Connection{Address: address, pending: true}
	return &Reservation{r: r, address: address}, nil
}

// Bind records the handle of an open attempt so a close arriving before
// Commit is not lost. Binding the handle of a new attempt forgets a close of
// the previous one.
func (res *Reservation) Bind(handle radio.Connection) {
	res.r.mu.Lock()
	defer res.r.mu.Unlock()
	if c, ok := res.r.byAddress[res.address]; ok && c.pending {
		c.Handle, c.bound, c.closed = handle, true, false
	}
}

// Commit turns the reservation into a live connection. It fails with
// ErrNotConnected, and frees the slot, when the bound connection closed in
// the meantime.
func (res *Reservation) Commit(handle radio.Connection, tree *device.Tree) error {
	err := error(&device.ConnectionError{State: device.NotConnected, Msg: res.address})
	res.once.Do(func() {
		res.r.mu.Lock()
		defer res.r.mu.Unlock()
		c, ok := res.r.byAddress[res.address]
		if !ok || !c.pending {
			return
		}
		if c.closed && c.Handle == handle {
			delete(res.r.byAddress, res.address)
			return
		}
		res.r.byAddress[res.address] = &Connection{
			Address:     res.address,
			Handle:      handle,
			Tree:        tree,
			ConnectedAt: time.Now(),
		}
		err = nil
	})
	return err
}

// Release frees a reservation that was not committed. Releasing after
// Commit is a no-op.
func (res *Reservation) Release() {
	res.once.Do(func() {
		res.r.mu.Lock()
		defer res.r.mu.Unlock()
		if c, ok := res.r.byAddress[res.address]; ok && c.pending {
			delete(res.r.byAddress, res.address)
		}
	})
}

// Get returns a copy of the live connection for address.
func (r *Registry) Get(address string) (Connection, error) {
	address = normalize(address)

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byAddress[address]
	if !ok || c.pending {
		return Connection{}, &device.ConnectionError{State: device.NotConnected, Msg: address}
	}
	return *c, nil
}

// Lookup resolves a characteristic of a live connection.
func (r *Registry) Lookup(address, service, characteristic string) (Connection, *device.Characteristic, error) {
	c, err := r.Get(address)
	if err != nil {
		return Connection{}, nil, err
	}
	char, err := c.Tree.Lookup(service, characteristic)
	if err != nil {
		return Connection{}, nil, err
	}
	return c, char, nil
}

// UpdateTree replaces the discovered tree of a live connection.
func (r *Registry) UpdateTree(address string, tree *device.Tree) error {
	address = normalize(address)

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byAddress[address]
	if !ok || c.pending {
		return &device.ConnectionError{State: device.NotConnected, Msg: address}
	}
	c.Tree = tree
	return nil
}

// Remove drops the connection for address.
func (r *Registry) Remove(address string) (Connection, bool) {
	address = normalize(address)

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byAddress[address]
	if !ok || c.pending {
		return Connection{}, false
	}
	delete(r.byAddress, address)
	return *c, true
}

// RemoveByHandle drops the live connection using handle. A reservation
// bound to handle keeps its slot until the connect gives up on it but can no
// longer be committed. Unbound reservations have no handle yet and are left
// alone.
func (r *Registry) RemoveByHandle(handle radio.Connection) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for address, c := range r.byAddress {
		switch {
		case c.pending && c.bound && c.Handle == handle:
			c.closed = true
			return address, true
		case !c.pending && c.Handle == handle:
			delete(r.byAddress, address)
			return address, true
		}
	}
	return "", false
}

// Len counts live and reserved connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byAddress)
}

// Connectable reports whether another connection would be admitted.
func (r *Registry) Connectable() bool {
	return r.Len() < r.max
}

// Addresses lists live connection addresses in sorted order.
func (r *Registry) Addresses() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.byAddress))
	for address, c := range r.byAddress {
		if !c.pending {
			out = append(out, address)
		}
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

func normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
