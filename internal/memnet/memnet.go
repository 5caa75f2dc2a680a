// Package memnet is an in-process network for multi-node tests. Messages
// are delivered asynchronously and in order per receiver; links can be cut
// with partitions, per-node disconnects or a drop filter.
package memnet

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/blockberries/overlord/types"
)

const inboxSize = 4096

// ErrUnknownPeer is returned by Unicast to an address that never joined
var ErrUnknownPeer = errors.New("unknown peer")

// Handler receives a message sent by from
type Handler func(from types.Address, data []byte) error

// Filter decides whether a message from one node to another is delivered
type Filter func(from, to types.Address, data []byte) bool

type delivery struct {
	from types.Address
	data []byte
}

// Hub connects the endpoints of one test network
type Hub struct {
	mu        sync.RWMutex
	endpoints map[types.Address]*Endpoint
	order     []types.Address
	group     map[types.Address]int
	offline   map[types.Address]bool
	filter    Filter
	log       zerolog.Logger
}

// NewHub creates an empty network
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		endpoints: make(map[types.Address]*Endpoint),
		group:     make(map[types.Address]int),
		offline:   make(map[types.Address]bool),
		log:       log.With().Str("component", "memnet").Logger(),
	}
}

// Join adds a node to the network. Messages sent to it are queued until
// Serve is called.
func (h *Hub) Join(addr types.Address) *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ep, ok := h.endpoints[addr]; ok {
		return ep
	}
	ep := &Endpoint{
		hub:   h,
		addr:  addr,
		inbox: make(chan delivery, inboxSize),
		done:  make(chan struct{}),
	}
	h.endpoints[addr] = ep
	h.order = append(h.order, addr)
	return ep
}

// Partition splits the network into groups; nodes only reach nodes of
// their own group. Nodes not named form one more group.
func (h *Hub) Partition(groups ...[]types.Address) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.group = make(map[types.Address]int)
	for i, g := range groups {
		for _, addr := range g {
			h.group[addr] = i + 1
		}
	}
}

// Heal removes all partitions
func (h *Hub) Heal() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.group = make(map[types.Address]int)
}

// Disconnect cuts every link of addr until Reconnect
func (h *Hub) Disconnect(addr types.Address) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.offline[addr] = true
}

// Reconnect restores the links of addr
func (h *Hub) Reconnect(addr types.Address) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.offline, addr)
}

// SetFilter installs f; nil delivers everything
func (h *Hub) SetFilter(f Filter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.filter = f
}

func (h *Hub) connected(from, to types.Address, data []byte) bool {
	if h.offline[from] || h.offline[to] || h.group[from] != h.group[to] {
		return false
	}
	return h.filter == nil || h.filter(from, to, data)
}

func (h *Hub) send(from types.Address, to *Endpoint, data []byte) {
	if !h.connected(from, to.addr, data) {
		return
	}
	select {
	case to.inbox <- delivery{from: from, data: data}:
	default:
		h.log.Warn().Str("to", to.addr.Short()).Msg("inbox full, dropping message")
	}
}

// Endpoint is one node's attachment to the hub. It implements the engine's
// Network adapter.
type Endpoint struct {
	hub   *Hub
	addr  types.Address
	inbox chan delivery

	once sync.Once
	done chan struct{}
	wg   sync.WaitGroup
}

// Address returns the node's address
func (ep *Endpoint) Address() types.Address {
	return ep.addr
}

// Broadcast sends msg to every other node
func (ep *Endpoint) Broadcast(ctx context.Context, msg []byte) error {
	ep.hub.mu.RLock()
	defer ep.hub.mu.RUnlock()

	for _, addr := range ep.hub.order {
		if addr != ep.addr {
			ep.hub.send(ep.addr, ep.hub.endpoints[addr], msg)
		}
	}
	return nil
}

// Unicast sends msg to one node
func (ep *Endpoint) Unicast(ctx context.Context, to types.Address, msg []byte) error {
	ep.hub.mu.RLock()
	defer ep.hub.mu.RUnlock()

	target, ok := ep.hub.endpoints[to]
	if !ok {
		return ErrUnknownPeer
	}
	ep.hub.send(ep.addr, target, msg)
	return nil
}

// Serve delivers queued and future messages to handler until Close
func (ep *Endpoint) Serve(handler Handler) {
	ep.wg.Add(1)
	go func() {
		defer ep.wg.Done()
		for {
			select {
			case <-ep.done:
				return
			case d := <-ep.inbox:
				if err := handler(d.from, d.data); err != nil {
					ep.hub.log.Debug().Err(err).
						Str("from", d.from.Short()).
						Str("to", ep.addr.Short()).
						Msg("handler rejected message")
				}
			}
		}
	}()
}

// Close stops delivery to this endpoint
func (ep *Endpoint) Close() {
	ep.once.Do(func() { close(ep.done) })
	ep.wg.Wait()
}
