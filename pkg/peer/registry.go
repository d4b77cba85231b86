package peer

import (
	"errors"
	"fmt"
	"sort"
)

// Registry errors.
var (
	// ErrDuplicatePeer indicates an id that is already registered.
	ErrDuplicatePeer = errors.New("peer already registered")

	// ErrUnknownPeer indicates an id that is not registered.
	ErrUnknownPeer = errors.New("peer not registered")
)

// Registry maps connection ids to peers. It is not safe for concurrent use;
// the engine accesses it from a single goroutine.
type Registry struct {
	peers map[ID]*Peer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[ID]*Peer)}
}

// Add creates and registers a fresh peer for id.
func (r *Registry) Add(id ID) (*Peer, error) {
	if id < 0 {
		return nil, fmt.Errorf("invalid peer id %d", id)
	}
	if _, ok := r.peers[id]; ok {
		return nil, fmt.Errorf("%w: %d", ErrDuplicatePeer, id)
	}
	p := &Peer{ID: id}
	r.peers[id] = p
	return p, nil
}

// Remove detaches the peer for id and returns it for teardown.
func (r *Registry) Remove(id ID) (*Peer, error) {
	p, ok := r.peers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPeer, id)
	}
	delete(r.peers, id)
	return p, nil
}

// Get returns the peer for id.
func (r *Registry) Get(id ID) (*Peer, bool) {
	p, ok := r.peers[id]
	return p, ok
}

// Len returns the number of registered peers.
func (r *Registry) Len() int {
	return len(r.peers)
}

// First returns the lowest registered id.
func (r *Registry) First() (ID, bool) {
	first, found := NoID, false
	for id := range r.peers {
		if !found || id < first {
			first, found = id, true
		}
	}
	return first, found
}

// Last returns the highest registered id.
func (r *Registry) Last() (ID, bool) {
	last, found := NoID, false
	for id := range r.peers {
		if !found || id > last {
			last, found = id, true
		}
	}
	return last, found
}

// IDs returns the registered ids in ascending order.
func (r *Registry) IDs() []ID {
	ids := make([]ID, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Each calls fn for every peer in ascending id order. fn may remove peers.
func (r *Registry) Each(fn func(*Peer)) {
	for _, id := range r.IDs() {
		if p, ok := r.peers[id]; ok {
			fn(p)
		}
	}
}
