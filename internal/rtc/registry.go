package rtc

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Registry tracks the live links by peer id. At most one link per peer; a
// replaced link is closed so a renegotiation never leaks its predecessor.
type Registry struct {
	mu    sync.Mutex
	links map[string]Link
}

func NewRegistry() *Registry {
	return &Registry{links: make(map[string]Link)}
}

// Upsert stores the link for a peer, closing any displaced one.
func (r *Registry) Upsert(peerID string, l Link) {
	r.mu.Lock()
	old := r.links[peerID]
	r.links[peerID] = l
	r.mu.Unlock()
	if old != nil && old != l {
		if err := old.Close(); err != nil {
			log.Warnf("[%s] close displaced link: %v", peerID, err)
		}
	}
}

func (r *Registry) Get(peerID string) (Link, bool) {
	r.mu.Lock()
	l, ok := r.links[peerID]
	r.mu.Unlock()
	return l, ok
}

// Remove closes and forgets the peer's link. Unknown peers are a no-op.
func (r *Registry) Remove(peerID string) {
	r.mu.Lock()
	l, ok := r.links[peerID]
	delete(r.links, peerID)
	r.mu.Unlock()
	if ok {
		if err := l.Close(); err != nil {
			log.Warnf("[%s] close link: %v", peerID, err)
		}
	}
}

// CloseAll empties the registry before closing anything, so a snapshot taken
// mid-teardown already observes no links.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	links := r.links
	r.links = make(map[string]Link)
	r.mu.Unlock()

	var errs []error
	for id, l := range links {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
			log.Warnf("[%s] close link: %v", id, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.links)
}

// All returns a copy of the live link set keyed by peer id.
func (r *Registry) All() map[string]Link {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Link, len(r.links))
	for id, l := range r.links {
		out[id] = l
	}
	return out
}

// States reports the connection state per peer, for snapshots.
func (r *Registry) States() map[string]webrtc.PeerConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]webrtc.PeerConnectionState, len(r.links))
	for id, l := range r.links {
		out[id] = l.State()
	}
	return out
}
