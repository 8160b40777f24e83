// Package chat holds the active-session registry and fans chat messages out
// to logged-in users.
package chat

import (
	"sort"

	"github.com/postalsys/nio-chat/internal/identity"
)

// Peer is the control connection of a logged-in user. Implementations must be
// comparable (typically a pointer).
type Peer interface {
	Send(text string) error
}

// Registry associates each logged-in identity with its control connection in
// both directions. A name is present at most once.
type Registry struct {
	byName map[string]session
	byPeer map[Peer]identity.Identity
}

type session struct {
	id   identity.Identity
	peer Peer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]session),
		byPeer: make(map[Peer]identity.Identity),
	}
}

// Add records a new active session. It returns false without changes when the
// name or the peer is already registered.
func (r *Registry) Add(id identity.Identity, p Peer) bool {
	if _, ok := r.byName[id.Name]; ok {
		return false
	}
	if _, ok := r.byPeer[p]; ok {
		return false
	}
	r.byName[id.Name] = session{id: id, peer: p}
	r.byPeer[p] = id
	return true
}

// Remove drops both directions of the mapping for peer. Removing an unknown
// peer is a no-op.
func (r *Registry) Remove(p Peer) (identity.Identity, bool) {
	id, ok := r.byPeer[p]
	if !ok {
		return identity.Identity{}, false
	}
	delete(r.byPeer, p)
	delete(r.byName, id.Name)
	return id, true
}

// IsActive reports whether name has a live session.
func (r *Registry) IsActive(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// Lookup returns the identity owning peer.
func (r *Registry) Lookup(p Peer) (identity.Identity, bool) {
	id, ok := r.byPeer[p]
	return id, ok
}

// PeerOf returns the control connection of name.
func (r *Registry) PeerOf(name string) (Peer, bool) {
	s, ok := r.byName[name]
	return s.peer, ok
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	return len(r.byName)
}

// Names returns the logged-in names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
