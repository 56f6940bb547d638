package turn

import (
	"net/netip"
	"sort"
	"time"
)

// PermissionLifetime is how long a permission stays valid after it is
// installed or refreshed.
const PermissionLifetime = 300 * time.Second

// Permission allows traffic between an allocation and one peer IP.
type Permission struct {
	Peer    netip.Addr
	Created time.Time
	Expires time.Time
	BytesTx uint64
	BytesRx uint64
}

// PermissionSet holds the permissions of one allocation, keyed by peer IP
// (ports are ignored).
type PermissionSet struct {
	perms map[netip.Addr]*Permission
}

// NewPermissionSet creates an empty set.
func NewPermissionSet() *PermissionSet {
	return &PermissionSet{perms: make(map[netip.Addr]*Permission)}
}

// Install creates a permission for peer or refreshes the existing one.
// Expiry only ever moves forward.
func (s *PermissionSet) Install(peer netip.Addr, now time.Time) *Permission {
	peer = peer.Unmap()
	expires := now.Add(PermissionLifetime)

	if p, ok := s.perms[peer]; ok {
		if expires.After(p.Expires) {
			p.Expires = expires
		}
		return p
	}

	p := &Permission{Peer: peer, Created: now, Expires: expires}
	s.perms[peer] = p
	return p
}

// Lookup returns the live permission for peer, or nil. Expired entries are
// removed on the way.
func (s *PermissionSet) Lookup(peer netip.Addr, now time.Time) *Permission {
	peer = peer.Unmap()
	p, ok := s.perms[peer]
	if !ok {
		return nil
	}
	if !now.Before(p.Expires) {
		delete(s.perms, peer)
		return nil
	}
	return p
}

// Refresh extends p as if it had been installed at now.
func (s *PermissionSet) Refresh(p *Permission, now time.Time) {
	if expires := now.Add(PermissionLifetime); expires.After(p.Expires) {
		p.Expires = expires
	}
}

// Prune removes expired permissions and returns how many were removed.
func (s *PermissionSet) Prune(now time.Time) int {
	n := 0
	for peer, p := range s.perms {
		if !now.Before(p.Expires) {
			delete(s.perms, peer)
			n++
		}
	}
	return n
}

// Len returns the number of stored permissions, expired or not.
func (s *PermissionSet) Len() int {
	return len(s.perms)
}

// Snapshot returns copies of the live permissions sorted by peer.
func (s *PermissionSet) Snapshot(now time.Time) []Permission {
	out := make([]Permission, 0, len(s.perms))
	for _, p := range s.perms {
		if now.Before(p.Expires) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer.Less(out[j].Peer) })
	return out
}
