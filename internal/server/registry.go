package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/windyrun/tunnel/internal/obs"
)

// TunnelInfo is the snapshot form of a registered tunnel, safe to hand to
// the status page and mirrors without exposing the session.
type TunnelInfo struct {
	Subdomain     string    `json:"subdomain"`
	ClientID      string    `json:"client_id"`
	RemoteAddr    string    `json:"remote_addr"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Requests      uint64    `json:"requests"`
	Errors        uint64    `json:"errors"`
	BytesIn       uint64    `json:"bytes_in"`
	BytesOut      uint64    `json:"bytes_out"`
}

// Mirror receives tunnel lifecycle events for external visibility. Calls are
// made outside the registry lock and must tolerate failure.
type Mirror interface {
	TunnelRegistered(info TunnelInfo)
	TunnelSeen(info TunnelInfo)
	TunnelRemoved(subdomain string)
}

// ConflictError reports a registration attempt against an occupied
// subdomain. It carries the current occupant's coarse age only.
type ConflictError struct {
	Age time.Duration
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("subdomain already registered %s ago", e.Age.Round(time.Second))
}

// Registry maps subdomain -> live control session. It is constructed by the
// server bootstrap and shared by the control listener and the public
// front-end; all operations complete without I/O under a single mutex.
type Registry struct {
	mu      sync.Mutex
	tunnels map[string]*Session
	mirror  Mirror
}

func NewRegistry(mirror Mirror) *Registry {
	return &Registry{tunnels: make(map[string]*Session), mirror: mirror}
}

// Register atomically inserts the session iff the subdomain is free.
func (r *Registry) Register(subdomain string, s *Session) error {
	r.mu.Lock()
	if cur, exists := r.tunnels[subdomain]; exists {
		age := time.Since(cur.RegisteredAt())
		r.mu.Unlock()
		obs.RegisterConflictTotal.Inc()
		return &ConflictError{Age: age}
	}
	r.tunnels[subdomain] = s
	n := len(r.tunnels)
	r.mu.Unlock()
	obs.ActiveTunnels.Set(float64(n))
	if r.mirror != nil {
		r.mirror.TunnelRegistered(s.Info())
	}
	return nil
}

// Lookup returns the live session for subdomain, or nil.
func (r *Registry) Lookup(subdomain string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tunnels[subdomain]
}

// Unregister removes the tunnel only while s is still the occupant, so a
// stale session can never evict its successor.
func (r *Registry) Unregister(subdomain string, s *Session) {
	r.mu.Lock()
	cur, exists := r.tunnels[subdomain]
	if !exists || cur != s {
		r.mu.Unlock()
		return
	}
	delete(r.tunnels, subdomain)
	n := len(r.tunnels)
	r.mu.Unlock()
	obs.ActiveTunnels.Set(float64(n))
	if r.mirror != nil {
		r.mirror.TunnelRemoved(subdomain)
	}
}

// Heartbeat propagates a liveness refresh for s to the mirror.
func (r *Registry) Heartbeat(s *Session) {
	if r.mirror != nil {
		r.mirror.TunnelSeen(s.Info())
	}
}

// Snapshot copies the current table for the status page. The registry key is
// authoritative for the subdomain field.
func (r *Registry) Snapshot() []TunnelInfo {
	type entry struct {
		sub string
		s   *Session
	}
	r.mu.Lock()
	entries := make([]entry, 0, len(r.tunnels))
	for sub, s := range r.tunnels {
		entries = append(entries, entry{sub, s})
	}
	r.mu.Unlock()
	out := make([]TunnelInfo, 0, len(entries))
	for _, e := range entries {
		info := e.s.Info()
		info.Subdomain = e.sub
		out = append(out, info)
	}
	return out
}

// Len returns the number of registered tunnels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tunnels)
}
