// Package dnsmap is the in-process stand-in for the "local DNS resolver"
// capability named in spec §4.4/§4.5: a name -> [ip] map, built up
// monotonically over the life of one Run and pre-seeded into each Step's
// sidecar resolver before it starts.
//
// This is deliberately not a wire DNS server: spec §6 only requires "a
// local DNS resolver pre-seeded with the accumulated map", never a wire
// protocol a Step's own container queries over UDP/TCP port 53 — the
// resolver sidecar (started by pkg/steplink) receives this map as its
// configuration/environment, the same way the teacher passes configuration
// to its sidecars via environment variables rather than a side-channel
// service. A real miekg/dns-backed resolver would be the natural upgrade
// if a Step ever needed actual DNS queries to cross the network.
package dnsmap

import "sync"

// Map accumulates dns_name -> [ip...] entries published by Steps with a
// dns_name set, for consumption by later-starting Steps per spec §4 and
// §5's "DNS map updates are monotonic" ordering guarantee.
type Map struct {
	mu      sync.RWMutex
	entries map[string][]string
}

func New() *Map {
	return &Map{entries: make(map[string][]string)}
}

// Publish appends ips under name. Per spec §5, publishing is append-only
// within one Run.
func (m *Map) Publish(name string, ips []string) {
	if name == "" || len(ips) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[name] = append(append([]string(nil), m.entries[name]...), ips...)
}

// Snapshot returns a point-in-time copy of the accumulated map, safe for a
// sidecar to consume without observing later mutations.
func (m *Map) Snapshot() map[string][]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]string, len(m.entries))
	for k, v := range m.entries {
		out[k] = append([]string(nil), v...)
	}
	return out
}
