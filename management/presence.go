package management

import (
	"sort"
	"sync"
)

// PresenceTracker infers client disconnects from successive client-list
// snapshots. The server does not announce every disconnect, but a common
// name missing from the next full snapshot is reliable.
//
// active holds the names of the latest snapshot (plus clients seen
// connecting since). previous holds names observed earlier that have not yet
// been reported as gone.
type PresenceTracker struct {
	mu       sync.Mutex
	active   map[string]struct{}
	previous map[string]struct{}
}

// NewPresenceTracker returns an empty tracker.
func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{
		active:   make(map[string]struct{}),
		previous: make(map[string]struct{}),
	}
}

// ApplySnapshot replaces the active set with the names in entries.
func (p *PresenceTracker) ApplySnapshot(entries []ClientListEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	clear(p.active)
	for _, e := range entries {
		p.active[e.CommonName] = struct{}{}
	}
}

// Observe adds a single name to the active set, e.g. from a client-connected record.
func (p *PresenceTracker) Observe(commonName string) {
	if commonName == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active[commonName] = struct{}{}
}

// EndOfBatch returns the names in previous but not in active, sorted, and
// forgets them. It then merges active into previous. Each vanished name is
// returned exactly once.
func (p *PresenceTracker) EndOfBatch() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var gone []string
	for name := range p.previous {
		if _, ok := p.active[name]; !ok {
			gone = append(gone, name)
		}
	}
	for _, name := range gone {
		delete(p.previous, name)
	}
	for name := range p.active {
		p.previous[name] = struct{}{}
	}

	sort.Strings(gone)
	return gone
}

// Active returns the current active names, sorted.
func (p *PresenceTracker) Active() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, 0, len(p.active))
	for name := range p.active {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reset forgets both sets.
func (p *PresenceTracker) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.active)
	clear(p.previous)
}
