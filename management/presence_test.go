package management

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func entries(names ...string) []ClientListEntry {
	out := make([]ClientListEntry, 0, len(names))
	for _, n := range names {
		out = append(out, ClientListEntry{CommonName: n})
	}
	return out
}

func TestPresenceTracker_ReportsVanishedOnce(t *testing.T) {
	p := NewPresenceTracker()

	p.ApplySnapshot(entries("alice", "bob"))
	assert.Empty(t, p.EndOfBatch())

	p.ApplySnapshot(entries("alice"))
	assert.Equal(t, []string{"bob"}, p.EndOfBatch())

	// Further batches without a new snapshot do not repeat the report.
	assert.Empty(t, p.EndOfBatch())
	assert.Empty(t, p.EndOfBatch())
}

func TestPresenceTracker_SnapshotReplacesActive(t *testing.T) {
	p := NewPresenceTracker()

	p.ApplySnapshot(entries("alice", "bob"))
	p.ApplySnapshot(entries("carol"))
	assert.Equal(t, []string{"carol"}, p.Active())
}

func TestPresenceTracker_ReturningClientCanVanishAgain(t *testing.T) {
	p := NewPresenceTracker()

	p.ApplySnapshot(entries("alice"))
	p.EndOfBatch()
	p.ApplySnapshot(nil)
	assert.Equal(t, []string{"alice"}, p.EndOfBatch())

	p.ApplySnapshot(entries("alice"))
	assert.Empty(t, p.EndOfBatch())
	p.ApplySnapshot(nil)
	assert.Equal(t, []string{"alice"}, p.EndOfBatch())
}

func TestPresenceTracker_ObservedClientIsTracked(t *testing.T) {
	p := NewPresenceTracker()

	p.Observe("dave")
	p.Observe("")
	assert.Empty(t, p.EndOfBatch())
	assert.Equal(t, []string{"dave"}, p.Active())

	p.ApplySnapshot(entries("erin"))
	assert.Equal(t, []string{"dave"}, p.EndOfBatch())
}

func TestPresenceTracker_SortedDiff(t *testing.T) {
	p := NewPresenceTracker()

	p.ApplySnapshot(entries("zed", "amy", "mo", "kim"))
	p.EndOfBatch()
	p.ApplySnapshot(entries("kim"))
	assert.Equal(t, []string{"amy", "mo", "zed"}, p.EndOfBatch())
}

func TestPresenceTracker_Reset(t *testing.T) {
	p := NewPresenceTracker()

	p.ApplySnapshot(entries("alice"))
	p.EndOfBatch()
	p.Reset()
	assert.Empty(t, p.Active())
	assert.Empty(t, p.EndOfBatch())
}
