package market

import (
	"sync"
	"time"

	"dca-engine/pkg/types"
)

// View is the process-local snapshot map the scheduler reads. Writes come
// only from the refresher; readers never block each other.
type View struct {
	mu        sync.RWMutex
	snapshots map[string]types.Snapshot

	staleThreshold time.Duration
}

// NewView creates an empty view. Snapshots older than staleThreshold are
// treated as missing by Fresh.
func NewView(staleThreshold time.Duration) *View {
	return &View{
		snapshots:      make(map[string]types.Snapshot),
		staleThreshold: staleThreshold,
	}
}

// Put stores the latest snapshot for its symbol.
func (v *View) Put(snap types.Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.snapshots[snap.Symbol] = snap
}

// Get returns the stored snapshot regardless of age.
func (v *View) Get(symbol string) (types.Snapshot, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	snap, ok := v.snapshots[symbol]
	return snap, ok
}

// Fresh returns the snapshot only when it is younger than the stale
// threshold; consumers that need live data treat anything else as missing.
func (v *View) Fresh(symbol string, now time.Time) *types.Snapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()

	snap, ok := v.snapshots[symbol]
	if !ok || now.Sub(snap.UpdatedAt) > v.staleThreshold {
		return nil
	}
	out := snap
	return &out
}

// Symbols returns the symbols currently held.
func (v *View) Symbols() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]string, 0, len(v.snapshots))
	for symbol := range v.snapshots {
		out = append(out, symbol)
	}
	return out
}
