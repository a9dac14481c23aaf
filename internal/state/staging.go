package state

import "sync"

// Staging buffers entity changes between broadcast ticks. Updates and
// deletions stay disjoint per name: staging one side clears the other.
// Every method takes the updates lock first, then the deletions lock,
// so a drain observes any single staging call fully or not at all.
type Staging struct {
	upMu      sync.Mutex
	updates   map[string]Fields
	delMu     sync.Mutex
	deletions map[string]struct{}
}

// NewStaging returns empty buffers.
func NewStaging() *Staging {
	return &Staging{
		updates:   make(map[string]Fields),
		deletions: make(map[string]struct{}),
	}
}

// StageUpdate records fields as the pending update for name, replacing
// any previous one, and clears a pending deletion for the same name.
// It reports whether a deletion was cleared. The buffer takes ownership
// of fields.
func (st *Staging) StageUpdate(name string, fields Fields) bool {
	st.upMu.Lock()
	defer st.upMu.Unlock()
	st.delMu.Lock()
	defer st.delMu.Unlock()
	st.updates[name] = fields
	_, wasPending := st.deletions[name]
	if wasPending {
		delete(st.deletions, name)
	}
	return wasPending
}

// StageDeletion records name for removal and clears any pending update.
func (st *Staging) StageDeletion(name string) {
	st.upMu.Lock()
	defer st.upMu.Unlock()
	st.delMu.Lock()
	defer st.delMu.Unlock()
	delete(st.updates, name)
	st.deletions[name] = struct{}{}
}

// StageDeletions records a batch of removals under one lock acquisition.
func (st *Staging) StageDeletions(names []string) {
	if len(names) == 0 {
		return
	}
	st.upMu.Lock()
	defer st.upMu.Unlock()
	st.delMu.Lock()
	defer st.delMu.Unlock()
	for _, name := range names {
		delete(st.updates, name)
		st.deletions[name] = struct{}{}
	}
}

// Drain atomically empties both buffers into a Delta. ok is false when
// nothing was staged. The returned maps are never nil, so the Delta
// serializes as {"updates":{},"deletions":[]} at worst.
func (st *Staging) Drain() (d Delta, ok bool) {
	st.upMu.Lock()
	defer st.upMu.Unlock()
	st.delMu.Lock()
	defer st.delMu.Unlock()
	if len(st.updates) == 0 && len(st.deletions) == 0 {
		return Delta{}, false
	}
	d = Delta{
		Updates:   st.updates,
		Deletions: make([]string, 0, len(st.deletions)),
	}
	for name := range st.deletions {
		d.Deletions = append(d.Deletions, name)
	}
	st.updates = make(map[string]Fields)
	clear(st.deletions)
	return d, true
}

// Pending reports the number of staged updates and deletions.
func (st *Staging) Pending() (updates, deletions int) {
	st.upMu.Lock()
	defer st.upMu.Unlock()
	st.delMu.Lock()
	defer st.delMu.Unlock()
	return len(st.updates), len(st.deletions)
}
