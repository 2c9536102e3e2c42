package sushi

import (
	"sync"
)

type inflightEntry struct {
	done chan struct{}
	data []byte
	err  error
}

// InflightRegistry collapses concurrent downloads of the same target: the
// first caller performs the download, callers arriving while it runs
// block and share the outcome. Nothing is retained once the download
// ends; finished reports are served from the disk cache. The registry
// only coordinates within one process, which is sufficient because the
// scheduler never enqueues the same (credential, reportType, period)
// twice while one job is active.
type InflightRegistry struct {
	mu      sync.Mutex
	entries map[string]*inflightEntry
}

func NewInflightRegistry() *InflightRegistry {
	return &InflightRegistry{
		entries: make(map[string]*inflightEntry),
	}
}

// Do runs fn for key unless an identical download is already in flight,
// in which case its outcome is shared.
func (r *InflightRegistry) Do(key string, fn func() ([]byte, error)) ([]byte, error) {
	r.mu.Lock()
	if entry, ok := r.entries[key]; ok {
		r.mu.Unlock()
		<-entry.done
		return entry.data, entry.err
	}

	entry := &inflightEntry{done: make(chan struct{})}
	r.entries[key] = entry
	r.mu.Unlock()

	entry.data, entry.err = fn()
	close(entry.done)

	r.mu.Lock()
	delete(r.entries, key)
	r.mu.Unlock()

	return entry.data, entry.err
}
