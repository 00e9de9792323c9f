package source

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// entry pairs a LiveSource with the dispose delay its vhost configured
// (hls_dispose), since the reaper's floor calculation is per-vhost.
type entry struct {
	source       *LiveSource
	disposeDelay time.Duration
}

// Manager tracks every LiveSource currently known to the server, keyed by
// stream key ("app/stream"), and reaps the ones that finished dying
// (spec.md §4.F's cleanup tick: "a source is collected when can_publish &&
// !consumers && now > stream_die_at + max(3s, hls.cleanup_delay)").
//
// Concurrency model matches the wire layer's Registry: sync.RWMutex guards
// the map, double-checked locking on the creation path.
type Manager struct {
	mu      sync.RWMutex
	sources map[string]entry
	logger  *slog.Logger
}

// NewManager creates an empty Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{sources: make(map[string]entry), logger: logger}
}

// GetOrCreate returns the existing LiveSource for key, or builds one with
// cfg/hub and the given disposeDelay (hls_dispose from the owning vhost's
// Options) if none exists yet. The bool reports whether a new source was
// created.
func (m *Manager) GetOrCreate(key string, cfg Config, hub *Hub, disposeDelay time.Duration) (*LiveSource, bool) {
	m.mu.RLock()
	if e, ok := m.sources[key]; ok {
		m.mu.RUnlock()
		return e.source, false
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sources[key]; ok {
		return e.source, false
	}
	ls := New(key, cfg, hub, m.logger)
	m.sources[key] = entry{source: ls, disposeDelay: disposeDelay}
	return ls, true
}

// Get returns the LiveSource for key, or nil if none exists.
func (m *Manager) Get(key string) *LiveSource {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.sources[key]; ok {
		return e.source
	}
	return nil
}

// Remove drops key unconditionally, used by tests and by the reaper.
func (m *Manager) Remove(key string) {
	m.mu.Lock()
	delete(m.sources, key)
	m.mu.Unlock()
}

// Count reports how many sources the Manager currently tracks.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sources)
}

// minDisposeDelay is the 3s floor spec.md §4.F's collection rule applies
// regardless of how small an operator sets hls_dispose.
const minDisposeDelay = 3 * time.Second

// reapOnce removes every source that is done dying: not publishing, no
// attached consumers, and past its dispose deadline.
func (m *Manager) reapOnce(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, e := range m.sources {
		dieAt, pending := e.source.DieAt()
		if !pending || e.source.Publishing() || e.source.ConsumerCount() > 0 {
			continue
		}
		delay := e.disposeDelay
		if delay < minDisposeDelay {
			delay = minDisposeDelay
		}
		if now.After(dieAt.Add(delay)) {
			delete(m.sources, key)
			m.logger.Info("source reaped", "stream", key)
		}
	}
}

// Run starts the periodic 1s cleanup tick and blocks until ctx is
// cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.reapOnce(now)
		}
	}
}
