// Package cache holds short-lived read models so repeated aggregate queries
// do not rescan every allocation node.
package cache

import (
	"sync"
	"time"

	"carbonsplit/internal/log"
)

// Cache defines a generic cache interface
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, data T)
	Delete(key string)
	Purge()
	Size() int
}

// Cleaner interface for caches that support cleanup
type Cleaner interface {
	CleanExpired() int
}

// Purger is implemented by caches that can be dropped wholesale.
type Purger interface {
	Purge()
}

// Manager sweeps expired entries of its caches and invalidates them together.
type Manager struct {
	mu          sync.Mutex
	cleaners    []Cleaner
	purgers     []Purger
	stopCleanup chan struct{}
	cleanupDone chan struct{}
	stopOnce    sync.Once
	started     bool
	logger      *log.Logger
}

func NewManager() *Manager {
	return &Manager{
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
		logger:      log.FromDefault().WithComponent(log.ComponentCache),
	}
}

// Register adds a cache to the manager. It is swept when it implements
// Cleaner and invalidated by PurgeAll when it implements Purger.
func (m *Manager) Register(c any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cl, ok := c.(Cleaner); ok {
		m.cleaners = append(m.cleaners, cl)
	}
	if p, ok := c.(Purger); ok {
		m.purgers = append(m.purgers, p)
	}
}

// PurgeAll drops every registered cache.
func (m *Manager) PurgeAll() {
	m.mu.Lock()
	purgers := append([]Purger(nil), m.purgers...)
	m.mu.Unlock()
	for _, p := range purgers {
		p.Purge()
	}
}

// StartCleanup begins periodic cleanup of all registered caches
func (m *Manager) StartCleanup(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	go m.cleanup(interval)
}

func (m *Manager) cleanup(interval time.Duration) {
	defer close(m.cleanupDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := m.sweep(); n > 0 {
				m.logger.Debug("Cache cleanup completed", "entries_removed", n)
			}
		case <-m.stopCleanup:
			return
		}
	}
}

func (m *Manager) sweep() int {
	m.mu.Lock()
	cleaners := append([]Cleaner(nil), m.cleaners...)
	m.mu.Unlock()

	total := 0
	for _, c := range cleaners {
		total += c.CleanExpired()
	}
	return total
}

// Stop ends the cleanup goroutine started by StartCleanup.
func (m *Manager) Stop() {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	m.stopOnce.Do(func() {
		close(m.stopCleanup)
	})
	if started {
		<-m.cleanupDone
	}
}
