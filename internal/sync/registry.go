package sync

import (
	"log"
	gosync "sync"
	"time"

	"woodshed-sync-server/internal/merge"
	"woodshed-sync-server/internal/metrics"
	"woodshed-sync-server/internal/store"
)

// Registry hands out the single coordinator for each user, starting it on
// first use and reaping it after idling. Different users' coordinators
// share nothing.
type Registry struct {
	mu     gosync.Mutex
	coords map[string]*Coordinator
	closed bool

	store       store.EntityStore
	resolver    *merge.Resolver
	broadcaster Broadcaster
	metrics     *metrics.Metrics
	opts        Options

	quit chan struct{}
}

func NewRegistry(entityStore store.EntityStore, resolver *merge.Resolver, broadcaster Broadcaster, m *metrics.Metrics, opts Options) *Registry {
	r := &Registry{
		coords:      make(map[string]*Coordinator),
		store:       entityStore,
		resolver:    resolver,
		broadcaster: broadcaster,
		metrics:     m,
		opts:        opts.withDefaults(),
		quit:        make(chan struct{}),
	}

	go r.reapLoop()
	return r
}

// Coordinator returns the running coordinator for userID, starting one if
// needed. Returns nil after Stop.
func (r *Registry) Coordinator(userID string) *Coordinator {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	if c, ok := r.coords[userID]; ok {
		return c
	}

	c := NewCoordinator(userID, r.store, r.resolver, r.broadcaster, r.metrics, r.opts)
	r.coords[userID] = c
	log.Printf("coordinator started for user %s", userID)
	return c
}

// Stop shuts down every coordinator. Called once at server shutdown.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	close(r.quit)

	for userID, c := range r.coords {
		c.Stop()
		delete(r.coords, userID)
	}
}

func (r *Registry) reapLoop() {
	ticker := time.NewTicker(r.opts.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.reapIdle()
		case <-r.quit:
			return
		}
	}
}

func (r *Registry) reapIdle() {
	cutoff := time.Now().Add(-r.opts.IdleTTL)

	r.mu.Lock()
	defer r.mu.Unlock()

	for userID, c := range r.coords {
		if c.LastActive().Before(cutoff) {
			c.Stop()
			delete(r.coords, userID)
			log.Printf("coordinator reaped for idle user %s", userID)
		}
	}
}
