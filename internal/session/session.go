// Package session tracks which accounts are currently leased by a painting
// loop so two templates never drive the same account at once.
package session

import (
	"sync"
	"time"

	util "canvasfleet/internal/util"
)

type Lease struct {
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// Registry is the shared busy set. Acquisition is try-only.
type Registry struct {
	mu     sync.RWMutex
	leases map[int64]Lease
	now    func() time.Time
}

func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{leases: make(map[int64]Lease), now: now}
}

// TryAcquire leases id to holder. It fails when another holder has it;
// re-acquiring by the same holder refreshes the lease.
func (r *Registry) TryAcquire(id int64, holder string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, busy := r.leases[id]; busy && l.Holder != holder {
		return false
	}
	r.leases[id] = Lease{Holder: holder, AcquiredAt: r.now()}
	return true
}

// Release drops the lease only when holder owns it.
func (r *Registry) Release(id int64, holder string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.leases[id]; ok && l.Holder == holder {
		delete(r.leases, id)
	}
}

func (r *Registry) IsBusy(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, busy := r.leases[id]
	return busy
}

// BusyOthers reports whether id is leased by someone other than holder.
func (r *Registry) BusyOthers(id int64, holder string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, busy := r.leases[id]
	return busy && l.Holder != holder
}

// ReleaseAll drops every lease held by holder.
func (r *Registry) ReleaseAll(holder string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	released := 0
	for id, l := range r.leases {
		if l.Holder == holder {
			delete(r.leases, id)
			released++
		}
	}
	return released
}

func (r *Registry) Snapshot() map[int64]Lease {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int64]Lease, len(r.leases))
	for id, l := range r.leases {
		out[id] = l
	}
	return out
}

// CleanupExpired drops leases older than maxAge, which only happens when a
// loop died without releasing.
func (r *Registry) CleanupExpired(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	expiredCount := 0
	for id, l := range r.leases {
		if now.Sub(l.AcquiredAt) > maxAge {
			delete(r.leases, id)
			expiredCount++
		}
	}

	if expiredCount > 0 {
		util.LogWarn("Cleaned up %d stale account leases", expiredCount)
	}
	return expiredCount
}

// StartCleanup runs CleanupExpired every interval until stop is closed.
func (r *Registry) StartCleanup(interval, maxAge time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.CleanupExpired(maxAge)
			case <-stop:
				return
			}
		}
	}()
	util.LogInfo("Started lease cleanup goroutine")
}
