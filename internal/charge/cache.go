// Package charge predicts each account's regenerating paint charges between
// authoritative refreshes.
package charge

import (
	"math"
	"sync"
	"time"

	constants "canvasfleet/internal/constants"
)

type Entry struct {
	Base     int           `json:"base"`
	Max      int           `json:"max"`
	Regen    time.Duration `json:"regen"`
	LastSync time.Time     `json:"lastSync"`
}

// available is the predicted count at now: base plus whole regen ticks,
// capped at max.
func (e Entry) available(now time.Time) int {
	grown := 0
	if elapsed := now.Sub(e.LastSync); elapsed > 0 && e.Regen > 0 {
		grown = int(elapsed / e.Regen)
	}
	return min(e.Max, e.Base+grown)
}

type Prediction struct {
	Count int           `json:"count"`
	Max   int           `json:"max"`
	Regen time.Duration `json:"regen"`
}

type Stats struct {
	Fresh int `json:"fresh"`
	Stale int `json:"stale"`
	Total int `json:"total"`
}

// Cache is safe for concurrent use.
type Cache struct {
	mu         sync.Mutex
	entries    map[int64]Entry
	regen      time.Duration
	syncWindow time.Duration
}

func NewCache(regen, syncWindow time.Duration) *Cache {
	if regen <= 0 {
		regen = constants.ChargeRegen
	}
	if syncWindow <= 0 {
		syncWindow = constants.ChargeSyncWindow
	}
	return &Cache{entries: make(map[int64]Entry), regen: regen, syncWindow: syncWindow}
}

// Mark records an authoritative charge reading. A positive regen overrides
// the cache default.
func (c *Cache) Mark(id int64, count float64, max int, regen time.Duration, now time.Time) {
	if regen <= 0 {
		regen = c.regen
	}
	c.mu.Lock()
	c.entries[id] = Entry{
		Base:     int(math.Floor(math.Max(0, count))),
		Max:      max,
		Regen:    regen,
		LastSync: now,
	}
	c.mu.Unlock()
}

func (c *Cache) Predict(id int64, now time.Time) (Prediction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return Prediction{}, false
	}
	return Prediction{Count: e.available(now), Max: e.Max, Regen: e.Regen}, true
}

// Consume subtracts n painted charges and re-bases the entry on the last
// regen tick so the partial tick in progress is kept.
func (c *Cache) Consume(id int64, n int, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return
	}
	avail := e.available(now)
	e.Base = max(0, avail-n)
	if elapsed := now.Sub(e.LastSync); elapsed > 0 && e.Regen > 0 {
		e.LastSync = now.Add(-(elapsed % e.Regen))
	}
	c.entries[id] = e
}

// Stale reports whether id has no entry or its last sync is older than the
// sync window.
func (c *Cache) Stale(id int64, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	return !ok || now.Sub(e.LastSync) > c.syncWindow
}

// TimeUntil estimates how long until id reaches target charges. It returns
// false when the account is unknown or target exceeds its max.
func (c *Cache) TimeUntil(id int64, target int, now time.Time) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok || target > e.Max {
		return 0, false
	}
	deficit := target - e.available(now)
	if deficit <= 0 {
		return 0, true
	}
	var intoTick time.Duration
	if elapsed := now.Sub(e.LastSync); elapsed > 0 {
		intoTick = elapsed % e.Regen
	}
	return time.Duration(deficit)*e.Regen - intoTick, true
}

func (c *Cache) Forget(id int64) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

func (c *Cache) Stats(now time.Time) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	var s Stats
	for _, e := range c.entries {
		if now.Sub(e.LastSync) > c.syncWindow {
			s.Stale++
		} else {
			s.Fresh++
		}
	}
	s.Total = len(c.entries)
	return s
}

// Snapshot copies every entry for persistence.
func (c *Cache) Snapshot() map[int64]Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int64]Entry, len(c.entries))
	for id, e := range c.entries {
		out[id] = e
	}
	return out
}

// Restore loads persisted entries, skipping those older than expiry. It
// returns how many were kept.
func (c *Cache) Restore(entries map[int64]Entry, expiry time.Duration, now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := 0
	for id, e := range entries {
		if expiry > 0 && now.Sub(e.LastSync) > expiry {
			continue
		}
		if e.Regen <= 0 {
			e.Regen = c.regen
		}
		c.entries[id] = e
		kept++
	}
	return kept
}
