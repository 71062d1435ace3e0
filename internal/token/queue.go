// Package token buffers short-lived proof tokens supplied by an external
// solver and hands each one to exactly one waiting painter.
package token

import (
	"context"
	"sync"
	"time"

	constants "canvasfleet/internal/constants"
	util "canvasfleet/internal/util"
)

type entry struct {
	value    string
	received time.Time
}

type waiter struct {
	ch chan entry
}

type Companions struct {
	Pawtect     string `json:"pawtect,omitempty"`
	Fingerprint string `json:"fp,omitempty"`
}

// Queue is safe for concurrent use.
type Queue struct {
	mu         sync.Mutex
	tokens     []entry
	waiters    []*waiter
	needed     chan struct{}
	companions Companions
	ttl        time.Duration
	now        func() time.Time
}

func NewQueue(ttl time.Duration, now func() time.Time) *Queue {
	if ttl <= 0 {
		ttl = constants.TokenTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Queue{ttl: ttl, now: now, needed: make(chan struct{})}
}

// Set delivers a token to the oldest waiter, or buffers it when nobody is
// waiting.
func (q *Queue) Set(value string) {
	if value == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deliverLocked(entry{value: value, received: q.now()})
}

func (q *Queue) deliverLocked(e entry) {
	if q.now().Sub(e.received) >= q.ttl {
		return
	}
	if len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters = q.waiters[1:]
		w.ch <- e
		return
	}
	q.tokens = append(q.tokens, e)
}

func (q *Queue) purgeLocked(now time.Time) {
	kept := q.tokens[:0]
	for _, e := range q.tokens {
		if now.Sub(e.received) < q.ttl {
			kept = append(kept, e)
		}
	}
	if dropped := len(q.tokens) - len(kept); dropped > 0 {
		util.LogInfo("Discarded %d expired token(s)", dropped)
	}
	q.tokens = kept
}

// Get returns a fresh token, blocking until one arrives or ctx ends.
// Registering as a waiter wakes any WaitNeeded callers.
func (q *Queue) Get(ctx context.Context) (string, error) {
	q.mu.Lock()
	q.purgeLocked(q.now())
	if len(q.tokens) > 0 {
		e := q.tokens[0]
		q.tokens = q.tokens[1:]
		q.mu.Unlock()
		return e.value, nil
	}
	w := &waiter{ch: make(chan entry, 1)}
	q.waiters = append(q.waiters, w)
	close(q.needed)
	q.needed = make(chan struct{})
	q.mu.Unlock()

	select {
	case e := <-w.ch:
		return e.value, nil
	case <-ctx.Done():
		q.mu.Lock()
		defer q.mu.Unlock()
		for i, other := range q.waiters {
			if other == w {
				q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
				return "", ctx.Err()
			}
		}
		// Already served; pass the token on instead of losing it.
		q.deliverLocked(<-w.ch)
		return "", ctx.Err()
	}
}

// Needed reports whether any painter is blocked waiting for a token.
func (q *Queue) Needed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters) > 0
}

// WaitNeeded blocks until a token is needed or ctx ends. It returns
// immediately when a waiter is already registered.
func (q *Queue) WaitNeeded(ctx context.Context) bool {
	q.mu.Lock()
	if len(q.waiters) > 0 {
		q.mu.Unlock()
		return true
	}
	ch := q.needed
	q.mu.Unlock()
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}

// Pending counts buffered, unexpired tokens.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.purgeLocked(q.now())
	return len(q.tokens)
}

// SetCompanions records the pawtect and fingerprint values that accompany
// tokens. Empty values keep the previous ones.
func (q *Queue) SetCompanions(pawtect, fp string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if pawtect != "" {
		q.companions.Pawtect = pawtect
	}
	if fp != "" {
		q.companions.Fingerprint = fp
	}
}

func (q *Queue) Companions() Companions {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.companions
}
