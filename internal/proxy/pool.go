package proxy

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/samber/lo"

	util "canvasfleet/internal/util"
)

type RotationMode string

const (
	Sequential RotationMode = "sequential"
	Random     RotationMode = "random"
)

// Pool is safe for concurrent use.
type Pool struct {
	mu         sync.Mutex
	records    []Record
	next       int
	quarantine map[int]time.Time
	rng        *rand.Rand
	now        func() time.Time
}

func NewPool(rng *rand.Rand, now func() time.Time) *Pool {
	if now == nil {
		now = time.Now
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Pool{quarantine: make(map[int]time.Time), rng: rng, now: now}
}

// Load replaces the pool with the contents of path. A missing file is
// created empty.
func (p *Pool) Load(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		if werr := os.WriteFile(path, nil, 0o644); werr != nil {
			return fmt.Errorf("create %s: %w", path, werr)
		}
		util.LogInfo("%s not found, created an empty one", path)
		p.Reload(nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	records, invalid, err := Parse(f)
	if err != nil {
		return err
	}
	lo.ForEach(invalid, func(line string, _ int) {
		util.LogWarn("Invalid proxy skipped: %q", line)
	})
	p.Reload(records)
	util.LogInfo("Loaded %d proxies", len(records))
	return nil
}

// Reload swaps in a new record set and clears every quarantine.
func (p *Pool) Reload(records []Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append([]Record(nil), records...)
	p.next = 0
	p.quarantine = make(map[int]time.Time)
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

// Available counts records not currently quarantined.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	return lo.CountBy(p.records, func(r Record) bool { return !p.quarantinedLocked(r.Index, now) })
}

func (p *Pool) quarantinedLocked(index int, now time.Time) bool {
	until, ok := p.quarantine[index]
	if !ok {
		return false
	}
	if !now.Before(until) {
		delete(p.quarantine, index)
		return false
	}
	return true
}

func (p *Pool) IsQuarantined(index int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.quarantinedLocked(index, p.now())
}

// Quarantine excludes a record from selection for d.
func (p *Pool) Quarantine(index int, d time.Duration, reason string) {
	p.mu.Lock()
	until := p.now().Add(d)
	p.quarantine[index] = until
	p.mu.Unlock()
	util.LogWarn("Proxy #%d quarantined for %s: %s", index, util.FormatWait(d), reason)
}

// Next selects a record that is not quarantined. Sequential mode gives up
// after one attempt per record.
func (p *Pool) Next(mode RotationMode) (Record, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.records)
	if n == 0 {
		return Record{}, false
	}
	now := p.now()
	if mode == Random {
		eligible := lo.Filter(p.records, func(r Record, _ int) bool { return !p.quarantinedLocked(r.Index, now) })
		if len(eligible) == 0 {
			return Record{}, false
		}
		return eligible[p.rng.Intn(len(eligible))], true
	}
	for attempt := 0; attempt < n; attempt++ {
		i := p.next % n
		p.next = (p.next + 1) % n
		if rec := p.records[i]; !p.quarantinedLocked(rec.Index, now) {
			return rec, true
		}
	}
	return Record{}, false
}
