// Package orchestrator runs one painting loop per template: it picks the
// account with the most charges, drives its paint turn and reacts to the
// outcome.
package orchestrator

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/remeh/sizedwaitgroup"

	charge "canvasfleet/internal/charge"
	constants "canvasfleet/internal/constants"
	models "canvasfleet/internal/models"
	planner "canvasfleet/internal/planner"
	session "canvasfleet/internal/session"
	token "canvasfleet/internal/token"
	util "canvasfleet/internal/util"
)

// Timings holds every pause the loop takes. Zero fields use the defaults.
type Timings struct {
	MinSummaryInterval time.Duration
	SummaryErrorPause  time.Duration
	ResyncCooldown     time.Duration
	ZeroPaintPause     time.Duration
	TokenRetryPause    time.Duration
	InitialRetryDelay  time.Duration
	MaxRetryDelay      time.Duration
	DefaultChargeWait  time.Duration
	PausedWait         time.Duration
	BusyRetryPause     time.Duration
	AuthBench          time.Duration
}

func (t Timings) withDefaults() Timings {
	def := func(v *time.Duration, d time.Duration) {
		if *v <= 0 {
			*v = d
		}
	}
	def(&t.MinSummaryInterval, constants.MinSummaryInterval)
	def(&t.SummaryErrorPause, constants.SummaryErrorPause)
	def(&t.ResyncCooldown, constants.ResyncCooldown)
	def(&t.ZeroPaintPause, constants.ZeroPaintPause)
	def(&t.TokenRetryPause, constants.TokenRetryPause)
	def(&t.InitialRetryDelay, constants.InitialRetryDelay)
	def(&t.MaxRetryDelay, constants.MaxRetryDelay)
	def(&t.DefaultChargeWait, constants.DefaultChargeWait)
	def(&t.PausedWait, constants.PausedWait)
	def(&t.BusyRetryPause, constants.BusyRetryPause)
	def(&t.AuthBench, constants.AuthFailureBench)
	return t
}

// Deps are the shared services every loop uses.
type Deps struct {
	Painter  Painter
	Charges  *charge.Cache
	Tokens   *token.Queue
	Leases   *session.Registry
	Accounts Accounts
	Activity ActivityLog
	Settings func() models.Settings
	Now      func() time.Time
	Timings  Timings
}

func (d Deps) withDefaults() Deps {
	if d.Settings == nil {
		d.Settings = models.DefaultSettings
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	d.Timings = d.Timings.withDefaults()
	return d
}

type Status struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	Status    string    `json:"status"`
	Remaining int       `json:"remaining"`
	Total     int       `json:"total"`
	Painted   int       `json:"painted"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Orchestrator owns one template's loop. Loop-only fields are touched by the
// loop goroutine alone; the rest are guarded by mu.
type Orchestrator struct {
	deps Deps

	mu        sync.Mutex
	cfg       models.TemplateConfig
	orderer   *planner.Orderer
	status    string
	updatedAt time.Time
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	remaining int
	total     int
	painted   int
	refresh   bool
	benched   map[int64]time.Time

	wake chan struct{}

	log          util.Logger
	lastSummary  time.Time
	lastAccount  int64
	lastTurnEnd  time.Time
	lastResync   time.Time
	lastPurchase time.Time
	retryDelay   time.Duration
	suspended    map[int64]time.Time
}

func New(cfg models.TemplateConfig, deps Deps) *Orchestrator {
	deps = deps.withDefaults()
	o := &Orchestrator{
		deps:      deps,
		cfg:       cfg,
		status:    constants.StatusIdle,
		updatedAt: deps.Now(),
		wake:      make(chan struct{}, 1),
		suspended: make(map[int64]time.Time),
		benched:   make(map[int64]time.Time),
		log:       util.NewLogger("[tpl:" + cfg.Name + "]"),
	}
	o.orderer = o.newOrderer(cfg.Template, cfg.BurstSeeds)
	return o
}

func (o *Orchestrator) newOrderer(t models.Template, seeds []models.Point) *planner.Orderer {
	rng := rand.New(rand.NewSource(o.deps.Now().UnixNano()))
	return planner.NewOrderer(rng, t, o.deps.Settings().SeedCount, planner.NewSeedState(seeds))
}

func (o *Orchestrator) ID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg.ID
}

func (o *Orchestrator) Config() models.TemplateConfig {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg
}

// Update swaps in a new configuration. A changed image or anchor drops the
// burst seeds and forces a fresh summary.
func (o *Orchestrator) Update(cfg models.TemplateConfig) {
	o.mu.Lock()
	if !o.cfg.SameTarget(cfg) {
		o.orderer = o.newOrderer(cfg.Template, nil)
		o.refresh = true
		cfg.BurstSeeds = nil
	}
	o.cfg = cfg
	o.mu.Unlock()
	o.Interrupt()
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{
		ID:        o.cfg.ID,
		Name:      o.cfg.Name,
		Running:   o.running,
		Status:    o.status,
		Remaining: o.remaining,
		Total:     o.total,
		Painted:   o.painted,
		UpdatedAt: o.updatedAt,
	}
}

func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

func (o *Orchestrator) setStatus(s string) {
	o.mu.Lock()
	o.status = s
	o.updatedAt = o.deps.Now()
	o.mu.Unlock()
}

// Reinstate lifts a failure bench on an account, e.g. after its cookies
// were replaced.
func (o *Orchestrator) Reinstate(accountID int64) {
	o.mu.Lock()
	_, ok := o.benched[accountID]
	delete(o.benched, accountID)
	o.mu.Unlock()
	if ok {
		o.Interrupt()
	}
}

func (o *Orchestrator) bench(accountID int64, until time.Time) {
	o.mu.Lock()
	o.benched[accountID] = until
	o.mu.Unlock()
}

func (o *Orchestrator) benchedUntil(accountID int64, now time.Time) (time.Time, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	until, ok := o.benched[accountID]
	if !ok {
		return time.Time{}, false
	}
	if !now.Before(until) {
		delete(o.benched, accountID)
		return time.Time{}, false
	}
	return until, true
}

// Interrupt wakes the loop from any sleep so it re-reads settings.
func (o *Orchestrator) Interrupt() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Start launches the loop under parent. It is a no-op when already running.
func (o *Orchestrator) Start(parent context.Context) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	o.running = true
	o.cancel = cancel
	o.done = make(chan struct{})
	o.status = constants.StatusStarted
	o.updatedAt = o.deps.Now()
	done := o.done
	o.mu.Unlock()

	go o.run(ctx, done)
}

// Stop cancels the loop and waits for it to exit.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel, done := o.cancel, o.done
	o.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Wait blocks until the current loop exits.
func (o *Orchestrator) Wait() {
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (o *Orchestrator) holder() string { return o.ID() }

func (o *Orchestrator) run(ctx context.Context, done chan struct{}) {
	finished := false
	defer func() {
		o.deps.Leases.ReleaseAll(o.holder())
		o.mu.Lock()
		o.running = false
		o.cancel = nil
		if !finished {
			o.status = constants.StatusStopped
			o.updatedAt = o.deps.Now()
		}
		o.mu.Unlock()
		close(done)
	}()

	o.log.Info("Started")
	o.lastSummary = time.Time{}
	o.retryDelay = o.deps.Timings.InitialRetryDelay
	o.initialScan(ctx)

	for ctx.Err() == nil {
		if !o.step(ctx) {
			finished = true
			o.log.Info("Finished, %s px painted", util.FormatCount(o.Status().Painted))
			return
		}
	}
	o.log.Info("Stopped")
}

// sleep waits d, returning early on Interrupt. It reports false once ctx
// is done.
func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-o.wake:
		return ctx.Err() == nil
	case <-ctx.Done():
		return false
	}
}

// initialScan logs every assigned account in once so the charge cache has
// a reading before the first selection.
func (o *Orchestrator) initialScan(ctx context.Context) {
	cfg := o.Config()
	now := o.deps.Now()
	var todo []models.Account
	for _, id := range cfg.AccountIDs {
		if !o.deps.Charges.Stale(id, now) {
			continue
		}
		acct, err := o.deps.Accounts.Account(id)
		if err != nil || acct.SuspendedAt(now) {
			continue
		}
		todo = append(todo, acct)
	}
	if len(todo) == 0 {
		return
	}

	workers := min(max(1, o.deps.Settings().ParallelWorkers), 32)
	o.log.Info("Checking %d account(s) with %d worker(s)", len(todo), workers)
	holder := o.holder() + "/scan"
	swg := sizedwaitgroup.New(workers)
	for _, acct := range todo {
		if ctx.Err() != nil {
			break
		}
		swg.Add()
		go func(a models.Account) {
			defer swg.Done()
			if !o.deps.Leases.TryAcquire(a.ID, holder) {
				return
			}
			defer o.deps.Leases.Release(a.ID, holder)
			sess, err := o.deps.Painter.Login(ctx, a)
			if err != nil {
				o.log.With("("+a.Label()+")").Warn("Initial check failed: %v", err)
				return
			}
			sess.Close()
		}(acct)
	}
	swg.Wait()
}
