package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/samber/lo"

	client "canvasfleet/internal/client"
	constants "canvasfleet/internal/constants"
	models "canvasfleet/internal/models"
	planner "canvasfleet/internal/planner"
	util "canvasfleet/internal/util"
)

// Threshold is the charge count an account needs before it is used.
func Threshold(maxCharges int, s models.Settings) int {
	if s.AlwaysDrawOnCharge {
		return 1
	}
	return max(1, int(math.Floor(float64(maxCharges)*s.ChargeThreshold)))
}

// SummaryInterval is how long a remaining-pixel count stays trusted.
func SummaryInterval(s models.Settings, floor time.Duration) time.Duration {
	return max(2*s.AccountCooldownDuration(), floor)
}

type candidate struct {
	Account models.Account
	Count   int
	Max     int
	Stale   bool
}

// step runs one loop iteration. It returns false once the template is done.
func (o *Orchestrator) step(ctx context.Context) bool {
	settings := o.deps.Settings()
	now := o.deps.Now()

	o.mu.Lock()
	force := o.refresh
	o.refresh = false
	o.mu.Unlock()
	if force || o.lastSummary.IsZero() || now.Sub(o.lastSummary) >= SummaryInterval(settings, o.deps.Timings.MinSummaryInterval) {
		if err := o.refreshSummary(ctx); err != nil {
			if ctx.Err() != nil {
				return true
			}
			o.log.Error("Summary failed: %v", err)
			o.sleep(ctx, o.deps.Timings.SummaryErrorPause)
			return true
		}
	}

	cfg := o.Config()
	if o.Status().Remaining == 0 {
		if !cfg.AntiGriefMode {
			o.setStatus(constants.StatusFinished)
			return false
		}
		standby := settings.AntiGriefStandbyDuration()
		o.setStatus(constants.StatusMonitoring)
		o.log.Info("Template complete, checking again in %s", util.FormatWait(standby))
		if o.sleep(ctx, standby) {
			o.lastSummary = time.Time{}
		}
		return true
	}

	cands := o.candidates(cfg, now)
	if len(cands) == 0 {
		o.setStatus(constants.StatusPaused)
		o.sleep(ctx, o.pausedWait(cfg, now))
		return true
	}
	o.maybeResync(ctx, cands, now)

	pick, ok := pickReady(cands, settings)
	if !ok {
		if cfg.CanBuyCharges {
			o.buyCharges(ctx, cfg, cands, settings)
		}
		wait := o.soonestReady(cands, settings, now)
		o.setStatus(constants.StatusWaiting)
		o.log.Info("Waiting %s for charges", util.FormatWait(wait))
		o.sleep(ctx, wait)
		return true
	}

	o.turn(ctx, cfg, pick, settings)
	return true
}

// refreshSummary logs in the first usable account, loads fresh tiles and
// recounts remaining pixels.
func (o *Orchestrator) refreshSummary(ctx context.Context) error {
	cfg := o.Config()
	now := o.deps.Now()
	holder := o.holder()
	for _, id := range cfg.AccountIDs {
		acct, err := o.deps.Accounts.Account(id)
		if err != nil || o.unusable(acct, now) {
			continue
		}
		if !o.deps.Leases.TryAcquire(id, holder) {
			continue
		}
		sess, err := o.deps.Painter.Login(ctx, acct)
		if err != nil {
			o.deps.Leases.Release(id, holder)
			o.handleError(ctx, acct, err)
			continue
		}
		snap := sess.LoadTiles(ctx, cfg.Anchor, cfg.Template.Width, cfg.Template.Height, true)
		sess.Close()
		o.deps.Leases.Release(id, holder)

		sum := planner.Summarize(cfg.Template, cfg.Anchor, snap, cfg.Policy)
		o.mu.Lock()
		o.remaining = sum.Total
		o.total = max(o.total, sum.Total)
		o.mu.Unlock()
		o.lastSummary = o.deps.Now()
		o.log.Info("%s px remaining (%d basic, %d premium)", util.FormatCount(sum.Total), sum.Basic, sum.Premium)
		return nil
	}
	return errors.New("no account available to check the canvas")
}

// unusable reports a suspended or benched account.
func (o *Orchestrator) unusable(acct models.Account, now time.Time) bool {
	if until, ok := o.suspended[acct.ID]; ok && now.Before(until) {
		return true
	}
	if _, ok := o.benchedUntil(acct.ID, now); ok {
		return true
	}
	return acct.SuspendedAt(now)
}

// pausedWait is how long a paused loop sleeps, cut short when a bench
// ends sooner.
func (o *Orchestrator) pausedWait(cfg models.TemplateConfig, now time.Time) time.Duration {
	wait := o.deps.Timings.PausedWait
	for _, id := range cfg.AccountIDs {
		if until, ok := o.benchedUntil(id, now); ok {
			wait = min(wait, until.Sub(now))
		}
	}
	return wait
}

// candidates lists assigned accounts that are not suspended or busy,
// sorted by predicted charges then max charges, both descending.
func (o *Orchestrator) candidates(cfg models.TemplateConfig, now time.Time) []candidate {
	holder := o.holder()
	var out []candidate
	for _, id := range lo.Uniq(cfg.AccountIDs) {
		acct, err := o.deps.Accounts.Account(id)
		if err != nil {
			continue
		}
		if o.unusable(acct, now) || o.deps.Leases.BusyOthers(id, holder) {
			continue
		}
		c := candidate{Account: acct, Stale: o.deps.Charges.Stale(id, now)}
		if p, ok := o.deps.Charges.Predict(id, now); ok {
			c.Count, c.Max = p.Count, p.Max
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Max > out[j].Max
	})
	return out
}

// pickReady returns the highest-charged candidate at or above its threshold.
func pickReady(cands []candidate, s models.Settings) (candidate, bool) {
	for _, c := range cands {
		if c.Count >= Threshold(c.Max, s) {
			return c, true
		}
	}
	return candidate{}, false
}

func (o *Orchestrator) soonestReady(cands []candidate, s models.Settings, now time.Time) time.Duration {
	best := time.Duration(-1)
	for _, c := range cands {
		d, ok := o.deps.Charges.TimeUntil(c.Account.ID, Threshold(c.Max, s), now)
		if !ok {
			continue
		}
		if best < 0 || d < best {
			best = d
		}
	}
	if best < 0 {
		return o.deps.Timings.DefaultChargeWait
	}
	return max(best, time.Second)
}

// maybeResync refreshes one stale account in the background, at most once
// per resync cooldown.
func (o *Orchestrator) maybeResync(ctx context.Context, cands []candidate, now time.Time) {
	if now.Sub(o.lastResync) < o.deps.Timings.ResyncCooldown {
		return
	}
	c, ok := lo.Find(cands, func(c candidate) bool { return c.Stale })
	if !ok {
		return
	}
	o.lastResync = now
	holder := o.holder() + "/resync"
	if !o.deps.Leases.TryAcquire(c.Account.ID, holder) {
		return
	}
	go func(acct models.Account) {
		defer o.deps.Leases.Release(acct.ID, holder)
		sess, err := o.deps.Painter.Login(ctx, acct)
		if err != nil {
			if ctx.Err() == nil {
				o.log.With("("+acct.Label()+")").Warn("Background resync failed: %v", err)
			}
			return
		}
		sess.Close()
	}(c.Account)
}

// turn drives one account through a paint pass.
func (o *Orchestrator) turn(ctx context.Context, cfg models.TemplateConfig, c candidate, settings models.Settings) {
	acct := c.Account
	log := o.log.With("(" + acct.Label() + ")")

	// An interrupt only re-reads the cooldown, it never skips it.
	for o.lastAccount != 0 && o.lastAccount != acct.ID {
		wait := o.lastTurnEnd.Add(o.deps.Settings().AccountCooldownDuration()).Sub(o.deps.Now())
		if wait <= 0 {
			break
		}
		if !o.sleep(ctx, wait) {
			return
		}
	}

	holder := o.holder()
	if !o.deps.Leases.TryAcquire(acct.ID, holder) {
		o.sleep(ctx, o.deps.Timings.BusyRetryPause)
		return
	}
	defer o.deps.Leases.Release(acct.ID, holder)
	defer func() {
		o.lastAccount = acct.ID
		o.lastTurnEnd = o.deps.Now()
	}()

	o.setStatus(fmt.Sprintf("Painting with %s.", acct.Label()))
	sess, err := o.deps.Painter.Login(ctx, acct)
	if err != nil {
		o.handleError(ctx, acct, err)
		return
	}
	defer sess.Close()
	if cfg.CanBuyMaxCharges {
		o.buyMaxCharges(ctx, sess, settings, log)
	}
	if cfg.AutoBuyNeededColors {
		o.buyColors(ctx, cfg, sess, settings, log)
	}

	method, known := planner.ParseMethod(settings.DrawingMethod)
	if !known {
		log.Warn("Unknown drawing method %q, using %s", settings.DrawingMethod, method)
	}
	o.mu.Lock()
	orderer := o.orderer
	o.mu.Unlock()
	orderer.SeedCount = settings.SeedCount

	plan := sess.Plan(ctx, client.PaintRequest{
		Template:         cfg.Template,
		Anchor:           cfg.Anchor,
		Policy:           cfg.Policy,
		Method:           method,
		Orderer:          orderer,
		MaxPixelsPerPass: settings.MaxPixelsPerPass,
	})
	if plan.Done() {
		o.diagnose(ctx, cfg, sess, plan, log)
		return
	}
	log.Info("Painting %s px", util.FormatCount(plan.Size()))

	var painted []planner.Pixel
	for {
		tok, err := o.deps.Tokens.Get(ctx)
		if err != nil {
			return
		}
		res, err := sess.Execute(ctx, plan, tok)
		painted = append(painted, res.Pixels...)
		if errors.Is(err, client.ErrTokenRejected) {
			log.Warn("Token rejected, waiting for a new one")
			if !o.sleep(ctx, o.deps.Timings.TokenRetryPause) {
				break
			}
			continue
		}
		if err != nil {
			o.handleError(ctx, acct, err)
		} else {
			o.retryDelay = o.deps.Timings.InitialRetryDelay
		}
		break
	}

	if len(painted) > 0 {
		o.recordPainted(cfg, acct, orderer, painted, log)
	}
}

func (o *Orchestrator) recordPainted(cfg models.TemplateConfig, acct models.Account, orderer *planner.Orderer, painted []planner.Pixel, log util.Logger) {
	n := len(painted)
	o.mu.Lock()
	o.remaining = max(0, o.remaining-n)
	o.painted += n
	remaining := o.remaining
	o.mu.Unlock()
	log.Info("Painted %s px, %s remaining", util.FormatCount(n), util.FormatCount(remaining))

	if o.deps.Activity != nil && cfg.HeatmapEnabled {
		if err := o.deps.Activity.Record(cfg.ID, acct.ID, painted); err != nil {
			log.Warn("Heatmap write failed: %v", err)
		}
	}
	orderer.Seeds.EndTurn()
	o.mu.Lock()
	current := o.orderer == orderer
	o.mu.Unlock()
	// The template changed mid-turn; these seeds belong to the old image.
	if !current {
		return
	}
	if seeds := orderer.Seeds.Snapshot(); len(seeds) > 0 {
		if err := o.deps.Accounts.SaveSeeds(cfg.ID, seeds); err != nil {
			log.Warn("Saving burst seeds failed: %v", err)
		}
	}
}

// diagnose explains an empty plan for the status line, then pauses.
func (o *Orchestrator) diagnose(ctx context.Context, cfg models.TemplateConfig, sess Session, plan *client.Plan, log util.Logger) {
	user := sess.Info()
	d := planner.Diagnose(cfg.Template, cfg.Anchor, plan.Snapshot, cfg.Policy, planner.OwnedBy(user.ExtraColorsBitmap))
	charges := int(math.Floor(user.Charges.Count))
	if p, ok := o.deps.Charges.Predict(user.ID, o.deps.Now()); ok {
		charges = p.Count
	}

	var reason string
	switch {
	case d.Policy == 0:
		reason = "canvas already matches"
		if d.Raw > 0 {
			reason = "only painted-over pixels differ and skip-painted is on"
		}
		o.mu.Lock()
		o.remaining = 0
		o.mu.Unlock()
		o.lastSummary = time.Time{}
	case charges < 1:
		reason = "no charges"
	case d.Ownable == 0:
		reason = "remaining colors are not owned"
	default:
		reason = "unknown"
	}
	log.Info("Painted nothing: %s (raw %d, policy %d, ownable %d)", reason, d.Raw, d.Policy, d.Ownable)
	o.sleep(ctx, o.deps.Timings.ZeroPaintPause)
}

// handleError decides retry, bench or give up for one account.
func (o *Orchestrator) handleError(ctx context.Context, acct models.Account, err error) {
	if ctx.Err() != nil {
		return
	}
	log := o.log.With("(" + acct.Label() + ")")

	var suspended *client.SuspendedError
	var auth *client.AuthError
	var blocked *client.BlockedError
	var unexpected *client.UnexpectedResponseError
	switch {
	case errors.As(err, &suspended):
		o.suspended[acct.ID] = suspended.Until
		if serr := o.deps.Accounts.SetSuspended(acct.ID, suspended.Until); serr != nil {
			log.Warn("Persisting suspension failed: %v", serr)
		}
		if suspended.Permanent {
			log.Error("Account suspended permanently")
		} else {
			log.Error("Account suspended for %s", util.FormatWait(suspended.Until.Sub(o.deps.Now())))
		}
	case errors.As(err, &auth):
		bench := o.deps.Timings.AuthBench
		o.bench(acct.ID, o.deps.Now().Add(bench))
		log.Error("Login rejected, benched for %s or until its cookies are updated: %v", util.FormatWait(bench), err)
	case errors.As(err, &blocked):
		log.Warn("%v, benched for %s", err, util.FormatWait(o.backOff(acct.ID)))
	case client.IsTransient(err):
		delay := o.nextRetryDelay()
		log.Warn("%v, retrying in %s", err, util.FormatWait(delay))
		o.sleep(ctx, delay)
	case errors.As(err, &unexpected):
		log.Error("Turn aborted: %v, benched for %s", err, util.FormatWait(o.backOff(acct.ID)))
	default:
		log.Error("Turn failed: %v, benched for %s", err, util.FormatWait(o.backOff(acct.ID)))
	}
}

func (o *Orchestrator) nextRetryDelay() time.Duration {
	delay := o.retryDelay
	o.retryDelay = min(2*o.retryDelay, o.deps.Timings.MaxRetryDelay)
	return delay
}

// backOff benches one account for the current retry delay.
func (o *Orchestrator) backOff(accountID int64) time.Duration {
	delay := o.nextRetryDelay()
	o.bench(accountID, o.deps.Now().Add(delay))
	return delay
}
