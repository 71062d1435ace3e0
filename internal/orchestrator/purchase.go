package orchestrator

import (
	"context"
	"errors"

	"github.com/samber/lo"

	client "canvasfleet/internal/client"
	constants "canvasfleet/internal/constants"
	models "canvasfleet/internal/models"
	palette "canvasfleet/internal/palette"
	planner "canvasfleet/internal/planner"
	util "canvasfleet/internal/util"
)

// ChargePacks is how many 30-pixel packs to buy for remaining pixels with
// the droplets above reserve.
func ChargePacks(remaining, droplets, reserve int) int {
	if remaining <= 0 {
		return 0
	}
	need := (remaining + constants.ChargePackPixels - 1) / constants.ChargePackPixels
	afford := max(0, droplets-reserve) / constants.ChargePackPrice
	return min(need, afford)
}

// MaxChargeUpgrades is how many max-charge upgrades the droplets above
// reserve can pay for.
func MaxChargeUpgrades(droplets, reserve int) int {
	return max(0, droplets-reserve) / constants.MaxChargePrice
}

func (o *Orchestrator) purchaseAllowed(s models.Settings) bool {
	return o.lastPurchase.IsZero() || o.deps.Now().Sub(o.lastPurchase) >= s.PurchaseCooldownDuration()
}

// buyCharges spends the primary account's droplets on charge packs while
// every account is waiting.
func (o *Orchestrator) buyCharges(ctx context.Context, cfg models.TemplateConfig, cands []candidate, s models.Settings) {
	if len(cfg.AccountIDs) == 0 || !o.purchaseAllowed(s) {
		return
	}
	primary, ok := lo.Find(cands, func(c candidate) bool { return c.Account.ID == cfg.AccountIDs[0] })
	if !ok {
		return
	}
	acct := primary.Account
	holder := o.holder()
	if !o.deps.Leases.TryAcquire(acct.ID, holder) {
		return
	}
	defer o.deps.Leases.Release(acct.ID, holder)
	log := o.log.With("(" + acct.Label() + ")")

	sess, err := o.deps.Painter.Login(ctx, acct)
	if err != nil {
		o.handleError(ctx, acct, err)
		return
	}
	defer sess.Close()
	packs := ChargePacks(o.Status().Remaining, sess.Info().Droplets, s.DropletReserve)
	if packs == 0 {
		return
	}
	o.lastPurchase = o.deps.Now()
	if err := sess.BuyProduct(ctx, constants.ProductCharges, packs, 0); err != nil {
		o.logPurchaseError(log, "charge packs", err)
		return
	}
	if _, err := sess.Refresh(ctx); err != nil {
		log.Warn("Refresh after purchase failed: %v", err)
	}
}

func (o *Orchestrator) buyMaxCharges(ctx context.Context, sess Session, s models.Settings, log util.Logger) {
	if !o.purchaseAllowed(s) {
		return
	}
	n := MaxChargeUpgrades(sess.Info().Droplets, s.DropletReserve)
	if n == 0 {
		return
	}
	o.lastPurchase = o.deps.Now()
	if err := sess.BuyProduct(ctx, constants.ProductMaxCharge, n, 0); err != nil {
		o.logPurchaseError(log, "max charge upgrades", err)
		return
	}
	if _, err := sess.Refresh(ctx); err != nil {
		log.Warn("Refresh after purchase failed: %v", err)
	}
}

// buyColors buys premium colors the template still needs and the account
// lacks, one per purchase cooldown, cheapest need first.
func (o *Orchestrator) buyColors(ctx context.Context, cfg models.TemplateConfig, sess Session, s models.Settings, log util.Logger) {
	snap := sess.LoadTiles(ctx, cfg.Anchor, cfg.Template.Width, cfg.Template.Height, false)
	needed := planner.Summarize(cfg.Template, cfg.Anchor, snap, cfg.Policy).PremiumColors
	bitmap := sess.Info().ExtraColorsBitmap
	missing := lo.Reject(needed, func(id int, _ int) bool { return palette.Owns(bitmap, id) })

	for _, id := range missing {
		if !o.purchaseAllowed(s) || ctx.Err() != nil {
			return
		}
		if sess.Info().Droplets-s.DropletReserve < constants.ColorPrice {
			log.Info("Not enough droplets for %s", palette.Name(id))
			return
		}
		o.lastPurchase = o.deps.Now()
		err := sess.BuyProduct(ctx, constants.ProductColor, 1, id)
		if err != nil && !errors.Is(err, client.ErrAlreadyOwned) {
			o.logPurchaseError(log, palette.Name(id), err)
			return
		}
		if _, err := sess.Refresh(ctx); err != nil {
			log.Warn("Refresh after purchase failed: %v", err)
			return
		}
	}
}

func (o *Orchestrator) logPurchaseError(log util.Logger, what string, err error) {
	switch {
	case errors.Is(err, client.ErrInsufficientFunds):
		log.Warn("Not enough droplets for %s", what)
	case errors.Is(err, client.ErrAlreadyOwned):
		log.Info("Already own %s", what)
	default:
		log.Error("Buying %s failed: %v", what, err)
	}
}
