package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/samber/lo"

	codec "canvasfleet/internal/codec"
	constants "canvasfleet/internal/constants"
	models "canvasfleet/internal/models"
	orchestrator "canvasfleet/internal/orchestrator"
	settings "canvasfleet/internal/settings"
	store "canvasfleet/internal/store"
	util "canvasfleet/internal/util"
)

func abort(c *gin.Context, status int, code string, err error) {
	body := gin.H{"error": code}
	if err != nil {
		body["message"] = err.Error()
	}
	c.AbortWithStatusJSON(status, body)
}

func internalError(c *gin.Context, what string, err error) {
	util.LogError("%s: %v", what, err)
	abort(c, http.StatusInternalServerError, constants.ErrorCodeInternal, nil)
}

// Tokens

func TokenHandler(app *App, c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Token == "" {
		abort(c, http.StatusBadRequest, constants.ErrorCodeBadRequest, errors.New("missing token"))
		return
	}
	app.Tokens.SetCompanions(req.Pawtect, req.Fingerprint)
	app.Tokens.Set(req.Token)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func TokenNeededHandler(app *App, c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"needed": app.Tokens.Needed()})
}

// TokenNeededLongHandler holds the request until a loop waits for a token
// or the long-poll window closes.
func TokenNeededLongHandler(app *App, c *gin.Context) {
	wait := app.LongPollWait
	if wait <= 0 {
		wait = constants.TokenLongPollWait
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), wait)
	defer cancel()
	c.JSON(http.StatusOK, gin.H{"needed": app.Tokens.WaitNeeded(ctx)})
}

// Templates

func viewOf(cfg models.TemplateConfig, st orchestrator.Status) templateView {
	return templateView{TemplateConfig: cfg, Width: cfg.Template.Width, Height: cfg.Template.Height, Status: st}
}

func ListTemplatesHandler(app *App, c *gin.Context) {
	configs := lo.KeyBy(app.Manager.Configs(), func(cfg models.TemplateConfig) string { return cfg.ID })
	views := lo.FilterMap(app.Manager.Statuses(), func(st orchestrator.Status, _ int) (templateView, bool) {
		cfg, ok := configs[st.ID]
		return viewOf(cfg, st), ok
	})
	c.JSON(http.StatusOK, gin.H{"templates": views})
}

func CreateTemplateHandler(app *App, c *gin.Context) {
	upsertTemplate(app, c, uuid.NewString())
}

func PutTemplateHandler(app *App, c *gin.Context) {
	upsertTemplate(app, c, c.Param("id"))
}

func upsertTemplate(app *App, c *gin.Context, id string) {
	var req templateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, constants.ErrorCodeBadRequest, err)
		return
	}
	tpl, err := codec.Decode(req.ShareCode)
	if err != nil {
		abort(c, http.StatusBadRequest, constants.ErrorCodeBadRequest, err)
		return
	}
	ids := lo.Uniq(req.AccountIDs)
	for _, accountID := range ids {
		if _, err := app.Store.Account(accountID); err != nil {
			abort(c, http.StatusBadRequest, constants.ErrorCodeBadRequest, err)
			return
		}
	}

	cfg := models.TemplateConfig{
		ID:                  id,
		Name:                req.Name,
		Template:            codec.Sanitize(tpl),
		Anchor:              req.Anchor,
		AccountIDs:          ids,
		Policy:              req.Policy,
		CanBuyCharges:       req.CanBuyCharges,
		CanBuyMaxCharges:    req.CanBuyMaxCharges,
		AutoBuyNeededColors: req.AutoBuyNeededColors,
		AntiGriefMode:       req.AntiGriefMode,
		HeatmapEnabled:      req.HeatmapEnabled,
		Autostart:           req.Autostart,
	}
	if cfg.ShareCode, err = codec.Encode(cfg.Template); err != nil {
		abort(c, http.StatusBadRequest, constants.ErrorCodeBadRequest, err)
		return
	}
	if prev, err := app.Store.Template(id); err == nil && prev.SameTarget(cfg) {
		cfg.BurstSeeds = prev.BurstSeeds
	}
	if err := app.Store.PutTemplate(cfg); err != nil {
		internalError(c, "Saving template", err)
		return
	}
	app.Manager.Upsert(cfg)
	util.LogInfo("Template %q saved (%dx%d, %d account(s))", cfg.Name, cfg.Template.Width, cfg.Template.Height, len(ids))

	st, _ := app.Manager.Status(id)
	c.JSON(http.StatusOK, viewOf(cfg, st))
}

func DeleteTemplateHandler(app *App, c *gin.Context) {
	id := c.Param("id")
	removed := app.Manager.Remove(id)
	err := app.Store.DeleteTemplate(id)
	if err != nil && !errors.Is(err, store.ErrTemplateNotFound) {
		internalError(c, "Deleting template", err)
		return
	}
	if !removed && err != nil {
		abort(c, http.StatusNotFound, constants.ErrorCodeNotFound, err)
		return
	}
	if app.Activity != nil {
		if err := app.Activity.Remove(id); err != nil {
			util.LogWarn("Removing heatmap of %s: %v", id, err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func StartTemplateHandler(app *App, c *gin.Context) {
	templateAction(app, c, app.Manager.Start)
}

func StopTemplateHandler(app *App, c *gin.Context) {
	templateAction(app, c, app.Manager.Stop)
}

func templateAction(app *App, c *gin.Context, action func(string) error) {
	id := c.Param("id")
	if err := action(id); err != nil {
		if errors.Is(err, orchestrator.ErrUnknownTemplate) {
			abort(c, http.StatusNotFound, constants.ErrorCodeNotFound, err)
			return
		}
		internalError(c, "Template action", err)
		return
	}
	st, _ := app.Manager.Status(id)
	c.JSON(http.StatusOK, st)
}

// HeatmapHandler returns paint counts per template pixel. The optional
// since query is a duration such as "24h".
func HeatmapHandler(app *App, c *gin.Context) {
	id := c.Param("id")
	if _, err := app.Manager.Status(id); err != nil {
		abort(c, http.StatusNotFound, constants.ErrorCodeNotFound, err)
		return
	}
	var since time.Time
	if raw := c.Query("since"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			abort(c, http.StatusBadRequest, constants.ErrorCodeBadRequest, errors.New("since must be a positive duration"))
			return
		}
		since = time.Now().Add(-d)
	}
	cells, err := app.Activity.Heatmap(id, since)
	if err != nil {
		internalError(c, "Reading heatmap", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cells": cells})
}

// Accounts

func accountID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		abort(c, http.StatusBadRequest, constants.ErrorCodeBadRequest, errors.New("account id must be a positive integer"))
		return 0, false
	}
	return id, true
}

func ListAccountsHandler(app *App, c *gin.Context) {
	accounts, err := app.Store.Accounts()
	if err != nil {
		internalError(c, "Listing accounts", err)
		return
	}
	now := time.Now()
	views := lo.Map(accounts, func(a models.Account, _ int) accountView {
		v := accountView{ID: a.ID, Name: a.Name, Busy: app.Leases.IsBusy(a.ID)}
		if a.SuspendedAt(now) {
			until := a.SuspendedUntil
			v.SuspendedUntil = &until
		}
		if p, ok := app.Charges.Predict(a.ID, now); ok {
			v.Charges = &p
		}
		return v
	})
	c.JSON(http.StatusOK, gin.H{"accounts": views})
}

func PutAccountHandler(app *App, c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	var req accountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, constants.ErrorCodeBadRequest, err)
		return
	}
	if req.Cookies["j"] == "" {
		abort(c, http.StatusBadRequest, constants.ErrorCodeBadRequest, errors.New(`cookie "j" is required`))
		return
	}
	acct := models.Account{ID: id, Name: req.Name, Cookies: req.Cookies}
	if prev, err := app.Store.Account(id); err == nil {
		acct.SuspendedUntil = prev.SuspendedUntil
	}
	if err := app.Store.PutAccount(acct); err != nil {
		internalError(c, "Saving account", err)
		return
	}
	app.Charges.Forget(id)
	app.Manager.Reinstate(id)
	app.Manager.InterruptAll()
	util.LogInfo("Account %s saved", acct.Label())
	c.JSON(http.StatusOK, accountView{ID: acct.ID, Name: acct.Name, Busy: app.Leases.IsBusy(id)})
}

func DeleteAccountHandler(app *App, c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	changed, err := app.Store.DeleteAccount(id)
	if errors.Is(err, store.ErrAccountNotFound) {
		abort(c, http.StatusNotFound, constants.ErrorCodeNotFound, err)
		return
	}
	if err != nil {
		internalError(c, "Deleting account", err)
		return
	}
	lo.ForEach(changed, func(cfg models.TemplateConfig, _ int) { app.Manager.Upsert(cfg) })
	app.Charges.Forget(id)
	util.LogInfo("Account #%d deleted, %d template(s) updated", id, len(changed))
	c.JSON(http.StatusOK, gin.H{"ok": true, "templatesUpdated": len(changed)})
}

// Settings

func GetSettingsHandler(app *App, c *gin.Context) {
	c.JSON(http.StatusOK, app.Settings.Get())
}

func PutSettingsHandler(app *App, c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, 64<<10))
	if err != nil {
		abort(c, http.StatusBadRequest, constants.ErrorCodeBadRequest, err)
		return
	}
	next, err := app.Settings.Update(raw)
	if errors.Is(err, settings.ErrInvalid) {
		abort(c, http.StatusBadRequest, constants.ErrorCodeBadRequest, err)
		return
	}
	if err != nil {
		internalError(c, "Saving settings", err)
		return
	}
	c.JSON(http.StatusOK, next)
}

// Proxies

func ReloadProxiesHandler(app *App, c *gin.Context) {
	if err := app.Proxies.Load(app.ProxyFile); err != nil {
		internalError(c, "Reloading proxies", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"loaded": app.Proxies.Len(), "available": app.Proxies.Available()})
}

// Observability

func LogStreamHandler(app *App, c *gin.Context) {
	app.Logs.ServeHTTP(c.Writer, c.Request)
}

func HealthzHandler(app *App, c *gin.Context) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	uptime := time.Since(app.StartTime)
	statuses := app.Manager.Statuses()
	running := lo.CountBy(statuses, func(st orchestrator.Status) bool { return st.Running })
	limiters := 0
	if app.ActiveLimiters != nil {
		limiters = app.ActiveLimiters()
	}
	viewers := 0
	if app.Logs != nil {
		viewers = app.Logs.Clients()
	}

	c.JSON(http.StatusOK, gin.H{
		"status":            "ok",
		"env":               map[bool]string{true: "production", false: "development"}[app.IsProduction],
		"templates":         len(statuses),
		"templates_running": running,
		"leased_accounts":   len(app.Leases.Snapshot()),
		"charge_cache":      app.Charges.Stats(time.Now()),
		"tokens_pending":    app.Tokens.Pending(),
		"token_needed":      app.Tokens.Needed(),
		"proxies":           app.Proxies.Len(),
		"proxies_available": app.Proxies.Available(),
		"log_viewers":       viewers,
		"active_limiters":   limiters,
		"memory_alloc_mb":   m.Alloc / 1024 / 1024,
		"memory_sys_mb":     m.Sys / 1024 / 1024,
		"memory_gc_count":   m.NumGC,
		"uptime":            util.FormatUptime(uptime),
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
	})
}
