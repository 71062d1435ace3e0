package handlers

import (
	"time"

	charge "canvasfleet/internal/charge"
	logstream "canvasfleet/internal/logstream"
	models "canvasfleet/internal/models"
	orchestrator "canvasfleet/internal/orchestrator"
	paintlog "canvasfleet/internal/paintlog"
	proxy "canvasfleet/internal/proxy"
	session "canvasfleet/internal/session"
	settings "canvasfleet/internal/settings"
	store "canvasfleet/internal/store"
	token "canvasfleet/internal/token"
)

// App carries the services every handler reaches for.
type App struct {
	Manager  *orchestrator.Manager
	Store    *store.Store
	Settings *settings.Store
	Tokens   *token.Queue
	Charges  *charge.Cache
	Leases   *session.Registry
	Proxies  *proxy.Pool
	Activity *paintlog.Log
	Logs     *logstream.Hub

	ProxyFile    string
	IsProduction bool
	StartTime    time.Time
	LongPollWait time.Duration

	// ActiveLimiters reports the size of the per-IP limiter map.
	ActiveLimiters func() int
}

type tokenRequest struct {
	Token       string `json:"t"`
	Pawtect     string `json:"pawtect"`
	Fingerprint string `json:"fp"`
}

// templateRequest is the editable part of a template. The image travels
// as a share code.
type templateRequest struct {
	Name                string        `json:"name" binding:"required"`
	ShareCode           string        `json:"shareCode" binding:"required"`
	Anchor              models.Anchor `json:"anchor"`
	AccountIDs          []int64       `json:"accountIds"`
	Policy              models.Policy `json:"policy"`
	CanBuyCharges       bool          `json:"canBuyCharges"`
	CanBuyMaxCharges    bool          `json:"canBuyMaxCharges"`
	AutoBuyNeededColors bool          `json:"autoBuyNeededColors"`
	AntiGriefMode       bool          `json:"antiGriefMode"`
	HeatmapEnabled      bool          `json:"heatmapEnabled"`
	Autostart           bool          `json:"autostart"`
}

type templateView struct {
	models.TemplateConfig
	Width  int                 `json:"width"`
	Height int                 `json:"height"`
	Status orchestrator.Status `json:"status"`
}

type accountRequest struct {
	Name    string            `json:"name"`
	Cookies map[string]string `json:"cookies" binding:"required"`
}

type accountView struct {
	ID             int64              `json:"id"`
	Name           string             `json:"name"`
	SuspendedUntil *time.Time         `json:"suspendedUntil,omitempty"`
	Busy           bool               `json:"busy"`
	Charges        *charge.Prediction `json:"charges,omitempty"`
}
