package constants

import "time"

const (
	TileSize = 1000

	DefaultBackendURL = "https://backend.wplace.live"
	DefaultSiteURL    = "https://wplace.live"
)

const (
	ChargeRegen      = 30 * time.Second
	ChargeSyncWindow = 8 * time.Minute
	ChargeExpiry     = 8 * time.Hour

	TokenTTL          = 2 * time.Minute
	TokenLongPollWait = 60 * time.Second

	ProxyQuarantine = 20 * time.Minute

	TileCacheTTL       = 3 * time.Second
	ServerErrorPause   = 40 * time.Second
	ServerErrorRetries = 2

	MinSummaryInterval = 20 * time.Second
	SummaryErrorPause  = 60 * time.Second
	ResyncCooldown     = 3 * time.Second
	ZeroPaintPause     = 5 * time.Second
	TokenRetryPause    = time.Second
	InitialRetryDelay  = 30 * time.Second
	MaxRetryDelay      = 5 * time.Minute
	DefaultChargeWait  = 15 * time.Second
	PausedWait         = 30 * time.Second
	BusyRetryPause     = 500 * time.Millisecond
	AuthFailureBench   = 30 * time.Minute
)

const (
	ProductCharges   = 80
	ProductMaxCharge = 70
	ProductColor     = 100

	ChargePackPrice  = 500
	ChargePackPixels = 30
	MaxChargePrice   = 500
	ColorPrice       = 2000
)

const (
	MinSeedCount = 1
	MaxSeedCount = 16
	SeedTopFuzz  = 5
)

const (
	StatusIdle       = "Waiting to be started."
	StatusStarted    = "Started."
	StatusWaiting    = "Waiting for charges."
	StatusPaused     = "Paused: no usable accounts."
	StatusMonitoring = "Monitoring for changes."
	StatusFinished   = "Finished."
	StatusStopped    = "Stopped."
)

const (
	RouteToken           = "/t"
	RouteTokenNeeded     = "/token-needed"
	RouteTokenNeededLP   = "/token-needed/long"
	RouteTemplates       = "/templates"
	RouteTemplate        = "/templates/:id"
	RouteTemplateStart   = "/templates/:id/start"
	RouteTemplateStop    = "/templates/:id/stop"
	RouteTemplateHeatmap = "/templates/:id/heatmap"
	RouteAccounts        = "/accounts"
	RouteAccount         = "/accounts/:id"
	RouteSettings        = "/settings"
	RouteProxiesReload   = "/proxies/reload"
	RouteHealthz         = "/healthz"
	RouteLogStream       = "/ws/logs"
)

const (
	ErrorCodeBadRequest = "bad_request"
	ErrorCodeNotFound   = "not_found"
	ErrorCodeInternal   = "internal_error"
)
