package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/samber/lo"
	cachecontrol "go.eigsys.de/gin-cachecontrol/v2"
	"golang.org/x/time/rate"

	ginGzip "github.com/gin-contrib/gzip"

	charge "canvasfleet/internal/charge"
	client "canvasfleet/internal/client"
	constants "canvasfleet/internal/constants"
	handlers "canvasfleet/internal/handlers"
	logstream "canvasfleet/internal/logstream"
	models "canvasfleet/internal/models"
	orchestrator "canvasfleet/internal/orchestrator"
	paintlog "canvasfleet/internal/paintlog"
	proxy "canvasfleet/internal/proxy"
	session "canvasfleet/internal/session"
	settings "canvasfleet/internal/settings"
	store "canvasfleet/internal/store"
	token "canvasfleet/internal/token"
	util "canvasfleet/internal/util"
)

func main() {
	_ = godotenv.Load()

	hub := logstream.NewHub(util.GetEnvInt("LOG_HISTORY", LogHistoryLines))
	log.SetOutput(io.MultiWriter(os.Stderr, hub))

	isProduction := os.Getenv("GIN_MODE") == "release" || os.Getenv("ENV") == "production"
	if isProduction {
		gin.SetMode(gin.ReleaseMode)
	}
	util.LogInfo("Starting canvasfleet in %s mode", map[bool]string{true: "production", false: "development"}[isProduction])

	dataDir := util.GetEnvString("DATA_DIR", DefaultDataDir)
	st, err := store.Open(filepath.Join(dataDir, DatabaseFile))
	if err != nil {
		util.LogFatal("Failed to open database: %v", err)
	}
	set, err := settings.Open(util.GetEnvString("SETTINGS_FILE", filepath.Join(dataDir, SettingsFile)))
	if err != nil {
		util.LogFatal("Failed to load settings: %v", err)
	}

	proxyFile := util.GetEnvString("PROXY_FILE", filepath.Join(dataDir, ProxyFile))
	proxies := proxy.NewPool(nil, nil)
	if err := proxies.Load(proxyFile); err != nil {
		util.LogWarn("Failed to load proxies: %v", err)
	}

	charges := charge.NewCache(constants.ChargeRegen, constants.ChargeSyncWindow)
	restoreCharges(st, charges)
	tokens := token.NewQueue(util.GetEnvDuration("TOKEN_TTL", constants.TokenTTL), nil)
	leases := session.NewRegistry(nil)
	activity := paintlog.New(filepath.Join(dataDir, HeatmapDir), nil)

	remote := client.New(client.Config{
		BaseURL:   util.GetEnvString("BACKEND_URL", constants.DefaultBackendURL),
		SiteURL:   util.GetEnvString("SITE_URL", constants.DefaultSiteURL),
		Timeout:   util.GetEnvDuration("REMOTE_TIMEOUT", 30*time.Second),
		UserAgent: os.Getenv("USER_AGENT"),
		Proxies:   proxies,
		Settings:  set.Get,
		Limiter:   rate.NewLimiter(rate.Limit(util.GetEnvInt("REMOTE_RPS", 10)), util.GetEnvInt("REMOTE_BURST", 20)),
		Charges:   charges,
		Tokens:    tokens,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr := orchestrator.NewManager(ctx, orchestrator.Deps{
		Painter:  orchestrator.FromClient(remote),
		Charges:  charges,
		Tokens:   tokens,
		Leases:   leases,
		Accounts: st,
		Activity: activity,
		Settings: set.Get,
	})

	templates, err := st.Templates()
	if err != nil {
		util.LogFatal("Failed to load templates: %v", err)
	}
	lo.ForEach(templates, func(cfg models.TemplateConfig, _ int) { mgr.Upsert(cfg) })
	util.LogInfo("Loaded %d template(s)", len(templates))
	set.Subscribe(func(models.Settings) { mgr.InterruptAll() })

	srv := &Server{
		LimiterMap:     make(map[string]*rateLimiterEntry),
		RateLimitRPS:   util.GetEnvInt("RATE_LIMIT_RPS", 5),
		RateLimitBurst: util.GetEnvInt("RATE_LIMIT_BURST", 20),
		RateLimiterTTL: util.GetEnvDuration("RATE_LIMITER_TTL", time.Hour),
		AdminToken:     os.Getenv("ADMIN_TOKEN"),
		AllowedOrigins: allowedOrigins(),
	}
	srv.App = &handlers.App{
		Manager:        mgr,
		Store:          st,
		Settings:       set,
		Tokens:         tokens,
		Charges:        charges,
		Leases:         leases,
		Proxies:        proxies,
		Activity:       activity,
		Logs:           hub,
		ProxyFile:      proxyFile,
		IsProduction:   isProduction,
		StartTime:      time.Now(),
		LongPollWait:   util.GetEnvDuration("TOKEN_LONG_POLL", constants.TokenLongPollWait),
		ActiveLimiters: srv.activeLimiters,
	}
	if srv.AdminToken == "" {
		util.LogWarn("ADMIN_TOKEN is not set, the admin API is open to anyone who can reach it")
	}

	router := srv.routes()

	stop := make(chan struct{})
	srv.startMaintenance(st, stop)
	srv.watchReload(stop)

	if n := mgr.Autostart(); n > 0 {
		util.LogInfo("Autostarted %d template(s)", n)
	}

	srv.startServer(router, func() {
		close(stop)
		mgr.StopAll()
		saveCharges(st, charges)
		if err := activity.Close(); err != nil {
			util.LogWarn("Closing heatmaps: %v", err)
		}
		if err := st.Close(); err != nil {
			util.LogWarn("Closing database: %v", err)
		}
	})
}

func allowedOrigins() []string {
	raw := os.Getenv("TOKEN_ORIGINS")
	if raw == "" {
		return defaultOrigins()
	}
	return lo.Compact(lo.Map(strings.Split(raw, ","), func(s string, _ int) string {
		return strings.TrimRight(strings.TrimSpace(s), "/")
	}))
}

func (s *Server) routes() *gin.Engine {
	router := gin.Default()

	router.Use(requestIDMiddleware())
	router.Use(securityHeadersMiddleware())
	router.Use(ginGzip.Gzip(ginGzip.DefaultCompression, ginGzip.WithExcludedPaths([]string{constants.RouteLogStream})))
	router.Use(cachecontrol.New(cachecontrol.Config{
		NoStore:        true,
		NoCache:        true,
		MustRevalidate: true,
	}))

	if err := router.SetTrustedProxies([]string{"127.0.0.1"}); err != nil {
		util.LogWarn("Failed to set trusted proxies: %v", err)
	}

	h := func(fn func(*handlers.App, *gin.Context)) gin.HandlerFunc {
		return func(c *gin.Context) { fn(s.App, c) }
	}

	tokens := router.Group("", s.tokenCORSMiddleware())
	tokens.OPTIONS(constants.RouteToken)
	tokens.POST(constants.RouteToken, s.rateLimitMiddleware(), h(handlers.TokenHandler))
	tokens.GET(constants.RouteTokenNeeded, h(handlers.TokenNeededHandler))
	tokens.GET(constants.RouteTokenNeededLP, h(handlers.TokenNeededLongHandler))

	router.GET(constants.RouteHealthz, h(handlers.HealthzHandler))

	admin := router.Group("", s.adminAuthMiddleware())
	admin.GET(constants.RouteTemplates, h(handlers.ListTemplatesHandler))
	admin.POST(constants.RouteTemplates, s.rateLimitMiddleware(), h(handlers.CreateTemplateHandler))
	admin.PUT(constants.RouteTemplate, s.rateLimitMiddleware(), h(handlers.PutTemplateHandler))
	admin.DELETE(constants.RouteTemplate, s.rateLimitMiddleware(), h(handlers.DeleteTemplateHandler))
	admin.POST(constants.RouteTemplateStart, s.rateLimitMiddleware(), h(handlers.StartTemplateHandler))
	admin.POST(constants.RouteTemplateStop, s.rateLimitMiddleware(), h(handlers.StopTemplateHandler))
	admin.GET(constants.RouteTemplateHeatmap, h(handlers.HeatmapHandler))
	admin.GET(constants.RouteAccounts, h(handlers.ListAccountsHandler))
	admin.PUT(constants.RouteAccount, s.rateLimitMiddleware(), h(handlers.PutAccountHandler))
	admin.DELETE(constants.RouteAccount, s.rateLimitMiddleware(), h(handlers.DeleteAccountHandler))
	admin.GET(constants.RouteSettings, h(handlers.GetSettingsHandler))
	admin.PUT(constants.RouteSettings, s.rateLimitMiddleware(), h(handlers.PutSettingsHandler))
	admin.POST(constants.RouteProxiesReload, s.rateLimitMiddleware(), h(handlers.ReloadProxiesHandler))
	admin.GET(constants.RouteLogStream, h(handlers.LogStreamHandler))

	return router
}

func (s *Server) startServer(router *gin.Engine, shutdown func()) {
	port := util.GetEnvString("PORT", DefaultPort)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	idleConnsClosed := make(chan struct{})
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, syscall.SIGINT, syscall.SIGTERM)
		<-sigint
		util.LogInfo("Shutdown signal received, shutting down server gracefully...")
		ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			util.LogWarn("HTTP server Shutdown: %v", err)
		}
		close(idleConnsClosed)
	}()

	util.LogInfo("Server starting on http://localhost:%s", port)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		util.LogFatal("Server failed to start: %v", err)
	}
	<-idleConnsClosed
	shutdown()
	util.LogInfo("Server shutdown complete")
}
