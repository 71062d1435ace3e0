package main

import "time"

const (
	DefaultPort    = "8080"
	DefaultDataDir = "data"

	DatabaseFile = "canvasfleet.db"
	SettingsFile = "settings.yaml"
	ProxyFile    = "proxies.txt"
	HeatmapDir   = "heatmaps"
)

const (
	LogHistoryLines = 500

	ChargeSaveInterval   = time.Minute
	LeaseCleanupInterval = 5 * time.Minute
	LeaseMaxAge          = 2 * time.Hour
	LimiterCleanupPeriod = 30 * time.Minute
	ShutdownTimeout      = 10 * time.Second
)

const (
	requestIDKey contextKey = "request_id"
)
