package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	charge "canvasfleet/internal/charge"
	constants "canvasfleet/internal/constants"
	store "canvasfleet/internal/store"
	util "canvasfleet/internal/util"
)

func restoreCharges(st *store.Store, cache *charge.Cache) {
	entries, err := st.LoadCharges()
	if err != nil {
		util.LogWarn("Loading charge cache: %v", err)
		return
	}
	if n := cache.Restore(entries, constants.ChargeExpiry, time.Now()); n > 0 {
		util.LogInfo("Restored %d charge reading(s)", n)
	}
}

func saveCharges(st *store.Store, cache *charge.Cache) {
	if err := st.SaveCharges(cache.Snapshot()); err != nil {
		util.LogWarn("Saving charge cache: %v", err)
	}
}

// startMaintenance runs the periodic housekeeping until stop closes.
func (s *Server) startMaintenance(st *store.Store, stop <-chan struct{}) {
	app := s.App
	app.Leases.StartCleanup(LeaseCleanupInterval, LeaseMaxAge, stop)

	go func() {
		charges := time.NewTicker(ChargeSaveInterval)
		limiters := time.NewTicker(LimiterCleanupPeriod)
		defer charges.Stop()
		defer limiters.Stop()
		for {
			select {
			case <-stop:
				return
			case <-charges.C:
				saveCharges(st, app.Charges)
			case <-limiters.C:
				s.cleanupStaleRateLimiters()
			}
		}
	}()

	util.LogInfo("Started maintenance routines for leases, charge cache and rate limiters")
}

// watchReload re-reads settings and proxies on SIGHUP.
func (s *Server) watchReload(stop <-chan struct{}) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		defer signal.Stop(hup)
		for {
			select {
			case <-stop:
				return
			case <-hup:
				util.LogInfo("SIGHUP received, reloading settings and proxies")
				if err := s.App.Settings.Reload(); err != nil {
					util.LogError("Settings reload failed, keeping current settings: %v", err)
				}
				if err := s.App.Proxies.Load(s.App.ProxyFile); err != nil {
					util.LogError("Proxy reload failed: %v", err)
				}
			}
		}
	}()
}
