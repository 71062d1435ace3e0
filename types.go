package main

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	handlers "canvasfleet/internal/handlers"
)

type contextKey string

type rateLimiterEntry struct {
	Limiter    *rate.Limiter
	LastAccess time.Time
}

// Server wraps the handler App with the HTTP-edge state: per-IP limiters
// and the admin credential.
type Server struct {
	App *handlers.App

	LimiterMap     map[string]*rateLimiterEntry
	LimiterMutex   sync.RWMutex
	RateLimitRPS   int
	RateLimitBurst int
	RateLimiterTTL time.Duration

	AdminToken     string
	AllowedOrigins []string
}

func (s *Server) activeLimiters() int {
	s.LimiterMutex.RLock()
	defer s.LimiterMutex.RUnlock()
	return len(s.LimiterMap)
}
