package main

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/time/rate"

	constants "canvasfleet/internal/constants"
	util "canvasfleet/internal/util"
)

const apiCSP = "default-src 'none'; connect-src 'self'; frame-ancestors 'none'; base-uri 'none'; form-action 'none';"

func securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Security-Policy", apiCSP)
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "no-referrer")
		if c.Request.TLS != nil {
			c.Header("Strict-Transport-Security", "max-age=63072000; includeSubDomains; preload")
		}
		c.Next()
	}
}

func (s *Server) getLimiter(key string) *rate.Limiter {
	s.LimiterMutex.RLock()
	entry, ok := s.LimiterMap[key]
	s.LimiterMutex.RUnlock()
	if ok {
		s.LimiterMutex.Lock()
		if entry, ok = s.LimiterMap[key]; ok {
			entry.LastAccess = time.Now()
		}
		s.LimiterMutex.Unlock()
		if ok {
			return entry.Limiter
		}
	}

	s.LimiterMutex.Lock()
	defer s.LimiterMutex.Unlock()
	if entry, ok = s.LimiterMap[key]; ok {
		entry.LastAccess = time.Now()
		return entry.Limiter
	}

	rps := s.RateLimitRPS
	if rps <= 0 {
		rps = 1
	}
	lim := rate.NewLimiter(rate.Every(time.Second/time.Duration(rps)), max(1, s.RateLimitBurst))
	s.LimiterMap[key] = &rateLimiterEntry{Limiter: lim, LastAccess: time.Now()}
	return lim
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.getLimiter(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests. Please slow down."})
			return
		}
		c.Next()
	}
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.Request.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(c.Request.Context(), requestIDKey, reqID)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-Id", reqID)
		c.Next()
	}
}

// adminAuthMiddleware requires "Authorization: Bearer <token>" when an
// admin token is configured.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.AdminToken == "" {
			c.Next()
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.AdminToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// tokenCORSMiddleware lets the canvas site's page script post tokens.
func (s *Server) tokenCORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && lo.Contains(s.AllowedOrigins, origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type")
			c.Header("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) cleanupStaleRateLimiters() {
	s.LimiterMutex.Lock()
	defer s.LimiterMutex.Unlock()

	cutoff := time.Now().Add(-s.RateLimiterTTL)
	removed := 0
	for key, entry := range s.LimiterMap {
		if entry.LastAccess.Before(cutoff) {
			delete(s.LimiterMap, key)
			removed++
		}
	}
	if removed > 0 {
		util.LogInfo("Cleaned up %d stale rate limiters", removed)
	}
}

func defaultOrigins() []string {
	return []string{constants.DefaultSiteURL}
}
