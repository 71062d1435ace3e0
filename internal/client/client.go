// Package client talks to the remote canvas on behalf of one account at a
// time: login, tile loading, painting and purchases.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	canvas "canvasfleet/internal/canvas"
	charge "canvasfleet/internal/charge"
	constants "canvasfleet/internal/constants"
	models "canvasfleet/internal/models"
	proxy "canvasfleet/internal/proxy"
	token "canvasfleet/internal/token"
	util "canvasfleet/internal/util"
)

const (
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	maxBodyBytes     = 1 << 20
)

type Config struct {
	BaseURL          string
	SiteURL          string
	Timeout          time.Duration
	UserAgent        string
	Proxies          *proxy.Pool
	Settings         func() models.Settings
	Limiter          *rate.Limiter
	Charges          *charge.Cache
	Tokens           *token.Queue
	ServerErrorPause time.Duration
	Now              func() time.Time
}

// Client is shared by every orchestrator. Sessions it creates carry the
// per-account state.
type Client struct {
	cfg Config

	tileMu sync.Mutex
	tiles  map[tileCacheKey]*canvas.Snapshot
}

type tileCacheKey struct {
	anchor models.Anchor
	width  int
	height int
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = constants.DefaultBackendURL
	}
	if cfg.SiteURL == "" {
		cfg.SiteURL = constants.DefaultSiteURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Settings == nil {
		cfg.Settings = models.DefaultSettings
	}
	if cfg.ServerErrorPause <= 0 {
		cfg.ServerErrorPause = constants.ServerErrorPause
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.SiteURL = strings.TrimRight(cfg.SiteURL, "/")
	return &Client{cfg: cfg, tiles: make(map[tileCacheKey]*canvas.Snapshot)}
}

func (c *Client) Tokens() *token.Queue { return c.cfg.Tokens }

func (c *Client) Charges() *charge.Cache { return c.cfg.Charges }

// Session is one authenticated account connection. It is not safe for
// concurrent use; the lease registry keeps each account on one goroutine.
type Session struct {
	client  *Client
	account models.Account
	http    *http.Client
	proxy   *proxy.Record
	log     util.Logger
	User    models.UserInfo
}

// Login opens a session for account and loads its /me snapshot.
func (c *Client) Login(ctx context.Context, account models.Account) (*Session, error) {
	s, err := c.newSession(account)
	if err != nil {
		return nil, err
	}
	if _, err := s.Refresh(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (c *Client) newSession(account models.Account) (*Session, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	cookies := make([]*http.Cookie, 0, len(account.Cookies))
	for name, value := range account.Cookies {
		cookies = append(cookies, &http.Cookie{Name: name, Value: value, Path: "/"})
	}
	for _, raw := range []string{c.cfg.BaseURL, c.cfg.SiteURL} {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse %q: %w", raw, err)
		}
		jar.SetCookies(u, cookies)
	}

	s := &Session{client: c, account: account, log: util.NewLogger("(" + account.Label() + ")")}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	settings := c.cfg.Settings()
	if settings.ProxyEnabled && c.cfg.Proxies != nil && c.cfg.Proxies.Len() > 0 {
		rec, ok := c.cfg.Proxies.Next(proxy.RotationMode(settings.ProxyRotationMode))
		if ok {
			tr, err := proxy.Transport(rec, c.cfg.Timeout)
			if err != nil {
				return nil, err
			}
			transport = tr
			s.proxy = &rec
			if settings.LogProxyUsage {
				s.log.Info("Using proxy %s", rec.Display())
			}
		} else {
			s.log.Warn("Every proxy is quarantined, connecting directly")
		}
	}
	s.http = &http.Client{
		Timeout:   c.cfg.Timeout,
		Jar:       jar,
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return s, nil
}

// Close drops the session's idle connections. Each session owns its
// transport, so nothing else reuses them.
func (s *Session) Close() {
	s.http.CloseIdleConnections()
}

func (s *Session) Account() models.Account { return s.account }

func (s *Session) Info() models.UserInfo { return s.User }

func (s *Session) ProxyIndex() int {
	if s.proxy == nil {
		return 0
	}
	return s.proxy.Index
}

type response struct {
	Status int
	Body   []byte
}

func (r response) text() string { return string(r.Body) }

func (s *Session) do(ctx context.Context, op, method, rawURL string, body any, header http.Header) (response, error) {
	if lim := s.client.cfg.Limiter; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return response{}, err
		}
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return response{}, fmt.Errorf("%s: encode body: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return response{}, fmt.Errorf("%s: %w", op, err)
	}
	cfg := s.client.cfg
	req.Header.Set("User-Agent", cfg.UserAgent)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Referer", cfg.SiteURL+"/")
	req.Header.Set("Origin", cfg.SiteURL)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	resp, err := s.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return response{}, ctx.Err()
		}
		return response{}, &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return response{}, &TransientError{Op: op, Err: err}
	}
	return response{Status: resp.StatusCode, Body: data}, nil
}

// blocked quarantines the session's proxy and builds the matching error.
func (s *Session) blocked(op string) error {
	idx := s.ProxyIndex()
	if idx > 0 && s.client.cfg.Proxies != nil {
		s.client.cfg.Proxies.Quarantine(idx, constants.ProxyQuarantine, op+" returned a challenge page")
	}
	return &BlockedError{Op: op, ProxyIndex: idx}
}

func isRateLimitBody(body string) bool {
	return strings.Contains(body, "1015") || strings.Contains(strings.ToLower(body), "rate limit")
}

type meResponse struct {
	models.UserInfo
	Error string `json:"error"`
}

// Refresh reloads /me and marks the charge cache.
func (s *Session) Refresh(ctx context.Context) (*models.UserInfo, error) {
	const op = "login"
	resp, err := s.do(ctx, op, http.MethodGet, s.client.cfg.BaseURL+"/me", nil, nil)
	if err != nil {
		return nil, err
	}
	body := resp.text()

	switch {
	case resp.Status == http.StatusTooManyRequests:
		return nil, &RateLimitedError{Op: op}
	case resp.Status >= 500:
		return nil, &TransientError{Op: op, Err: fmt.Errorf("status %d", resp.Status)}
	case resp.Status >= 300 && resp.Status < 400:
		return nil, &AuthError{Op: op, Reason: fmt.Sprintf("redirected (%d), session expired", resp.Status)}
	case resp.Status == http.StatusUnauthorized || resp.Status == http.StatusForbidden:
		if proxy.IsChallenge(body) {
			return nil, s.blocked(op)
		}
		return nil, &AuthError{Op: op, Reason: fmt.Sprintf("status %d: %s", resp.Status, truncate(body, 120))}
	}

	var me meResponse
	if err := json.Unmarshal(resp.Body, &me); err != nil {
		switch {
		case isRateLimitBody(body):
			return nil, &RateLimitedError{Op: op}
		case proxy.IsChallenge(body):
			return nil, s.blocked(op)
		default:
			return nil, &AuthError{Op: op, Reason: "unreadable /me response, cookies are probably invalid"}
		}
	}
	if me.Error != "" {
		return nil, &AuthError{Op: op, Reason: me.Error}
	}
	if me.ID == 0 || me.Name == "" {
		return nil, &UnexpectedResponseError{Op: op, Status: resp.Status, Body: truncate(body, 200)}
	}

	s.User = me.UserInfo
	s.log = util.NewLogger("(" + s.User.Label() + ")")
	if cache := s.client.cfg.Charges; cache != nil {
		regen := time.Duration(me.Charges.CooldownMs) * time.Millisecond
		cache.Mark(me.ID, me.Charges.Count, me.Charges.Max, regen, s.client.cfg.Now())
	}
	return &s.User, nil
}

// LoadTiles returns the tiles covering a template, reusing a snapshot
// younger than the tile cache TTL unless force is set.
func (s *Session) LoadTiles(ctx context.Context, a models.Anchor, width, height int, force bool) *canvas.Snapshot {
	c := s.client
	key := tileCacheKey{anchor: a, width: width, height: height}
	now := c.cfg.Now()
	if !force {
		c.tileMu.Lock()
		snap, ok := c.tiles[key]
		c.tileMu.Unlock()
		if ok && snap.Fresh(now, constants.TileCacheTTL) {
			return snap
		}
	}

	loader := &canvas.Loader{
		HTTP:        s.http,
		BaseURL:     c.cfg.BaseURL,
		Concurrency: c.cfg.Settings().ParallelWorkers,
		Now:         c.cfg.Now,
	}
	if c.cfg.Limiter != nil {
		loader.Wait = c.cfg.Limiter.Wait
	}
	snap := loader.Load(ctx, a, width, height)
	c.tileMu.Lock()
	c.tiles[key] = snap
	c.tileMu.Unlock()
	return snap
}

// ForgetTiles drops the cached snapshot for a template.
func (c *Client) ForgetTiles(a models.Anchor, width, height int) {
	c.tileMu.Lock()
	delete(c.tiles, tileCacheKey{anchor: a, width: width, height: height})
	c.tileMu.Unlock()
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// errorBody is the common JSON error envelope.
type errorBody struct {
	Error string `json:"error"`
}

func decodeError(body []byte) string {
	var e errorBody
	if err := json.Unmarshal(body, &e); err != nil {
		return ""
	}
	return e.Error
}

func isAuthMessage(msg string) bool {
	return strings.EqualFold(msg, "Unauthorized") || strings.Contains(strings.ToLower(msg), "auth")
}
