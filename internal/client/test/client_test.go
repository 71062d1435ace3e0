package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	charge "canvasfleet/internal/charge"
	client "canvasfleet/internal/client"
	models "canvasfleet/internal/models"
	planner "canvasfleet/internal/planner"
	token "canvasfleet/internal/token"
)

var fixedNow = time.Unix(1_700_000_000, 0)

type fakeRemote struct {
	mu         sync.Mutex
	me         func(w http.ResponseWriter, r *http.Request)
	paint      func(w http.ResponseWriter, r *http.Request, n int)
	purchase   func(w http.ResponseWriter, r *http.Request)
	paintCalls int
	bodies     []map[string]any
	headers    []http.Header
}

func (f *fakeRemote) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/me":
		f.me(w, r)
	case strings.HasPrefix(r.URL.Path, "/files/s0/tiles/"):
		http.NotFound(w, r)
	case strings.HasPrefix(r.URL.Path, "/s0/pixel/"):
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		f.mu.Lock()
		f.paintCalls++
		n := f.paintCalls
		f.bodies = append(f.bodies, body)
		f.headers = append(f.headers, r.Header.Clone())
		f.mu.Unlock()
		f.paint(w, r, n)
	case r.URL.Path == "/purchase":
		f.purchase(w, r)
	default:
		http.NotFound(w, r)
	}
}

func meOK(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"id":42,"name":"alice","droplets":1200,"extraColorsBitmap":0,"charges":{"count":10.6,"max":20,"cooldownMs":30000}}`)
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func newClient(t *testing.T, remote *fakeRemote) (*client.Client, *charge.Cache, *token.Queue) {
	t.Helper()
	srv := httptest.NewServer(remote)
	t.Cleanup(srv.Close)
	cache := charge.NewCache(30*time.Second, 8*time.Minute)
	tokens := token.NewQueue(time.Minute, nil)
	c := client.New(client.Config{
		BaseURL:          srv.URL,
		SiteURL:          srv.URL,
		Timeout:          5 * time.Second,
		Charges:          cache,
		Tokens:           tokens,
		ServerErrorPause: time.Millisecond,
		Now:              func() time.Time { return fixedNow },
	})
	return c, cache, tokens
}

var account = models.Account{ID: 42, Name: "alice", Cookies: map[string]string{"j": "cookie-value"}}

func TestLoginMarksChargeCache(t *testing.T) {
	var gotCookie string
	remote := &fakeRemote{me: func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("j"); err == nil {
			gotCookie = c.Value
		}
		meOK(w, r)
	}}
	c, cache, _ := newClient(t, remote)

	s, err := c.Login(context.Background(), account)
	if err != nil {
		t.Fatalf("Login error: %v", err)
	}
	if gotCookie != "cookie-value" {
		t.Errorf("credential cookie not sent, got %q", gotCookie)
	}
	if s.User.Name != "alice" || s.User.Droplets != 1200 {
		t.Errorf("User = %+v", s.User)
	}
	p, ok := cache.Predict(42, fixedNow)
	if !ok || p.Count != 10 || p.Max != 20 {
		t.Errorf("cache prediction = %+v ok=%v", p, ok)
	}
}

func TestSessionCloseDropsIdleConnections(t *testing.T) {
	var mu sync.Mutex
	states := map[net.Conn]http.ConnState{}
	srv := httptest.NewUnstartedServer(&fakeRemote{me: meOK})
	srv.Config.ConnState = func(c net.Conn, st http.ConnState) {
		mu.Lock()
		states[c] = st
		mu.Unlock()
	}
	srv.Start()
	defer srv.Close()
	count := func(want http.ConnState) int {
		mu.Lock()
		defer mu.Unlock()
		n := 0
		for _, st := range states {
			if st == want {
				n++
			}
		}
		return n
	}
	waitState := func(want http.ConnState) bool {
		deadline := time.Now().Add(2 * time.Second)
		for count(want) == 0 {
			if time.Now().After(deadline) {
				return false
			}
			time.Sleep(5 * time.Millisecond)
		}
		return true
	}

	c := client.New(client.Config{BaseURL: srv.URL, SiteURL: srv.URL, Timeout: 5 * time.Second})
	s, err := c.Login(context.Background(), account)
	if err != nil {
		t.Fatalf("Login error: %v", err)
	}
	if !waitState(http.StateIdle) {
		t.Fatalf("connection never went idle")
	}
	s.Close()
	if !waitState(http.StateClosed) {
		t.Errorf("idle connection still open after Close")
	}
}

func TestLoginClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"rate limited", 429, `{}`, func(err error) bool { var e *client.RateLimitedError; return errors.As(err, &e) && client.IsTransient(err) }},
		{"bad gateway", 502, `bad gateway`, func(err error) bool { var e *client.TransientError; return errors.As(err, &e) }},
		{"redirect", 302, ``, func(err error) bool { var e *client.AuthError; return errors.As(err, &e) }},
		{"unauthorized", 401, `{"error":"Unauthorized"}`, func(err error) bool { var e *client.AuthError; return errors.As(err, &e) }},
		{"challenge", 403, `<html><title>Just a moment...</title></html>`, func(err error) bool { var e *client.BlockedError; return errors.As(err, &e) }},
		{"json error", 200, `{"error":"banned cookie"}`, func(err error) bool { var e *client.AuthError; return errors.As(err, &e) }},
		{"1015 page", 200, `error code: 1015`, func(err error) bool { var e *client.RateLimitedError; return errors.As(err, &e) }},
		{"garbage", 200, `<p>hello</p>`, func(err error) bool { var e *client.AuthError; return errors.As(err, &e) && !client.IsTransient(err) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			remote := &fakeRemote{me: func(w http.ResponseWriter, r *http.Request) {
				if tc.status == 302 {
					http.Redirect(w, r, "/login", http.StatusFound)
					return
				}
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			}}
			c, _, _ := newClient(t, remote)
			_, err := c.Login(context.Background(), account)
			if err == nil || !tc.check(err) {
				t.Errorf("Login error = %v (%T)", err, err)
			}
		})
	}
}

func paintRequest() client.PaintRequest {
	tpl := models.TemplateFromRows([][]int{{1, 2, 3}})
	return client.PaintRequest{
		Template: tpl,
		Method:   planner.MethodLinear,
		Orderer:  planner.NewOrderer(rand.New(rand.NewSource(1)), tpl, 2, nil),
	}
}

func TestPaintSuccess(t *testing.T) {
	remote := &fakeRemote{
		me: meOK,
		paint: func(w http.ResponseWriter, r *http.Request, _ int) {
			writeJSON(w, 200, `{"painted":3}`)
		},
	}
	c, cache, tokens := newClient(t, remote)
	tokens.SetCompanions("paw-1", "fp-1")
	s, err := c.Login(context.Background(), account)
	if err != nil {
		t.Fatalf("Login error: %v", err)
	}

	plan, res, err := s.Paint(context.Background(), paintRequest(), "tok-1")
	if err != nil {
		t.Fatalf("Paint error: %v", err)
	}
	if res.Painted != 3 || !plan.Done() {
		t.Errorf("Painted = %d, done = %v", res.Painted, plan.Done())
	}
	if p, _ := cache.Predict(42, fixedNow); p.Count != 7 {
		t.Errorf("cache after paint = %d, want 7", p.Count)
	}
	if got, _ := plan.Snapshot.At(0, 0, 2, 0); got != 3 {
		t.Errorf("snapshot not updated, pixel = %d", got)
	}

	h := remote.headers[0]
	if h.Get("x-pawtect-token") != "paw-1" || !strings.HasPrefix(h.Get("Content-Type"), "text/plain") {
		t.Errorf("paint headers = %v", h)
	}
	body := remote.bodies[0]
	if body["t"] != "tok-1" || body["fp"] != "fp-1" {
		t.Errorf("paint body = %v", body)
	}
	coords, _ := body["coords"].([]any)
	if len(coords) != 6 {
		t.Errorf("coords = %v, want 3 x,y pairs", coords)
	}
}

func TestPaintRespectsCharges(t *testing.T) {
	remote := &fakeRemote{
		me: func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, 200, `{"id":42,"name":"alice","charges":{"count":2,"max":20}}`)
		},
		paint: func(w http.ResponseWriter, r *http.Request, _ int) {
			writeJSON(w, 200, `{"painted":2}`)
		},
	}
	c, _, _ := newClient(t, remote)
	s, err := c.Login(context.Background(), account)
	if err != nil {
		t.Fatalf("Login error: %v", err)
	}
	_, res, err := s.Paint(context.Background(), paintRequest(), "tok")
	if err != nil || res.Painted != 2 {
		t.Errorf("Paint = %d, %v; want 2 limited by charges", res.Painted, err)
	}
}

func TestTokenRejectedKeepsBatchPending(t *testing.T) {
	remote := &fakeRemote{
		me: meOK,
		paint: func(w http.ResponseWriter, r *http.Request, n int) {
			if n == 1 {
				writeJSON(w, 403, `{"error":"refresh"}`)
				return
			}
			writeJSON(w, 200, `{"painted":3}`)
		},
	}
	c, _, _ := newClient(t, remote)
	s, _ := c.Login(context.Background(), account)

	plan, res, err := s.Paint(context.Background(), paintRequest(), "stale")
	if !errors.Is(err, client.ErrTokenRejected) {
		t.Fatalf("Paint err = %v, want ErrTokenRejected", err)
	}
	if res.Painted != 0 || plan.Done() || len(plan.Remaining()) != 1 {
		t.Fatalf("rejected batch should stay pending: %+v", plan.Remaining())
	}

	res, err = s.Execute(context.Background(), plan, "fresh")
	if err != nil || res.Painted != 3 {
		t.Fatalf("Execute = %d, %v", res.Painted, err)
	}
	if remote.bodies[1]["t"] != "fresh" {
		t.Errorf("retry used token %v", remote.bodies[1]["t"])
	}
	first, _ := json.Marshal(remote.bodies[0]["coords"])
	second, _ := json.Marshal(remote.bodies[1]["coords"])
	if string(first) != string(second) {
		t.Errorf("retry changed the batch: %s vs %s", first, second)
	}
}

func TestServerErrorRetriesThenTransient(t *testing.T) {
	remote := &fakeRemote{
		me: meOK,
		paint: func(w http.ResponseWriter, r *http.Request, _ int) {
			writeJSON(w, 500, `{}`)
		},
	}
	c, _, _ := newClient(t, remote)
	s, _ := c.Login(context.Background(), account)
	_, res, err := s.Paint(context.Background(), paintRequest(), "tok")
	var te *client.TransientError
	if !errors.As(err, &te) || res.Painted != 0 {
		t.Errorf("Paint = %d, %v; want transient", res.Painted, err)
	}
	if remote.paintCalls != 3 {
		t.Errorf("paint calls = %d, want 1 + 2 retries", remote.paintCalls)
	}
}

func TestPaintClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"unauthorized", 401, `{"error":"Unauthorized"}`, func(err error) bool { var e *client.AuthError; return errors.As(err, &e) }},
		{"forbidden auth", 403, `{"error":"Unauthorized"}`, func(err error) bool { var e *client.AuthError; return errors.As(err, &e) }},
		{"too many", 429, `{}`, func(err error) bool { var e *client.RateLimitedError; return errors.As(err, &e) }},
		{"1015 json", 400, `{"error":"Error 1015"}`, func(err error) bool { var e *client.RateLimitedError; return errors.As(err, &e) }},
		{"challenge", 403, `<title>Attention Required! | Cloudflare</title>`, func(err error) bool { var e *client.BlockedError; return errors.As(err, &e) }},
		{"short paint", 200, `{"painted":1}`, func(err error) bool {
			var e *client.UnexpectedResponseError
			return errors.As(err, &e) && e.Status == 200
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			remote := &fakeRemote{
				me: meOK,
				paint: func(w http.ResponseWriter, r *http.Request, _ int) {
					w.WriteHeader(tc.status)
					_, _ = io.WriteString(w, tc.body)
				},
			}
			c, _, _ := newClient(t, remote)
			s, _ := c.Login(context.Background(), account)
			_, _, err := s.Paint(context.Background(), paintRequest(), "tok")
			if err == nil || !tc.check(err) {
				t.Errorf("Paint error = %v (%T)", err, err)
			}
		})
	}
}

func TestSuspension(t *testing.T) {
	remote := &fakeRemote{
		me: meOK,
		paint: func(w http.ResponseWriter, r *http.Request, _ int) {
			writeJSON(w, 451, `{"suspension":"botting","durationMs":3600000}`)
		},
	}
	c, _, _ := newClient(t, remote)
	s, _ := c.Login(context.Background(), account)
	_, _, err := s.Paint(context.Background(), paintRequest(), "tok")
	var se *client.SuspendedError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want SuspendedError", err)
	}
	if !se.Until.Equal(fixedNow.Add(time.Hour)) || se.Permanent {
		t.Errorf("suspension = %+v", se)
	}
}

func TestBuyProduct(t *testing.T) {
	var lastBody map[string]any
	status := 200
	reply := `{"success":true}`
	remote := &fakeRemote{
		me: meOK,
		purchase: func(w http.ResponseWriter, r *http.Request) {
			raw, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(raw, &lastBody)
			writeJSON(w, status, reply)
		},
	}
	c, _, _ := newClient(t, remote)
	s, _ := c.Login(context.Background(), account)

	if err := s.BuyProduct(context.Background(), 80, 2, 0); err != nil {
		t.Fatalf("BuyProduct error: %v", err)
	}
	product, _ := lastBody["product"].(map[string]any)
	if product["id"] != float64(80) || product["amount"] != float64(2) {
		t.Errorf("purchase body = %v", lastBody)
	}
	if _, ok := product["variant"]; ok {
		t.Errorf("variant should be omitted for charge packs")
	}

	if err := s.BuyProduct(context.Background(), 100, 1, 40); err != nil {
		t.Fatalf("color purchase error: %v", err)
	}
	if product, _ := lastBody["product"].(map[string]any); product["variant"] != float64(40) {
		t.Errorf("color purchase body = %v", lastBody)
	}

	status, reply = 403, `{"error":"Forbidden"}`
	if err := s.BuyProduct(context.Background(), 80, 1, 0); !errors.Is(err, client.ErrInsufficientFunds) {
		t.Errorf("403 err = %v", err)
	}
	status, reply = 409, `{"error":"Conflict"}`
	if err := s.BuyProduct(context.Background(), 100, 1, 40); !errors.Is(err, client.ErrAlreadyOwned) {
		t.Errorf("409 err = %v", err)
	}
	status, reply = 200, `{"success":false}`
	var ue *client.UnexpectedResponseError
	if err := s.BuyProduct(context.Background(), 80, 1, 0); !errors.As(err, &ue) {
		t.Errorf("unsuccessful purchase err = %v", err)
	}
}
