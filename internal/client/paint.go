package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	canvas "canvasfleet/internal/canvas"
	constants "canvasfleet/internal/constants"
	models "canvasfleet/internal/models"
	planner "canvasfleet/internal/planner"
	proxy "canvasfleet/internal/proxy"
	token "canvasfleet/internal/token"
	util "canvasfleet/internal/util"
)

// permanentSuspension stands in for a suspension without an end.
const permanentSuspension = 100 * 365 * 24 * time.Hour

type PaintRequest struct {
	Template         models.Template
	Anchor           models.Anchor
	Policy           models.Policy
	Method           planner.Method
	Orderer          *planner.Orderer
	MaxPixelsPerPass int
	ForceTiles       bool
}

// Plan is a planned pass. Batches already sent are skipped when a plan is
// executed again after a token rejection.
type Plan struct {
	Snapshot *canvas.Snapshot
	Batches  []planner.Batch
	next     int
}

func (p *Plan) Remaining() []planner.Batch { return p.Batches[p.next:] }

func (p *Plan) Done() bool { return p.next >= len(p.Batches) }

func (p *Plan) Size() int {
	n := 0
	for _, b := range p.Batches {
		n += b.Len()
	}
	return n
}

type PaintResult struct {
	Painted int
	Pixels  []planner.Pixel
}

// Charges is the usable charge count: the cache prediction when present,
// otherwise the last /me reading.
func (s *Session) Charges() int {
	if cache := s.client.cfg.Charges; cache != nil {
		if p, ok := cache.Predict(s.User.ID, s.client.cfg.Now()); ok {
			return p.Count
		}
	}
	return int(math.Floor(s.User.Charges.Count))
}

// Plan loads tiles and plans one pass with the session's charges and
// owned colors.
func (s *Session) Plan(ctx context.Context, req PaintRequest) *Plan {
	t := req.Template
	snap := s.LoadTiles(ctx, req.Anchor, t.Width, t.Height, req.ForceTiles)
	batches := req.Orderer.Plan(planner.Request{
		Template:         t,
		Anchor:           req.Anchor,
		Snapshot:         snap,
		Policy:           req.Policy,
		Owns:             planner.OwnedBy(s.User.ExtraColorsBitmap),
		Method:           req.Method,
		Charges:          s.Charges(),
		MaxPixelsPerPass: req.MaxPixelsPerPass,
	})
	return &Plan{Snapshot: snap, Batches: batches}
}

// Paint plans and executes one pass with tok.
func (s *Session) Paint(ctx context.Context, req PaintRequest, tok string) (*Plan, PaintResult, error) {
	plan := s.Plan(ctx, req)
	res, err := s.Execute(ctx, plan, tok)
	return plan, res, err
}

// Execute sends the plan's remaining batches. It stops at the first error
// and returns what was painted before it; on ErrTokenRejected the rejected
// batch stays pending so the caller can retry with a fresh token.
func (s *Session) Execute(ctx context.Context, plan *Plan, tok string) (PaintResult, error) {
	var res PaintResult
	defer func() { s.consume(res.Painted) }()

	for !plan.Done() {
		b := plan.Batches[plan.next]
		n, err := s.executeBatch(ctx, b, tok)
		if err != nil {
			return res, err
		}
		plan.next++
		for _, p := range b.Pixels {
			plan.Snapshot.Set(p.TileX, p.TileY, p.PX, p.PY, p.Color)
		}
		res.Painted += n
		res.Pixels = append(res.Pixels, b.Pixels...)
		s.log.Info("Painted %s px at %d,%d", util.FormatCount(n), b.TileX, b.TileY)
	}
	return res, nil
}

func (s *Session) consume(n int) {
	if n <= 0 {
		return
	}
	s.User.Charges.Count = math.Max(0, s.User.Charges.Count-float64(n))
	if cache := s.client.cfg.Charges; cache != nil {
		cache.Consume(s.User.ID, n, s.client.cfg.Now())
	}
}

type paintBody struct {
	Colors []int  `json:"colors"`
	Coords []int  `json:"coords"`
	T      string `json:"t"`
	Fp     string `json:"fp,omitempty"`
}

type paintResponse struct {
	Painted    int             `json:"painted"`
	Error      string          `json:"error"`
	Suspension json.RawMessage `json:"suspension"`
	DurationMs int64           `json:"durationMs"`
}

func (r paintResponse) suspended() bool {
	v := bytes.TrimSpace(r.Suspension)
	return len(v) > 0 && !bytes.Equal(v, []byte("false")) && !bytes.Equal(v, []byte("null"))
}

func (s *Session) executeBatch(ctx context.Context, b planner.Batch, tok string) (int, error) {
	if b.Len() == 0 {
		return 0, nil
	}
	op := fmt.Sprintf("paint %d,%d", b.TileX, b.TileY)
	var companions token.Companions
	if q := s.client.cfg.Tokens; q != nil {
		companions = q.Companions()
	}
	body := paintBody{Colors: b.Colors, Coords: b.Coords, T: tok, Fp: companions.Fingerprint}
	header := http.Header{}
	header.Set("Content-Type", "text/plain;charset=UTF-8")
	if companions.Pawtect != "" {
		header.Set("x-pawtect-token", companions.Pawtect)
	}
	url := fmt.Sprintf("%s/s0/pixel/%d/%d", s.client.cfg.BaseURL, b.TileX, b.TileY)

	for attempt := 0; ; attempt++ {
		resp, err := s.do(ctx, op, http.MethodPost, url, body, header)
		if err != nil {
			return 0, err
		}
		n, err := s.classifyPaint(op, resp, b.Len())
		if !errors.Is(err, errServerError) {
			return n, err
		}
		if attempt >= constants.ServerErrorRetries {
			return 0, &TransientError{Op: op, Err: fmt.Errorf("server error persisted after %d retries", attempt)}
		}
		pause := s.client.cfg.ServerErrorPause
		s.log.Warn("Server error (500) on %s, retrying in %s", op, util.FormatWait(pause))
		if err := sleep(ctx, pause); err != nil {
			return 0, err
		}
	}
}

var errServerError = errors.New("server error")

func (s *Session) classifyPaint(op string, resp response, want int) (int, error) {
	var pr paintResponse
	jsonErr := json.Unmarshal(resp.Body, &pr)
	body := resp.text()

	if resp.Status == http.StatusOK && jsonErr == nil && pr.Painted == want {
		return want, nil
	}
	if jsonErr != nil && proxy.IsChallenge(body) {
		return 0, s.blocked(op)
	}

	switch resp.Status {
	case http.StatusUnauthorized:
		return 0, &AuthError{Op: op, Reason: orDefault(pr.Error, "unauthorized")}
	case http.StatusForbidden:
		if pr.Error == "refresh" {
			return 0, ErrTokenRejected
		}
		if isAuthMessage(pr.Error) {
			return 0, &AuthError{Op: op, Reason: pr.Error}
		}
	case http.StatusUnavailableForLegalReasons:
		if pr.suspended() {
			now := s.client.cfg.Now()
			if pr.DurationMs <= 0 {
				return 0, &SuspendedError{Until: now.Add(permanentSuspension), Permanent: true}
			}
			return 0, &SuspendedError{Until: now.Add(time.Duration(pr.DurationMs) * time.Millisecond)}
		}
	case http.StatusInternalServerError:
		return 0, errServerError
	case http.StatusTooManyRequests:
		return 0, &RateLimitedError{Op: op}
	}
	if isRateLimitBody(pr.Error) || (jsonErr != nil && isRateLimitBody(body)) {
		return 0, &RateLimitedError{Op: op}
	}
	return 0, &UnexpectedResponseError{Op: op, Status: resp.Status, Body: truncate(body, 200)}
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
