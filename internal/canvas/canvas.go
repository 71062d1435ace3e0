// Package canvas fetches remote tiles and decodes them into palette-index
// grids.
package canvas

import (
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/png"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/remeh/sizedwaitgroup"

	constants "canvasfleet/internal/constants"
	models "canvasfleet/internal/models"
	palette "canvasfleet/internal/palette"
	util "canvasfleet/internal/util"
)

type TileKey struct {
	X int
	Y int
}

func (k TileKey) String() string { return fmt.Sprintf("%d,%d", k.X, k.Y) }

// Tile is a row-major grid of palette ids.
type Tile struct {
	Width  int
	Height int
	Pixels []uint8
}

func (t *Tile) At(x, y int) (int, bool) {
	if x < 0 || y < 0 || x >= t.Width || y >= t.Height {
		return 0, false
	}
	return int(t.Pixels[y*t.Width+x]), true
}

func (t *Tile) Set(x, y, id int) {
	if x < 0 || y < 0 || x >= t.Width || y >= t.Height {
		return
	}
	t.Pixels[y*t.Width+x] = uint8(id)
}

// Snapshot is the set of tiles covering one template. Missing tiles failed
// to load and are reported as unknown.
type Snapshot struct {
	mu        sync.RWMutex
	tiles     map[TileKey]*Tile
	FetchedAt time.Time
}

func NewSnapshot(fetchedAt time.Time) *Snapshot {
	return &Snapshot{tiles: make(map[TileKey]*Tile), FetchedAt: fetchedAt}
}

func (s *Snapshot) Put(k TileKey, t *Tile) {
	s.mu.Lock()
	s.tiles[k] = t
	s.mu.Unlock()
}

func (s *Snapshot) Has(k TileKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tiles[k]
	return ok
}

func (s *Snapshot) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tiles)
}

// At returns the palette id at a tile-local pixel, false when the tile is
// absent.
func (s *Snapshot) At(tileX, tileY, px, py int) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tiles[TileKey{tileX, tileY}]
	if !ok {
		return 0, false
	}
	return t.At(px, py)
}

// Set records a painted pixel so later passes see it.
func (s *Snapshot) Set(tileX, tileY, px, py, id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tiles[TileKey{tileX, tileY}]; ok {
		t.Set(px, py, id)
	}
}

// Fresh reports whether the snapshot is younger than ttl.
func (s *Snapshot) Fresh(now time.Time, ttl time.Duration) bool {
	return s != nil && now.Sub(s.FetchedAt) < ttl
}

// Locate maps a template-local cell to its tile and tile-local pixel.
func Locate(a models.Anchor, x, y int) (tileX, tileY, px, py int) {
	gx := a.OffsetX + x
	gy := a.OffsetY + y
	return a.TileX + floorDiv(gx, constants.TileSize), a.TileY + floorDiv(gy, constants.TileSize),
		floorMod(gx, constants.TileSize), floorMod(gy, constants.TileSize)
}

// CoveringTiles lists every tile touched by a width x height template.
func CoveringTiles(a models.Anchor, width, height int) []TileKey {
	if width <= 0 || height <= 0 {
		return nil
	}
	x0, y0, _, _ := Locate(a, 0, 0)
	x1, y1, _, _ := Locate(a, width-1, height-1)
	keys := make([]TileKey, 0, (x1-x0+1)*(y1-y0+1))
	for ty := y0; ty <= y1; ty++ {
		for tx := x0; tx <= x1; tx++ {
			keys = append(keys, TileKey{tx, ty})
		}
	}
	return keys
}

// Doer is satisfied by *http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Loader struct {
	HTTP        Doer
	BaseURL     string
	Concurrency int
	Now         func() time.Time
	// Wait is called before each fetch, typically a shared rate limiter.
	Wait func(ctx context.Context) error
}

// Load fetches every covering tile concurrently. Failed tiles are logged and
// left out of the snapshot.
func (l *Loader) Load(ctx context.Context, a models.Anchor, width, height int) *Snapshot {
	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	snap := NewSnapshot(now())
	limit := l.Concurrency
	if limit <= 0 {
		limit = 4
	}

	swg := sizedwaitgroup.New(limit)
	for _, key := range CoveringTiles(a, width, height) {
		if ctx.Err() != nil {
			break
		}
		swg.Add()
		go func(k TileKey) {
			defer swg.Done()
			tile, err := l.fetch(ctx, k)
			if err != nil {
				util.LogWarn("tile %s unavailable: %v", k, err)
				return
			}
			snap.Put(k, tile)
		}(key)
	}
	swg.Wait()
	return snap
}

func (l *Loader) fetch(ctx context.Context, k TileKey) (*Tile, error) {
	if l.Wait != nil {
		if err := l.Wait(ctx); err != nil {
			return nil, err
		}
	}
	url := fmt.Sprintf("%s/files/s0/tiles/%d/%d.png?t=%d", l.BaseURL, k.X, k.Y, time.Now().UnixMilli())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "image/png,image/*;q=0.8")
	resp, err := l.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		// Never painted: an all-empty tile.
		return blankTile(), nil
	}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return DecodeTile(resp.Body)
}

func blankTile() *Tile {
	return &Tile{
		Width:  constants.TileSize,
		Height: constants.TileSize,
		Pixels: make([]uint8, constants.TileSize*constants.TileSize),
	}
}

// DecodeTile converts an image into palette ids. Only fully opaque pixels
// with an exact palette RGB map to a color; everything else is 0.
func DecodeTile(r io.Reader) (*Tile, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode tile: %w", err)
	}
	b := img.Bounds()
	t := &Tile{Width: b.Dx(), Height: b.Dy(), Pixels: make([]uint8, b.Dx()*b.Dy())}

	if nrgba, ok := img.(*image.NRGBA); ok {
		for y := 0; y < t.Height; y++ {
			row := nrgba.Pix[nrgba.PixOffset(b.Min.X, b.Min.Y+y):]
			for x := 0; x < t.Width; x++ {
				p := row[x*4 : x*4+4]
				if p[3] == 255 {
					t.Pixels[y*t.Width+x] = uint8(palette.Lookup(p[0], p[1], p[2]))
				}
			}
		}
		return t, nil
	}

	for y := 0; y < t.Height; y++ {
		for x := 0; x < t.Width; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			if c.A == 255 {
				t.Pixels[y*t.Width+x] = uint8(palette.Lookup(c.R, c.G, c.B))
			}
		}
	}
	return t, nil
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func floorMod(a, b int) int {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
