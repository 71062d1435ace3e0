// Package planner diffs a template against a canvas snapshot and orders the
// resulting pixels for painting.
package planner

import (
	"sort"

	"github.com/samber/lo"

	canvas "canvasfleet/internal/canvas"
	models "canvasfleet/internal/models"
	palette "canvasfleet/internal/palette"
)

// Pixel is one cell that needs painting. X/Y are template-local; the tile
// fields address the remote canvas.
type Pixel struct {
	X     int
	Y     int
	TileX int
	TileY int
	PX    int
	PY    int
	Color int
	Edge  bool
}

func (p Pixel) Point() models.Point { return models.Point{X: p.X, Y: p.Y} }

// Owns reports whether a color may be painted. nil means every color.
type Owns func(color int) bool

// OwnedBy returns an Owns predicate for a premium color bitmap.
func OwnedBy(bitmap uint64) Owns {
	return func(color int) bool { return palette.Owns(bitmap, color) }
}

// Mismatches walks the template in raster order (y outer, x inner) and
// returns every cell whose canvas pixel must change under pol. Cells over
// tiles missing from snap are skipped.
func Mismatches(t models.Template, a models.Anchor, snap *canvas.Snapshot, pol models.Policy, owns Owns) []Pixel {
	var out []Pixel
	for y := 0; y < t.Height; y++ {
		for x := 0; x < t.Width; x++ {
			tx, ty, px, py := canvas.Locate(a, x, y)
			current, ok := snap.At(tx, ty, px, py)
			if !ok {
				continue
			}
			color, want := classify(t.Data[x][y], current, pol)
			if !want {
				continue
			}
			if owns != nil && !owns(color) {
				continue
			}
			out = append(out, Pixel{
				X: x, Y: y,
				TileX: tx, TileY: ty, PX: px, PY: py,
				Color: color,
				Edge:  IsEdge(t, x, y),
			})
		}
	}
	return out
}

func classify(value, current int, pol models.Policy) (int, bool) {
	switch {
	case value == palette.EraseMarker:
		return palette.Transparent, current != palette.Transparent
	case value == palette.Transparent:
		if current == palette.Transparent {
			return 0, false
		}
		if pol.EraseMode {
			return palette.Transparent, true
		}
		return palette.Transparent, pol.PaintTransparentPixels && !pol.SkipPaintedPixels
	case pol.SkipPaintedPixels:
		return value, current == palette.Transparent
	default:
		return value, current != value
	}
}

// IsEdge reports whether any 4-neighbor is transparent or outside the grid.
func IsEdge(t models.Template, x, y int) bool {
	for _, d := range directions {
		nx, ny := x+d[0], y+d[1]
		if !t.InBounds(nx, ny) || t.Data[nx][ny] == palette.Transparent {
			return true
		}
	}
	return false
}

// FilterOutline keeps only edge pixels, unless there are none.
func FilterOutline(pixels []Pixel) []Pixel {
	edges := lo.Filter(pixels, func(p Pixel, _ int) bool { return p.Edge })
	if len(edges) == 0 {
		return pixels
	}
	return edges
}

// Summary counts remaining work ignoring color ownership.
type Summary struct {
	Total         int   `json:"total"`
	Basic         int   `json:"basic"`
	Premium       int   `json:"premium"`
	PremiumColors []int `json:"premiumColors"`
}

func Summarize(t models.Template, a models.Anchor, snap *canvas.Snapshot, pol models.Policy) Summary {
	pixels := Mismatches(t, a, snap, pol, nil)
	premium := lo.Filter(pixels, func(p Pixel, _ int) bool { return palette.IsPremium(p.Color) })
	colors := lo.Uniq(lo.Map(premium, func(p Pixel, _ int) int { return p.Color }))
	sort.Ints(colors)
	return Summary{
		Total:         len(pixels),
		Basic:         len(pixels) - len(premium),
		Premium:       len(premium),
		PremiumColors: colors,
	}
}

// Diagnosis explains a pass that painted nothing.
type Diagnosis struct {
	Raw     int // differences ignoring skip and ownership
	Policy  int // after the skip policy
	Ownable int // after ownership
}

func Diagnose(t models.Template, a models.Anchor, snap *canvas.Snapshot, pol models.Policy, owns Owns) Diagnosis {
	raw := pol
	raw.SkipPaintedPixels = false
	return Diagnosis{
		Raw:     len(Mismatches(t, a, snap, raw, nil)),
		Policy:  len(Mismatches(t, a, snap, pol, nil)),
		Ownable: len(Mismatches(t, a, snap, pol, owns)),
	}
}
