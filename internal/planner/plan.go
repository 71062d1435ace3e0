package planner

import (
	canvas "canvasfleet/internal/canvas"
	models "canvasfleet/internal/models"
)

// Batch is one remote paint call: parallel colors and flat x,y coords on a
// single tile.
type Batch struct {
	TileX  int
	TileY  int
	Colors []int
	Coords []int
	Pixels []Pixel
}

func (b Batch) Len() int { return len(b.Colors) }

// Request is everything needed to plan one paint pass.
type Request struct {
	Template         models.Template
	Anchor           models.Anchor
	Snapshot         *canvas.Snapshot
	Policy           models.Policy
	Owns             Owns
	Method           Method
	Charges          int
	MaxPixelsPerPass int
}

// Limit is the usable pixel count for a pass.
func Limit(charges, maxPerPass int) int {
	limit := max(0, charges)
	if maxPerPass > 0 {
		limit = min(limit, maxPerPass)
	}
	return limit
}

// Plan diffs, filters, orders and truncates, then groups the result by tile.
func (o *Orderer) Plan(req Request) []Batch {
	limit := Limit(req.Charges, req.MaxPixelsPerPass)
	if limit == 0 {
		return nil
	}
	pixels := Mismatches(req.Template, req.Anchor, req.Snapshot, req.Policy, req.Owns)
	if req.Policy.OutlineMode {
		pixels = FilterOutline(pixels)
	}
	if len(pixels) == 0 {
		return nil
	}
	ordered := o.Order(req.Method, pixels)
	if len(ordered) > limit {
		ordered = ordered[:limit]
	}
	return GroupByTile(ordered)
}

// GroupByTile splits pixels into per-tile batches, keeping the order in
// which tiles first appear and the pixel order within each tile.
func GroupByTile(pixels []Pixel) []Batch {
	index := make(map[canvas.TileKey]int)
	var batches []Batch
	for _, p := range pixels {
		key := canvas.TileKey{X: p.TileX, Y: p.TileY}
		i, ok := index[key]
		if !ok {
			i = len(batches)
			index[key] = i
			batches = append(batches, Batch{TileX: p.TileX, TileY: p.TileY})
		}
		b := &batches[i]
		b.Colors = append(b.Colors, p.Color)
		b.Coords = append(b.Coords, p.PX, p.PY)
		b.Pixels = append(b.Pixels, p)
	}
	return batches
}
