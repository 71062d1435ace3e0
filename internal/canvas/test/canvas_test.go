package main

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	canvas "canvasfleet/internal/canvas"
	models "canvasfleet/internal/models"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return buf.Bytes()
}

func TestLocate(t *testing.T) {
	a := models.Anchor{TileX: 10, TileY: 20, OffsetX: 998, OffsetY: 5}
	cases := []struct {
		x, y           int
		tx, ty, px, py int
	}{
		{0, 0, 10, 20, 998, 5},
		{1, 0, 10, 20, 999, 5},
		{2, 0, 11, 20, 0, 5},
		{3, 995, 11, 21, 1, 0},
	}
	for _, c := range cases {
		tx, ty, px, py := canvas.Locate(a, c.x, c.y)
		if tx != c.tx || ty != c.ty || px != c.px || py != c.py {
			t.Errorf("Locate(%d,%d) = (%d,%d,%d,%d), want (%d,%d,%d,%d)",
				c.x, c.y, tx, ty, px, py, c.tx, c.ty, c.px, c.py)
		}
	}
}

func TestCoveringTiles(t *testing.T) {
	a := models.Anchor{TileX: 1, TileY: 1, OffsetX: 990, OffsetY: 0}
	keys := canvas.CoveringTiles(a, 20, 10)
	if len(keys) != 2 {
		t.Fatalf("CoveringTiles = %v, want 2 tiles", keys)
	}
	if keys[0] != (canvas.TileKey{X: 1, Y: 1}) || keys[1] != (canvas.TileKey{X: 2, Y: 1}) {
		t.Errorf("CoveringTiles = %v", keys)
	}
	exact := canvas.CoveringTiles(models.Anchor{OffsetX: 0}, 1000, 1000)
	if len(exact) != 1 {
		t.Errorf("a tile-sized template should cover one tile, got %v", exact)
	}
}

func TestDecodeTile(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 3, 1))
	img.SetNRGBA(0, 0, color.NRGBA{R: 237, G: 28, B: 36, A: 255}) // Red (7)
	img.SetNRGBA(1, 0, color.NRGBA{R: 237, G: 28, B: 36, A: 128}) // translucent
	img.SetNRGBA(2, 0, color.NRGBA{R: 1, G: 2, B: 3, A: 255})     // off palette

	tile, err := canvas.DecodeTile(bytes.NewReader(encodePNG(t, img)))
	if err != nil {
		t.Fatalf("DecodeTile error: %v", err)
	}
	want := []int{7, 0, 0}
	for x, w := range want {
		if got, _ := tile.At(x, 0); got != w {
			t.Errorf("pixel %d = %d, want %d", x, got, w)
		}
	}
}

func TestDecodeTilePaletted(t *testing.T) {
	pal := color.Palette{color.NRGBA{A: 0}, color.NRGBA{R: 64, G: 147, B: 228, A: 255}}
	img := image.NewPaletted(image.Rect(0, 0, 2, 2), pal)
	img.SetColorIndex(1, 1, 1)
	tile, err := canvas.DecodeTile(bytes.NewReader(encodePNG(t, img)))
	if err != nil {
		t.Fatalf("DecodeTile error: %v", err)
	}
	if got, _ := tile.At(1, 1); got != 19 {
		t.Errorf("paletted pixel = %d, want 19 (Blue)", got)
	}
	if got, _ := tile.At(0, 0); got != 0 {
		t.Errorf("transparent pixel = %d, want 0", got)
	}
}

func TestLoaderSkipsFailedTiles(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 1000, 1000))
	img.SetNRGBA(999, 0, color.NRGBA{R: 0, G: 0, B: 0, A: 255})
	good := encodePNG(t, img)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/files/s0/tiles/5/5.png"):
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(good)
		case strings.HasPrefix(r.URL.Path, "/files/s0/tiles/6/5.png"):
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	loader := &canvas.Loader{HTTP: srv.Client(), BaseURL: srv.URL, Concurrency: 2}
	anchor := models.Anchor{TileX: 5, TileY: 5, OffsetX: 999, OffsetY: 0}
	snap := loader.Load(context.Background(), anchor, 2, 1)

	if got, ok := snap.At(5, 5, 999, 0); !ok || got != 1 {
		t.Errorf("tile 5,5 pixel = %d (ok=%v), want 1", got, ok)
	}
	if _, ok := snap.At(6, 5, 0, 0); ok {
		t.Errorf("failed tile 6,5 should be absent")
	}

	snap.Set(5, 5, 999, 0, 12)
	if got, _ := snap.At(5, 5, 999, 0); got != 12 {
		t.Errorf("Set did not update the tile, got %d", got)
	}
}

func TestLoaderTreatsMissingTileAsBlank(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	loader := &canvas.Loader{HTTP: srv.Client(), BaseURL: srv.URL}
	snap := loader.Load(context.Background(), models.Anchor{}, 1, 1)
	if got, ok := snap.At(0, 0, 0, 0); !ok || got != 0 {
		t.Errorf("unpainted tile pixel = %d (ok=%v), want blank", got, ok)
	}
}
