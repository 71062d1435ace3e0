package main

import (
	"testing"

	palette "canvasfleet/internal/palette"
)

func TestLookupRoundTrip(t *testing.T) {
	for id := 1; id <= palette.MaxColorID; id++ {
		c, ok := palette.Get(id)
		if !ok {
			t.Fatalf("Get(%d) missing", id)
		}
		if got := palette.Lookup(c.RGB.R, c.RGB.G, c.RGB.B); got != id {
			t.Errorf("Lookup(%s) = %d, want %d", c.Name, got, id)
		}
	}
	if palette.Lookup(1, 2, 3) != 0 {
		t.Errorf("unknown rgb should map to 0")
	}
}

func TestOwns(t *testing.T) {
	if !palette.Owns(0, palette.Transparent) || !palette.Owns(0, 31) {
		t.Errorf("basic colors must always be owned")
	}
	if palette.Owns(0, palette.FirstPremium) {
		t.Errorf("premium color owned with empty bitmap")
	}
	bitmap := uint64(1) << (40 - palette.FirstPremium)
	if !palette.Owns(bitmap, 40) || palette.Owns(bitmap, 41) {
		t.Errorf("bitmap ownership wrong for 40/41")
	}
	if palette.Owns(^uint64(0), palette.MaxColorID+1) {
		t.Errorf("out of range id owned")
	}
}

func TestValidAndNames(t *testing.T) {
	if !palette.Valid(palette.EraseMarker) || !palette.Valid(palette.MaxColorID) {
		t.Errorf("range endpoints should be valid")
	}
	if palette.Valid(-2) || palette.Valid(64) {
		t.Errorf("out of range values accepted")
	}
	if palette.Name(palette.EraseMarker) != "Erase" || palette.Name(1) != "Black" || palette.Name(99) != "Unknown" {
		t.Errorf("names wrong")
	}
	if n := len(palette.Premium()); n != 32 {
		t.Errorf("premium count = %d", n)
	}
	if palette.IsPremium(31) || !palette.IsPremium(32) {
		t.Errorf("premium boundary wrong")
	}
}
