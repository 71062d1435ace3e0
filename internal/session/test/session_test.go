package main

import (
	"testing"
	"time"

	session "canvasfleet/internal/session"
)

func TestTryAcquireIsExclusive(t *testing.T) {
	r := session.NewRegistry(nil)
	if !r.TryAcquire(1, "heart") {
		t.Fatalf("first acquire should succeed")
	}
	if r.TryAcquire(1, "star") {
		t.Errorf("second holder should be refused")
	}
	if !r.TryAcquire(1, "heart") {
		t.Errorf("same holder should be able to refresh its lease")
	}
	if !r.IsBusy(1) || !r.BusyOthers(1, "star") || r.BusyOthers(1, "heart") {
		t.Errorf("busy flags wrong")
	}
}

func TestReleaseRequiresHolder(t *testing.T) {
	r := session.NewRegistry(nil)
	r.TryAcquire(1, "heart")
	r.Release(1, "star")
	if !r.IsBusy(1) {
		t.Errorf("foreign release should not drop the lease")
	}
	r.Release(1, "heart")
	if r.IsBusy(1) {
		t.Errorf("lease should be released")
	}
	if !r.TryAcquire(1, "star") {
		t.Errorf("released account should be acquirable")
	}
}

func TestReleaseAll(t *testing.T) {
	r := session.NewRegistry(nil)
	r.TryAcquire(1, "heart")
	r.TryAcquire(2, "heart")
	r.TryAcquire(3, "star")
	if n := r.ReleaseAll("heart"); n != 2 {
		t.Errorf("ReleaseAll = %d, want 2", n)
	}
	if len(r.Snapshot()) != 1 {
		t.Errorf("only star's lease should remain")
	}
}

func TestCleanupExpired(t *testing.T) {
	now := time.Unix(1000, 0)
	r := session.NewRegistry(func() time.Time { return now })
	r.TryAcquire(1, "heart")
	now = now.Add(30 * time.Minute)
	r.TryAcquire(2, "heart")
	now = now.Add(31 * time.Minute)

	if n := r.CleanupExpired(time.Hour); n != 1 {
		t.Errorf("CleanupExpired = %d, want 1", n)
	}
	if r.IsBusy(1) || !r.IsBusy(2) {
		t.Errorf("only the old lease should be dropped")
	}
}
