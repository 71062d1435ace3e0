package main

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	charge "canvasfleet/internal/charge"
	models "canvasfleet/internal/models"
	orchestrator "canvasfleet/internal/orchestrator"
	store "canvasfleet/internal/store"
)

var _ orchestrator.Accounts = (*store.Store)(nil)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "data", "canvasfleet.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAccountRoundTrip(t *testing.T) {
	s := openStore(t)
	a := models.Account{ID: 42, Name: "alice", Cookies: map[string]string{"j": "abc"}}
	if err := s.PutAccount(a); err != nil {
		t.Fatalf("PutAccount: %v", err)
	}
	got, err := s.Account(42)
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	if got.Name != "alice" || got.Cookies["j"] != "abc" || !got.SuspendedUntil.IsZero() {
		t.Errorf("Account = %+v", got)
	}

	a.Name = "alice2"
	if err := s.PutAccount(a); err != nil {
		t.Fatal(err)
	}
	all, err := s.Accounts()
	if err != nil || len(all) != 1 || all[0].Name != "alice2" {
		t.Errorf("Accounts = %+v, %v", all, err)
	}

	if _, err := s.Account(7); !errors.Is(err, store.ErrAccountNotFound) {
		t.Errorf("missing account err = %v", err)
	}
}

func TestSetSuspended(t *testing.T) {
	s := openStore(t)
	if err := s.PutAccount(models.Account{ID: 1, Name: "bob"}); err != nil {
		t.Fatal(err)
	}
	until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	if err := s.SetSuspended(1, until); err != nil {
		t.Fatalf("SetSuspended: %v", err)
	}
	got, _ := s.Account(1)
	if !got.SuspendedUntil.Equal(until) || !got.SuspendedAt(time.Now()) {
		t.Errorf("SuspendedUntil = %v, want %v", got.SuspendedUntil, until)
	}
	if err := s.SetSuspended(99, until); !errors.Is(err, store.ErrAccountNotFound) {
		t.Errorf("SetSuspended(missing) = %v", err)
	}
}

func TestTemplateRoundTripAndSeeds(t *testing.T) {
	s := openStore(t)
	cfg := models.TemplateConfig{
		ID:         "t1",
		Name:       "heart",
		Template:   models.TemplateFromRows([][]int{{1, 0}, {0, 5}}),
		Anchor:     models.Anchor{TileX: 3, TileY: 4, OffsetX: 10, OffsetY: 20},
		AccountIDs: []int64{1, 2},
		Autostart:  true,
	}
	if err := s.PutTemplate(cfg); err != nil {
		t.Fatalf("PutTemplate: %v", err)
	}
	got, err := s.Template("t1")
	if err != nil {
		t.Fatalf("Template: %v", err)
	}
	if !got.Template.Equal(cfg.Template) || got.Anchor != cfg.Anchor || !got.Autostart || got.ShareCode == "" {
		t.Errorf("Template = %+v", got)
	}

	seeds := []models.Point{{X: 0, Y: 0}, {X: 1, Y: 1}}
	if err := s.SaveSeeds("t1", seeds); err != nil {
		t.Fatalf("SaveSeeds: %v", err)
	}
	got, _ = s.Template("t1")
	if len(got.BurstSeeds) != 2 || got.BurstSeeds[1] != seeds[1] {
		t.Errorf("BurstSeeds = %v", got.BurstSeeds)
	}

	if err := s.DeleteTemplate("t1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Template("t1"); !errors.Is(err, store.ErrTemplateNotFound) {
		t.Errorf("deleted template err = %v", err)
	}
}

func TestDeleteAccountPrunesTemplates(t *testing.T) {
	s := openStore(t)
	for _, id := range []int64{1, 2} {
		if err := s.PutAccount(models.Account{ID: id}); err != nil {
			t.Fatal(err)
		}
	}
	tpl := models.TemplateFromRows([][]int{{1}})
	_ = s.PutTemplate(models.TemplateConfig{ID: "a", Name: "a", Template: tpl, AccountIDs: []int64{1, 2}})
	_ = s.PutTemplate(models.TemplateConfig{ID: "b", Name: "b", Template: tpl, AccountIDs: []int64{2}})

	changed, err := s.DeleteAccount(1)
	if err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}
	if len(changed) != 1 || changed[0].ID != "a" || len(changed[0].AccountIDs) != 1 || changed[0].AccountIDs[0] != 2 {
		t.Errorf("changed = %+v", changed)
	}
	got, _ := s.Template("a")
	if len(got.AccountIDs) != 1 {
		t.Errorf("template a accounts = %v", got.AccountIDs)
	}
	if _, err := s.DeleteAccount(1); !errors.Is(err, store.ErrAccountNotFound) {
		t.Errorf("second delete = %v", err)
	}
}

func TestChargeCachePersistence(t *testing.T) {
	s := openStore(t)
	now := time.Now().Truncate(time.Millisecond)
	entries := map[int64]charge.Entry{
		1: {Base: 5, Max: 20, Regen: 30 * time.Second, LastSync: now},
		2: {Base: 0, Max: 10, Regen: 30 * time.Second, LastSync: now.Add(-time.Hour)},
	}
	if err := s.SaveCharges(entries); err != nil {
		t.Fatalf("SaveCharges: %v", err)
	}
	got, err := s.LoadCharges()
	if err != nil {
		t.Fatalf("LoadCharges: %v", err)
	}
	if len(got) != 2 || got[1].Base != 5 || got[1].Regen != 30*time.Second || !got[1].LastSync.Equal(now) {
		t.Errorf("LoadCharges = %+v", got)
	}

	if err := s.SaveCharges(map[int64]charge.Entry{3: {Max: 1, Regen: time.Second, LastSync: now}}); err != nil {
		t.Fatal(err)
	}
	got, _ = s.LoadCharges()
	if _, ok := got[1]; ok || len(got) != 1 {
		t.Errorf("SaveCharges should replace the table, got %+v", got)
	}
}
