package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	orchestrator "canvasfleet/internal/orchestrator"
	paintlog "canvasfleet/internal/paintlog"
	planner "canvasfleet/internal/planner"
)

var _ orchestrator.ActivityLog = (*paintlog.Log)(nil)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func px(x, y, color int) planner.Pixel {
	return planner.Pixel{X: x, Y: y, Color: color}
}

func TestRecordAndHeatmap(t *testing.T) {
	dir := t.TempDir()
	c := &clock{t: time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)}
	l := paintlog.New(dir, c.now)
	defer l.Close()

	if err := l.Record("tpl", 1, []planner.Pixel{px(0, 0, 1), px(1, 0, 2)}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	c.t = c.t.Add(time.Hour)
	if err := l.Record("tpl", 2, []planner.Pixel{px(0, 0, 1)}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	files, _ := filepath.Glob(filepath.Join(dir, "tpl", "*.jsonl.zst"))
	if len(files) != 2 {
		t.Errorf("expected one file per hour, got %v", files)
	}

	cells, err := l.Heatmap("tpl", time.Time{})
	if err != nil {
		t.Fatalf("Heatmap: %v", err)
	}
	if len(cells) != 2 || cells[0] != (paintlog.Cell{X: 0, Y: 0, Count: 2}) || cells[1].Count != 1 {
		t.Errorf("Heatmap = %+v", cells)
	}
}

func TestRecordAfterReadAppends(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	l := paintlog.New(t.TempDir(), c.now)
	defer l.Close()

	_ = l.Record("tpl", 1, []planner.Pixel{px(2, 3, 4)})
	if evs, _ := l.Events("tpl", time.Time{}); len(evs) != 1 {
		t.Fatalf("Events = %d, want 1", len(evs))
	}
	_ = l.Record("tpl", 1, []planner.Pixel{px(2, 3, 4)})
	evs, err := l.Events("tpl", time.Time{})
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(evs) != 2 || evs[1].X != 2 || evs[1].Y != 3 || evs[1].Color != 4 || evs[1].AccountID != 1 {
		t.Errorf("Events = %+v", evs)
	}
}

func TestEventsSince(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	l := paintlog.New(t.TempDir(), c.now)
	defer l.Close()

	_ = l.Record("tpl", 1, []planner.Pixel{px(0, 0, 1)})
	c.t = c.t.Add(3 * time.Hour)
	_ = l.Record("tpl", 1, []planner.Pixel{px(5, 5, 1)})

	evs, err := l.Events("tpl", c.t.Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 || evs[0].X != 5 {
		t.Errorf("Events since = %+v", evs)
	}
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	l := paintlog.New(dir, nil)
	_ = l.Record("tpl", 1, []planner.Pixel{px(0, 0, 1)})
	if err := l.Remove("tpl"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "tpl")); !os.IsNotExist(err) {
		t.Errorf("template dir should be gone, stat err = %v", err)
	}
	if cells, err := l.Heatmap("tpl", time.Time{}); err != nil || len(cells) != 0 {
		t.Errorf("Heatmap after remove = %v, %v", cells, err)
	}
}

func TestEmptyRecordIsNoop(t *testing.T) {
	dir := t.TempDir()
	l := paintlog.New(dir, nil)
	if err := l.Record("tpl", 1, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "tpl")); !os.IsNotExist(err) {
		t.Errorf("no directory should be created for an empty record")
	}
}
