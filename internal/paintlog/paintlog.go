// Package paintlog records every painted pixel as zstd-compressed JSONL,
// one directory per template and one file per UTC hour, and folds the
// files back into heatmaps.
package paintlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/samber/lo"

	planner "canvasfleet/internal/planner"
)

const hourLayout = "2006-01-02-15"

// Event is one painted pixel. X and Y are template-local.
type Event struct {
	Time      int64 `json:"t"`
	AccountID int64 `json:"acct"`
	X         int   `json:"x"`
	Y         int   `json:"y"`
	TileX     int   `json:"tx"`
	TileY     int   `json:"ty"`
	Color     int   `json:"c"`
}

type Cell struct {
	X     int `json:"x"`
	Y     int `json:"y"`
	Count int `json:"count"`
}

// writer appends to the current hour's file of one template.
type writer struct {
	dir     string
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func (w *writer) rotate(hour string) error {
	if err := w.close(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(w.dir, hour+".jsonl.zst"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f, w.enc, w.w = f, enc, bufio.NewWriterSize(enc, 64*1024)
	w.curHour = hour
	return nil
}

func (w *writer) close() error {
	var err error
	if w.w != nil {
		err = w.w.Flush()
	}
	if w.enc != nil {
		err = errors.Join(err, w.enc.Close())
		w.enc = nil
	}
	if w.f != nil {
		err = errors.Join(err, w.f.Close())
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err
}

// Log is safe for concurrent use.
type Log struct {
	baseDir string
	now     func() time.Time

	mu      sync.Mutex
	writers map[string]*writer
}

func New(baseDir string, now func() time.Time) *Log {
	if now == nil {
		now = time.Now
	}
	return &Log{baseDir: baseDir, now: now, writers: make(map[string]*writer)}
}

func (l *Log) dirFor(templateID string) string {
	return filepath.Join(l.baseDir, filepath.Base(templateID))
}

// Record appends one event per pixel.
func (l *Log) Record(templateID string, accountID int64, pixels []planner.Pixel) error {
	if len(pixels) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	w, ok := l.writers[templateID]
	if !ok {
		w = &writer{dir: l.dirFor(templateID)}
		l.writers[templateID] = w
	}
	if hour := now.Format(hourLayout); hour != w.curHour {
		if err := w.rotate(hour); err != nil {
			return fmt.Errorf("heatmap %s: %w", templateID, err)
		}
	}
	for _, p := range pixels {
		b, err := json.Marshal(Event{
			Time: now.UnixMilli(), AccountID: accountID,
			X: p.X, Y: p.Y, TileX: p.TileX, TileY: p.TileY, Color: p.Color,
		})
		if err != nil {
			return err
		}
		if _, err := w.w.Write(b); err != nil {
			return err
		}
		if err := w.w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return w.w.Flush()
}

// closeTemplate ends the open frame so readers see complete files. The
// next Record starts a new frame in the same file.
func (l *Log) closeTemplate(templateID string) error {
	w, ok := l.writers[templateID]
	if !ok {
		return nil
	}
	delete(l.writers, templateID)
	return w.close()
}

// Events returns every event of a template at or after since, oldest file
// first.
func (l *Log) Events(templateID string, since time.Time) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.closeTemplate(templateID); err != nil {
		return nil, err
	}

	files, err := filepath.Glob(filepath.Join(l.dirFor(templateID), "*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	cutoff := since.UTC().Truncate(time.Hour).Format(hourLayout)
	var out []Event
	for _, path := range files {
		if !since.IsZero() && strings.TrimSuffix(filepath.Base(path), ".jsonl.zst") < cutoff {
			continue
		}
		evs, err := readFile(path)
		if err != nil {
			return out, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		out = append(out, lo.Filter(evs, func(e Event, _ int) bool { return e.Time >= since.UnixMilli() })...)
	}
	return out, nil
}

func readFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []Event
	jd := json.NewDecoder(dec)
	for {
		var e Event
		if err := jd.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, err
		}
		out = append(out, e)
	}
}

// Heatmap counts paints per template pixel since the given time, most
// painted first.
func (l *Log) Heatmap(templateID string, since time.Time) ([]Cell, error) {
	events, err := l.Events(templateID, since)
	if err != nil {
		return nil, err
	}
	type key struct{ x, y int }
	counts := lo.CountValuesBy(events, func(e Event) key { return key{e.X, e.Y} })
	cells := make([]Cell, 0, len(counts))
	for k, n := range counts {
		cells = append(cells, Cell{X: k.x, Y: k.y, Count: n})
	}
	sort.Slice(cells, func(i, j int) bool {
		if cells[i].Count != cells[j].Count {
			return cells[i].Count > cells[j].Count
		}
		if cells[i].Y != cells[j].Y {
			return cells[i].Y < cells[j].Y
		}
		return cells[i].X < cells[j].X
	})
	return cells, nil
}

// Remove closes and deletes a template's log.
func (l *Log) Remove(templateID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.closeTemplate(templateID); err != nil {
		return err
	}
	return os.RemoveAll(l.dirFor(templateID))
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var err error
	for id := range l.writers {
		err = errors.Join(err, l.closeTemplate(id))
	}
	return err
}
