// Package settings holds the hot-reloadable runtime knobs. They live in a
// YAML file, are validated against a JSON schema and fan out to
// subscribers on every change.
package settings

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/samber/lo"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	models "canvasfleet/internal/models"
	planner "canvasfleet/internal/planner"
	proxy "canvasfleet/internal/proxy"
	util "canvasfleet/internal/util"
)

const schemaTemplate = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "accountCooldown":    {"type": "integer", "minimum": 0},
    "purchaseCooldown":   {"type": "integer", "minimum": 0},
    "dropletReserve":     {"type": "integer", "minimum": 0},
    "antiGriefStandby":   {"type": "integer", "minimum": 1000},
    "drawingMethod":      {"enum": %s},
    "chargeThreshold":    {"type": "number", "exclusiveMinimum": 0, "maximum": 1},
    "alwaysDrawOnCharge": {"type": "boolean"},
    "maxPixelsPerPass":   {"type": "integer", "minimum": 0},
    "seedCount":          {"type": "integer", "minimum": 1, "maximum": 16},
    "proxyEnabled":       {"type": "boolean"},
    "proxyRotationMode":  {"enum": %s},
    "logProxyUsage":      {"type": "boolean"},
    "parallelWorkers":    {"type": "integer", "minimum": 1, "maximum": 32}
  }
}`

var ErrInvalid = errors.New("invalid settings")

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		methods := append(lo.Map(planner.Methods(), func(m planner.Method, _ int) string { return string(m) }),
			"colorByColor", "singleColorRandom")
		modes := []string{string(proxy.Sequential), string(proxy.Random)}
		m, _ := json.Marshal(methods)
		r, _ := json.Marshal(modes)
		schema, schemaErr = jsonschema.CompileString("settings.schema.json", fmt.Sprintf(schemaTemplate, m, r))
	})
	return schema, schemaErr
}

// Validate checks a JSON document against the settings schema. Partial
// documents are accepted.
func Validate(raw []byte) error {
	sch, err := compiled()
	if err != nil {
		return fmt.Errorf("settings schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func validateSettings(s models.Settings) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return Validate(raw)
}

// Store is the process-wide settings holder.
type Store struct {
	path string

	mu      sync.RWMutex
	current models.Settings
	subs    []func(models.Settings)
}

// Open loads path, writing the defaults there when the file is missing.
func Open(path string) (*Store, error) {
	s := &Store{path: path, current: models.DefaultSettings()}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := s.save(s.current); err != nil {
			return nil, err
		}
		util.LogInfo("Wrote default settings to %s", path)
		return s, nil
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Load reads a settings file over the defaults.
func Load(path string) (models.Settings, error) {
	out := models.DefaultSettings()
	raw, err := os.ReadFile(path)
	if err != nil {
		return out, err
	}
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	if err := validateSettings(out); err != nil {
		return out, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return out, nil
}

func (s *Store) Get() models.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Subscribe registers fn to run after every successful change.
func (s *Store) Subscribe(fn func(models.Settings)) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

// Update merges a partial JSON document into the current settings,
// persists the result and notifies subscribers.
func (s *Store) Update(patch []byte) (models.Settings, error) {
	if err := Validate(patch); err != nil {
		return s.Get(), err
	}
	s.mu.Lock()
	next := s.current
	dec := json.NewDecoder(bytes.NewReader(patch))
	if err := dec.Decode(&next); err != nil {
		s.mu.Unlock()
		return s.current, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := s.save(next); err != nil {
		s.mu.Unlock()
		return s.current, err
	}
	s.current = next
	subs := append([]func(models.Settings){}, s.subs...)
	s.mu.Unlock()

	util.LogInfo("Settings updated")
	notify(subs, next)
	return next, nil
}

// Reload re-reads the file, typically on SIGHUP. A bad file leaves the
// current settings in place.
func (s *Store) Reload() error {
	next, err := Load(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	changed := next != s.current
	s.current = next
	subs := append([]func(models.Settings){}, s.subs...)
	s.mu.Unlock()
	if changed {
		util.LogInfo("Settings reloaded from %s", s.path)
		notify(subs, next)
	}
	return nil
}

func notify(subs []func(models.Settings), v models.Settings) {
	for _, fn := range subs {
		fn(v)
	}
}

// save writes atomically through a temp file in the same directory.
func (s *Store) save(v models.Settings) error {
	raw, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
