package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/samber/lo"

	models "canvasfleet/internal/models"
	util "canvasfleet/internal/util"
)

var ErrUnknownTemplate = errors.New("unknown template")

// Manager owns one Orchestrator per template.
type Manager struct {
	ctx  context.Context
	deps Deps

	mu   sync.RWMutex
	byID map[string]*Orchestrator
}

// NewManager binds every loop it starts to ctx.
func NewManager(ctx context.Context, deps Deps) *Manager {
	return &Manager{ctx: ctx, deps: deps, byID: make(map[string]*Orchestrator)}
}

// Upsert adds a template or updates a running one in place.
func (m *Manager) Upsert(cfg models.TemplateConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.byID[cfg.ID]; ok {
		o.Update(cfg)
		return
	}
	m.byID[cfg.ID] = New(cfg, m.deps)
}

// Remove stops and forgets a template.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	o, ok := m.byID[id]
	delete(m.byID, id)
	m.mu.Unlock()
	if ok {
		o.Stop()
	}
	return ok
}

func (m *Manager) get(id string) (*Orchestrator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.byID[id]
	if !ok {
		return nil, ErrUnknownTemplate
	}
	return o, nil
}

func (m *Manager) Start(id string) error {
	o, err := m.get(id)
	if err != nil {
		return err
	}
	o.Start(m.ctx)
	return nil
}

func (m *Manager) Stop(id string) error {
	o, err := m.get(id)
	if err != nil {
		return err
	}
	o.Stop()
	return nil
}

func (m *Manager) Status(id string) (Status, error) {
	o, err := m.get(id)
	if err != nil {
		return Status{}, err
	}
	return o.Status(), nil
}

func (m *Manager) all() []*Orchestrator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.Values(m.byID)
}

// Statuses lists every template sorted by name.
func (m *Manager) Statuses() []Status {
	out := lo.Map(m.all(), func(o *Orchestrator, _ int) Status { return o.Status() })
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Configs returns every template configuration.
func (m *Manager) Configs() []models.TemplateConfig {
	return lo.Map(m.all(), func(o *Orchestrator, _ int) models.TemplateConfig { return o.Config() })
}

// InterruptAll wakes every loop, typically after a settings change.
func (m *Manager) InterruptAll() {
	lo.ForEach(m.all(), func(o *Orchestrator, _ int) { o.Interrupt() })
}

// Reinstate lifts failure benches on accountID in every loop.
func (m *Manager) Reinstate(accountID int64) {
	lo.ForEach(m.all(), func(o *Orchestrator, _ int) { o.Reinstate(accountID) })
}

// StopAll stops every running loop and waits for them.
func (m *Manager) StopAll() {
	running := lo.Filter(m.all(), func(o *Orchestrator, _ int) bool { return o.Running() })
	var wg sync.WaitGroup
	for _, o := range running {
		wg.Add(1)
		go func(o *Orchestrator) {
			defer wg.Done()
			o.Stop()
		}(o)
	}
	wg.Wait()
	if len(running) > 0 {
		util.LogInfo("Stopped %d running template(s)", len(running))
	}
}

// Autostart starts every template flagged for it.
func (m *Manager) Autostart() int {
	started := 0
	for _, o := range m.all() {
		if o.Config().Autostart {
			o.Start(m.ctx)
			started++
		}
	}
	return started
}
