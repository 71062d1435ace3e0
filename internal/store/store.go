// Package store persists accounts, templates and the charge cache in a
// single SQLite database.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/samber/lo"
	_ "modernc.org/sqlite"

	charge "canvasfleet/internal/charge"
	codec "canvasfleet/internal/codec"
	models "canvasfleet/internal/models"
	util "canvasfleet/internal/util"
)

var (
	ErrAccountNotFound  = errors.New("account not found")
	ErrTemplateNotFound = errors.New("template not found")
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			cookies TEXT NOT NULL,
			suspended_until INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS templates (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			share_code TEXT NOT NULL,
			config TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS charge_cache (
			account_id INTEGER PRIMARY KEY,
			base INTEGER NOT NULL,
			max INTEGER NOT NULL,
			regen_ms INTEGER NOT NULL,
			last_sync INTEGER NOT NULL
		);`,
	}
	for _, q := range stmts {
		if _, err := db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Accounts

func (s *Store) PutAccount(a models.Account) error {
	cookies, err := json.Marshal(a.Cookies)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO accounts (id, name, cookies, suspended_until, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, cookies=excluded.cookies,
			suspended_until=excluded.suspended_until, updated_at=excluded.updated_at`,
		a.ID, a.Name, string(cookies), toMillis(a.SuspendedUntil), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("put account %d: %w", a.ID, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (models.Account, error) {
	var a models.Account
	var cookies string
	var suspended int64
	if err := row.Scan(&a.ID, &a.Name, &cookies, &suspended); err != nil {
		return a, err
	}
	if err := json.Unmarshal([]byte(cookies), &a.Cookies); err != nil {
		return a, fmt.Errorf("account %d cookies: %w", a.ID, err)
	}
	a.SuspendedUntil = fromMillis(suspended)
	return a, nil
}

func (s *Store) Account(id int64) (models.Account, error) {
	row := s.db.QueryRow(`SELECT id, name, cookies, suspended_until FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return a, fmt.Errorf("%w: %d", ErrAccountNotFound, id)
	}
	return a, err
}

func (s *Store) Accounts() ([]models.Account, error) {
	rows, err := s.db.Query(`SELECT id, name, cookies, suspended_until FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) SetSuspended(id int64, until time.Time) error {
	res, err := s.db.Exec(`UPDATE accounts SET suspended_until = ?, updated_at = ? WHERE id = ?`,
		toMillis(until), s.now().UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", ErrAccountNotFound, id)
	}
	return nil
}

// DeleteAccount removes the account and drops it from every template. The
// templates that changed are returned so running loops can be updated.
func (s *Store) DeleteAccount(id int64) ([]models.TemplateConfig, error) {
	res, err := s.db.Exec(`DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: %d", ErrAccountNotFound, id)
	}
	if _, err := s.db.Exec(`DELETE FROM charge_cache WHERE account_id = ?`, id); err != nil {
		return nil, err
	}

	templates, err := s.Templates()
	if err != nil {
		return nil, err
	}
	var changed []models.TemplateConfig
	for _, cfg := range templates {
		if !lo.Contains(cfg.AccountIDs, id) {
			continue
		}
		cfg.AccountIDs = lo.Without(cfg.AccountIDs, id)
		if err := s.PutTemplate(cfg); err != nil {
			return changed, err
		}
		changed = append(changed, cfg)
	}
	return changed, nil
}

// Templates

func (s *Store) PutTemplate(cfg models.TemplateConfig) error {
	code, err := codec.Encode(cfg.Template)
	if err != nil {
		return fmt.Errorf("template %s: %w", cfg.ID, err)
	}
	cfg.ShareCode = code
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO templates (id, name, share_code, config, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, share_code=excluded.share_code,
			config=excluded.config, updated_at=excluded.updated_at`,
		cfg.ID, cfg.Name, code, string(raw), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("put template %s: %w", cfg.ID, err)
	}
	return nil
}

func decodeTemplate(id, code, raw string) (models.TemplateConfig, error) {
	var cfg models.TemplateConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return cfg, fmt.Errorf("template %s config: %w", id, err)
	}
	t, err := codec.Decode(code)
	if err != nil {
		return cfg, fmt.Errorf("template %s: %w", id, err)
	}
	cfg.ID = id
	cfg.ShareCode = code
	cfg.Template = t
	return cfg, nil
}

func (s *Store) Template(id string) (models.TemplateConfig, error) {
	var code, raw string
	err := s.db.QueryRow(`SELECT share_code, config FROM templates WHERE id = ?`, id).Scan(&code, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TemplateConfig{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}
	if err != nil {
		return models.TemplateConfig{}, err
	}
	return decodeTemplate(id, code, raw)
}

// Templates returns every template that decodes. Broken rows are logged
// and skipped.
func (s *Store) Templates() ([]models.TemplateConfig, error) {
	rows, err := s.db.Query(`SELECT id, share_code, config FROM templates ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.TemplateConfig
	for rows.Next() {
		var id, code, raw string
		if err := rows.Scan(&id, &code, &raw); err != nil {
			return nil, err
		}
		cfg, err := decodeTemplate(id, code, raw)
		if err != nil {
			util.LogError("Skipping template: %v", err)
			continue
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func (s *Store) DeleteTemplate(id string) error {
	res, err := s.db.Exec(`DELETE FROM templates WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}
	return nil
}

// SaveSeeds stores burst seeds on the template row so they survive a
// restart.
func (s *Store) SaveSeeds(templateID string, seeds []models.Point) error {
	cfg, err := s.Template(templateID)
	if err != nil {
		return err
	}
	cfg.BurstSeeds = seeds
	return s.PutTemplate(cfg)
}

// Charge cache

// SaveCharges replaces the persisted charge cache with entries.
func (s *Store) SaveCharges(entries map[int64]charge.Entry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM charge_cache`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO charge_cache (account_id, base, max, regen_ms, last_sync) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for id, e := range entries {
		if _, err := stmt.Exec(id, e.Base, e.Max, e.Regen.Milliseconds(), toMillis(e.LastSync)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) LoadCharges() (map[int64]charge.Entry, error) {
	rows, err := s.db.Query(`SELECT account_id, base, max, regen_ms, last_sync FROM charge_cache`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64]charge.Entry)
	for rows.Next() {
		var id, regen, last int64
		var e charge.Entry
		if err := rows.Scan(&id, &e.Base, &e.Max, &regen, &last); err != nil {
			return nil, err
		}
		e.Regen = time.Duration(regen) * time.Millisecond
		e.LastSync = fromMillis(last)
		out[id] = e
	}
	return out, rows.Err()
}
