package models

import (
	"fmt"
	"time"
)

type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Anchor places template-local (0,0) on the global canvas.
type Anchor struct {
	TileX   int `json:"tileX"`
	TileY   int `json:"tileY"`
	OffsetX int `json:"offsetX"`
	OffsetY int `json:"offsetY"`
}

// Template is an x-major grid: Data[x][y].
type Template struct {
	Width  int     `json:"width"`
	Height int     `json:"height"`
	Data   [][]int `json:"data"`
}

func NewTemplate(width, height int) Template {
	data := make([][]int, width)
	for x := range data {
		data[x] = make([]int, height)
	}
	return Template{Width: width, Height: height, Data: data}
}

// TemplateFromRows builds a template from row-major input (rows[y][x]).
func TemplateFromRows(rows [][]int) Template {
	if len(rows) == 0 {
		return Template{}
	}
	t := NewTemplate(len(rows[0]), len(rows))
	for y, row := range rows {
		for x, v := range row {
			t.Data[x][y] = v
		}
	}
	return t
}

func (t Template) InBounds(x, y int) bool {
	return x >= 0 && y >= 0 && x < t.Width && y < t.Height
}

func (t Template) At(x, y int) int {
	return t.Data[x][y]
}

// Equal compares dimensions and every cell.
func (t Template) Equal(o Template) bool {
	if t.Width != o.Width || t.Height != o.Height {
		return false
	}
	for x := 0; x < t.Width; x++ {
		for y := 0; y < t.Height; y++ {
			if t.Data[x][y] != o.Data[x][y] {
				return false
			}
		}
	}
	return true
}

type Policy struct {
	SkipPaintedPixels      bool `json:"skipPaintedPixels"`
	EraseMode              bool `json:"eraseMode"`
	OutlineMode            bool `json:"outlineMode"`
	PaintTransparentPixels bool `json:"paintTransparentPixels"`
}

type TemplateConfig struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	ShareCode           string   `json:"shareCode"`
	Template            Template `json:"-"`
	Anchor              Anchor   `json:"anchor"`
	AccountIDs          []int64  `json:"accountIds"`
	Policy              Policy   `json:"policy"`
	CanBuyCharges       bool     `json:"canBuyCharges"`
	CanBuyMaxCharges    bool     `json:"canBuyMaxCharges"`
	AutoBuyNeededColors bool     `json:"autoBuyNeededColors"`
	AntiGriefMode       bool     `json:"antiGriefMode"`
	HeatmapEnabled      bool     `json:"heatmapEnabled"`
	Autostart           bool     `json:"autostart"`
	BurstSeeds          []Point  `json:"burstSeeds,omitempty"`
}

// SameTarget reports whether content and anchor are unchanged.
func (c TemplateConfig) SameTarget(o TemplateConfig) bool {
	return c.Anchor == o.Anchor && c.Template.Equal(o.Template)
}

type ChargeState struct {
	Count      float64 `json:"count"`
	Max        int     `json:"max"`
	CooldownMs int64   `json:"cooldownMs"`
}

type Account struct {
	ID                int64             `json:"id"`
	Name              string            `json:"name"`
	Cookies           map[string]string `json:"cookies"`
	Charges           ChargeState       `json:"charges"`
	Droplets          int               `json:"droplets"`
	ExtraColorsBitmap uint64            `json:"extraColorsBitmap"`
	SuspendedUntil    time.Time         `json:"suspendedUntil"`
}

func (a Account) Label() string {
	if a.Name == "" {
		return fmt.Sprintf("#%d", a.ID)
	}
	return fmt.Sprintf("%s#%d", a.Name, a.ID)
}

func (a Account) SuspendedAt(now time.Time) bool {
	return now.Before(a.SuspendedUntil)
}

// UserInfo is the authoritative account snapshot returned by the remote /me.
type UserInfo struct {
	ID                int64       `json:"id"`
	Name              string      `json:"name"`
	Charges           ChargeState `json:"charges"`
	Droplets          int         `json:"droplets"`
	ExtraColorsBitmap uint64      `json:"extraColorsBitmap"`
	Level             float64     `json:"level"`
}

func (u UserInfo) Label() string {
	return fmt.Sprintf("%s#%d", u.Name, u.ID)
}

// Settings are the hot-reloadable runtime knobs. Durations are milliseconds.
type Settings struct {
	AccountCooldown    int64   `json:"accountCooldown" yaml:"accountCooldown"`
	PurchaseCooldown   int64   `json:"purchaseCooldown" yaml:"purchaseCooldown"`
	DropletReserve     int     `json:"dropletReserve" yaml:"dropletReserve"`
	AntiGriefStandby   int64   `json:"antiGriefStandby" yaml:"antiGriefStandby"`
	DrawingMethod      string  `json:"drawingMethod" yaml:"drawingMethod"`
	ChargeThreshold    float64 `json:"chargeThreshold" yaml:"chargeThreshold"`
	AlwaysDrawOnCharge bool    `json:"alwaysDrawOnCharge" yaml:"alwaysDrawOnCharge"`
	MaxPixelsPerPass   int     `json:"maxPixelsPerPass" yaml:"maxPixelsPerPass"`
	SeedCount          int     `json:"seedCount" yaml:"seedCount"`
	ProxyEnabled       bool    `json:"proxyEnabled" yaml:"proxyEnabled"`
	ProxyRotationMode  string  `json:"proxyRotationMode" yaml:"proxyRotationMode"`
	LogProxyUsage      bool    `json:"logProxyUsage" yaml:"logProxyUsage"`
	ParallelWorkers    int     `json:"parallelWorkers" yaml:"parallelWorkers"`
}

func DefaultSettings() Settings {
	return Settings{
		AccountCooldown:   20000,
		PurchaseCooldown:  5000,
		AntiGriefStandby:  600000,
		DrawingMethod:     "linear",
		ChargeThreshold:   0.5,
		SeedCount:         2,
		ProxyRotationMode: "sequential",
		ParallelWorkers:   4,
	}
}

func (s Settings) AccountCooldownDuration() time.Duration {
	return time.Duration(s.AccountCooldown) * time.Millisecond
}

func (s Settings) PurchaseCooldownDuration() time.Duration {
	return time.Duration(s.PurchaseCooldown) * time.Millisecond
}

func (s Settings) AntiGriefStandbyDuration() time.Duration {
	return time.Duration(s.AntiGriefStandby) * time.Millisecond
}
