package planner

import (
	"math"
	"math/rand"
	"sort"

	"github.com/samber/lo"

	constants "canvasfleet/internal/constants"
	models "canvasfleet/internal/models"
	palette "canvasfleet/internal/palette"
)

// Method names a pixel ordering strategy.
type Method string

const (
	MethodLinear           Method = "linear"
	MethodLinearReversed   Method = "linear-reversed"
	MethodLinearLTR        Method = "linear-ltr"
	MethodLinearRTL        Method = "linear-rtl"
	MethodRandom           Method = "random"
	MethodRadialInward     Method = "radial-inward"
	MethodRadialOutward    Method = "radial-outward"
	MethodColorRare        Method = "color-rare"
	MethodColorRandom      Method = "color-random"
	MethodColorsBurstRare  Method = "colors-burst-rare"
	MethodBurst            Method = "burst"
	MethodOutlineThenBurst Method = "outline-then-burst"
	MethodBurstMixed       Method = "burst-mixed"
)

type strategy func(o *Orderer, pixels []Pixel) []Pixel

var strategies = map[Method]strategy{
	MethodLinear:           orderLinear,
	MethodLinearReversed:   orderLinearReversed,
	MethodLinearLTR:        orderLeftToRight,
	MethodLinearRTL:        orderRightToLeft,
	MethodRandom:           orderRandom,
	MethodRadialInward:     orderRadialInward,
	MethodRadialOutward:    orderRadialOutward,
	MethodColorRare:        orderColorRare,
	MethodColorRandom:      orderColorRandom,
	MethodColorsBurstRare:  orderColorsBurstRare,
	MethodBurst:            orderBurst,
	MethodOutlineThenBurst: orderOutlineThenBurst,
	MethodBurstMixed:       orderBurstMixed,
}

// Methods lists every strategy in a stable order.
func Methods() []Method {
	ms := lo.Keys(strategies)
	sort.Slice(ms, func(i, j int) bool { return ms[i] < ms[j] })
	return ms
}

// ParseMethod accepts a strategy name plus the legacy aliases
// "colorByColor" and "singleColorRandom".
func ParseMethod(s string) (Method, bool) {
	switch s {
	case "colorByColor":
		return MethodColorRare, true
	case "singleColorRandom":
		return MethodColorRandom, true
	}
	m := Method(s)
	if _, ok := strategies[m]; ok {
		return m, true
	}
	return MethodLinear, false
}

// Orderer carries the state shared by the strategies of one template.
type Orderer struct {
	Rand      *rand.Rand
	SeedCount int
	Template  models.Template
	Seeds     *SeedState
}

func NewOrderer(rng *rand.Rand, t models.Template, seedCount int, seeds *SeedState) *Orderer {
	if seeds == nil {
		seeds = NewSeedState(nil)
	}
	return &Orderer{Rand: rng, SeedCount: seedCount, Template: t, Seeds: seeds}
}

// Order returns a new slice holding pixels in the order chosen by m.
// Unknown methods fall back to linear.
func (o *Orderer) Order(m Method, pixels []Pixel) []Pixel {
	s, ok := strategies[m]
	if !ok {
		s = orderLinear
	}
	return s(o, append([]Pixel(nil), pixels...))
}

func (o *Orderer) desiredSeeds() int { return ClampSeedCount(o.SeedCount) }

func orderLinear(_ *Orderer, px []Pixel) []Pixel {
	sort.SliceStable(px, func(i, j int) bool {
		if px[i].Y != px[j].Y {
			return px[i].Y < px[j].Y
		}
		return px[i].X < px[j].X
	})
	return px
}

func orderLinearReversed(o *Orderer, px []Pixel) []Pixel {
	px = orderLinear(o, px)
	for i, j := 0, len(px)-1; i < j; i, j = i+1, j-1 {
		px[i], px[j] = px[j], px[i]
	}
	return px
}

func orderLeftToRight(_ *Orderer, px []Pixel) []Pixel {
	sort.SliceStable(px, func(i, j int) bool {
		if px[i].X != px[j].X {
			return px[i].X < px[j].X
		}
		return px[i].Y < px[j].Y
	})
	return px
}

func orderRightToLeft(_ *Orderer, px []Pixel) []Pixel {
	sort.SliceStable(px, func(i, j int) bool {
		if px[i].X != px[j].X {
			return px[i].X > px[j].X
		}
		return px[i].Y < px[j].Y
	})
	return px
}

func orderRandom(o *Orderer, px []Pixel) []Pixel {
	o.Rand.Shuffle(len(px), func(i, j int) { px[i], px[j] = px[j], px[i] })
	return px
}

func (o *Orderer) radial(px []Pixel, inward bool) []Pixel {
	cx := float64(o.Template.Width-1) / 2
	cy := float64(o.Template.Height-1) / 2
	r2 := func(p Pixel) float64 {
		dx, dy := float64(p.X)-cx, float64(p.Y)-cy
		return dx*dx + dy*dy
	}
	angle := func(p Pixel) float64 { return math.Atan2(float64(p.Y)-cy, float64(p.X)-cx) }
	sort.SliceStable(px, func(i, j int) bool {
		di, dj := r2(px[i]), r2(px[j])
		if di != dj {
			if inward {
				return di > dj
			}
			return di < dj
		}
		return angle(px[i]) < angle(px[j])
	})
	return px
}

func orderRadialInward(o *Orderer, px []Pixel) []Pixel  { return o.radial(px, true) }
func orderRadialOutward(o *Orderer, px []Pixel) []Pixel { return o.radial(px, false) }

// colorBuckets groups pixels by color, rarest first, ties by color id.
func colorBuckets(px []Pixel) [][]Pixel {
	groups := lo.GroupBy(px, func(p Pixel) int { return p.Color })
	colors := lo.Keys(groups)
	sort.Slice(colors, func(i, j int) bool {
		a, b := len(groups[colors[i]]), len(groups[colors[j]])
		if a != b {
			return a < b
		}
		return colors[i] < colors[j]
	})
	return lo.Map(colors, func(c int, _ int) []Pixel { return groups[c] })
}

func orderColorRare(_ *Orderer, px []Pixel) []Pixel {
	return lo.Flatten(colorBuckets(px))
}

func orderColorRandom(o *Orderer, px []Pixel) []Pixel {
	buckets := colorBuckets(px)
	o.Rand.Shuffle(len(buckets), func(i, j int) { buckets[i], buckets[j] = buckets[j], buckets[i] })
	return lo.Flatten(buckets)
}

func orderColorsBurstRare(o *Orderer, px []Pixel) []Pixel {
	out := make([]Pixel, 0, len(px))
	for _, bucket := range colorBuckets(px) {
		seeds := PickBurstSeeds(o.Rand, bucket, o.desiredSeeds(), constants.SeedTopFuzz)
		out = append(out, OrderByBurst(o.Rand, bucket, seeds)...)
	}
	return out
}

// orderBurst floods from one cached seed per turn. The seed set is rebuilt
// only when the configured count changes.
func orderBurst(o *Orderer, px []Pixel) []Pixel {
	if len(px) == 0 {
		return px
	}
	desired := o.desiredSeeds()
	st := o.Seeds
	if len(st.Seeds) != desired {
		st.Seeds = PickBurstSeeds(o.Rand, px, desired, constants.SeedTopFuzz)
		st.Active = -1
	}
	if st.Active < 0 || st.Active >= len(st.Seeds) {
		st.Active = o.Rand.Intn(len(st.Seeds))
	}
	return OrderByBurst(o.Rand, px, []models.Point{st.Seeds[st.Active]})
}

// isOutline reports a template border cell or one with a differently
// colored 4-neighbor.
func (o *Orderer) isOutline(p Pixel) bool {
	t := o.Template
	if !t.InBounds(p.X, p.Y) {
		return false
	}
	if p.X == 0 || p.Y == 0 || p.X == t.Width-1 || p.Y == t.Height-1 {
		return true
	}
	c := t.Data[p.X][p.Y]
	for _, d := range directions {
		if t.Data[p.X+d[0]][p.Y+d[1]] != c {
			return true
		}
	}
	return false
}

func orderOutlineThenBurst(o *Orderer, px []Pixel) []Pixel {
	outline, inside := lo.FilterReject(px, func(p Pixel, _ int) bool {
		return p.Color != palette.Transparent && o.isOutline(p)
	})
	out := make([]Pixel, 0, len(px))
	if len(outline) > 0 {
		seeds := PickBurstSeeds(o.Rand, outline, o.desiredSeeds(), constants.SeedTopFuzz)
		out = append(out, OrderByBurst(o.Rand, outline, seeds)...)
	}
	if len(inside) > 0 {
		seed := inside[o.Rand.Intn(len(inside))].Point()
		out = append(out, OrderByBurst(o.Rand, inside, []models.Point{seed})...)
	}
	return out
}

func orderBurstMixed(o *Orderer, px []Pixel) []Pixel {
	choices := []strategy{orderOutlineThenBurst, orderBurst, orderColorsBurstRare}
	return choices[o.Rand.Intn(len(choices))](o, px)
}
