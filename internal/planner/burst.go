package planner

import (
	"math/rand"
	"sort"

	constants "canvasfleet/internal/constants"
	models "canvasfleet/internal/models"
)

var directions = [4][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}}

const (
	speedBase     = 0.7
	speedSpread   = 1.1
	neighborJit   = 0.2
	commitChance  = 0.85
	dashChance    = 0.45
	maxDashLength = 3
)

// ClampSeedCount bounds a configured seed count to 1..16.
func ClampSeedCount(n int) int {
	return max(constants.MinSeedCount, min(n, constants.MaxSeedCount))
}

// SeedState is the burst seed set kept across turns.
type SeedState struct {
	Seeds  []models.Point
	Active int
}

func NewSeedState(seeds []models.Point) *SeedState {
	return &SeedState{Seeds: append([]models.Point(nil), seeds...), Active: -1}
}

// EndTurn releases the active seed so the next turn picks another one.
func (s *SeedState) EndTurn() { s.Active = -1 }

// Reset drops the seeds, e.g. after the template changed.
func (s *SeedState) Reset() {
	s.Seeds = nil
	s.Active = -1
}

// Snapshot copies the seeds for persistence.
func (s *SeedState) Snapshot() []models.Point {
	return append([]models.Point(nil), s.Seeds...)
}

func dist2(a, b models.Point) int {
	dx, dy := a.X-b.X, a.Y-b.Y
	return dx*dx + dy*dy
}

// PickBurstSeeds spreads up to k seeds over pixels: a random first seed, the
// point farthest from it, then repeatedly a random pick among the topFuzz
// points farthest from the current seed set.
func PickBurstSeeds(rng *rand.Rand, pixels []Pixel, k, topFuzz int) []models.Point {
	if len(pixels) == 0 || k <= 0 {
		return nil
	}
	pts := make([]models.Point, len(pixels))
	for i, p := range pixels {
		pts[i] = p.Point()
	}

	first := pts[rng.Intn(len(pts))]
	seeds := []models.Point{first}
	if len(pts) == 1 || k == 1 {
		return seeds
	}

	far, best := 0, -1
	for i, p := range pts {
		if d := dist2(p, first); d > best {
			best, far = d, i
		}
	}
	seeds = append(seeds, pts[far])

	type ranked struct {
		i  int
		d2 int
	}
	limit := min(k, len(pts))
	for len(seeds) < limit {
		rs := make([]ranked, len(pts))
		for i, p := range pts {
			d := dist2(p, seeds[0])
			for _, s := range seeds[1:] {
				d = min(d, dist2(p, s))
			}
			rs[i] = ranked{i, d}
		}
		sort.SliceStable(rs, func(a, b int) bool { return rs[a].d2 > rs[b].d2 })
		cand := pts[rs[rng.Intn(min(topFuzz, len(rs)))].i]
		if containsPoint(seeds, cand) {
			break
		}
		seeds = append(seeds, cand)
	}
	return seeds
}

func containsPoint(pts []models.Point, p models.Point) bool {
	for _, q := range pts {
		if q == p {
			return true
		}
	}
	return false
}

// OrderByBurst runs a multi-source randomized flood fill from the pixels
// nearest to each seed. Unreached islands are swept by BFS afterwards. The
// result is always a permutation of pixels.
func OrderByBurst(rng *rand.Rand, pixels []Pixel, seeds []models.Point) []Pixel {
	if len(pixels) <= 2 {
		return append([]Pixel(nil), pixels...)
	}

	byPoint := make(map[models.Point]int, len(pixels))
	for i, p := range pixels {
		byPoint[p.Point()] = i
	}

	used := make(map[int]bool, len(seeds))
	nearest := func(s models.Point) int {
		best, bestD := -1, 0
		for i, p := range pixels {
			if used[i] {
				continue
			}
			if d := dist2(p.Point(), s); best < 0 || d < bestD {
				best, bestD = i, d
			}
		}
		if best >= 0 {
			used[best] = true
		}
		return best
	}

	visited := make([]bool, len(pixels))
	var queues [][]int
	var speeds []float64
	var prefs [][2]int
	for _, s := range seeds {
		start := nearest(s)
		if start < 0 || visited[start] {
			continue
		}
		visited[start] = true
		queues = append(queues, []int{start})
		speeds = append(speeds, speedBase+rng.Float64()*speedSpread)
		prefs = append(prefs, directions[rng.Intn(4)])
	}

	pickQueue := func() int {
		sum := 0.0
		for i, q := range queues {
			if len(q) > 0 {
				sum += speeds[i]
			}
		}
		if sum == 0 {
			return -1
		}
		r := rng.Float64() * sum
		last := -1
		for i, q := range queues {
			if len(q) == 0 {
				continue
			}
			last = i
			r -= speeds[i]
			if r <= 0 {
				return i
			}
		}
		return last
	}

	neighbor := func(i int, d [2]int) (int, bool) {
		p := pixels[i]
		j, ok := byPoint[models.Point{X: p.X + d[0], Y: p.Y + d[1]}]
		return j, ok
	}

	dash := func(from, qi int, dir [2]int) {
		if rng.Float64() > dashChance {
			return
		}
		steps := 1 + rng.Intn(maxDashLength)
		cur := from
		for s := 0; s < steps; s++ {
			next, ok := neighbor(cur, dir)
			if !ok || visited[next] {
				return
			}
			visited[next] = true
			queues[qi] = append(queues[qi], next)
			cur = next
		}
	}

	out := make([]Pixel, 0, len(pixels))
	for {
		qi := pickQueue()
		if qi < 0 {
			break
		}
		cur := queues[qi][0]
		queues[qi] = queues[qi][1:]
		out = append(out, pixels[cur])

		first, firstDir := -1, [2]int{}
		for _, d := range orderNeighbors(rng, prefs[qi]) {
			next, ok := neighbor(cur, d)
			if !ok || visited[next] {
				continue
			}
			visited[next] = true
			queues[qi] = append(queues[qi], next)
			if first < 0 {
				first, firstDir = next, d
			}
		}
		if first >= 0 {
			if rng.Float64() < commitChance {
				prefs[qi] = firstDir
			}
			dash(first, qi, prefs[qi])
		}
	}

	for i := range pixels {
		if visited[i] {
			continue
		}
		visited[i] = true
		queue := []int{i}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			out = append(out, pixels[cur])
			for _, d := range orderNeighbors(rng, directions[rng.Intn(4)]) {
				next, ok := neighbor(cur, d)
				if ok && !visited[next] {
					visited[next] = true
					queue = append(queue, next)
				}
			}
		}
	}
	return out
}

// orderNeighbors ranks the four directions by alignment with dir plus a
// small random jitter.
func orderNeighbors(rng *rand.Rand, dir [2]int) [4][2]int {
	dirs := directions
	var score [4]float64
	for i, d := range dirs {
		score[i] = float64(d[0]*dir[0]+d[1]*dir[1]) + (rng.Float64()-0.5)*neighborJit
	}
	// insertion sort, descending by score
	for i := 1; i < len(dirs); i++ {
		for j := i; j > 0 && score[j] > score[j-1]; j-- {
			score[j], score[j-1] = score[j-1], score[j]
			dirs[j], dirs[j-1] = dirs[j-1], dirs[j]
		}
	}
	return dirs
}
