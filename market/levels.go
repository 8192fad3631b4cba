package market

import (
	"math"
	"sort"
	"time"
)

// PriceLevel accumulates persistence statistics for one quantized price.
type PriceLevel struct {
	Price         float64
	Hits          int
	BuyHits       int
	SellHits      int
	Bounces       int
	LastDirection int
	ConsecSameDir int
	Broken        bool
	LastTouch     time.Time
}

// NetImbalance returns the signed buy/sell hit imbalance.
func (p *PriceLevel) NetImbalance() int {
	return p.BuyHits - p.SellHits
}

// LevelBook maintains a bounded map of quantized price levels per
// instrument. Levels are created on first visit and destroyed only by
// capacity pruning, which evicts the level farthest from the current mid.
type LevelBook struct {
	quantum     float64
	capacity    int
	breakStreak int
	levels      map[int64]*PriceLevel
}

// NewLevelBook creates a book quantizing prices to the given bucket size.
// breakStreak is the consecutive-same-direction count at which a level
// is considered broken through.
func NewLevelBook(quantum float64, capacity, breakStreak int) *LevelBook {
	if capacity <= 0 {
		capacity = 64
	}
	if breakStreak <= 0 {
		breakStreak = 3
	}
	return &LevelBook{
		quantum:     quantum,
		capacity:    capacity,
		breakStreak: breakStreak,
		levels:      make(map[int64]*PriceLevel),
	}
}

// Update touches the level for mid with the classified tick direction.
func (b *LevelBook) Update(mid float64, dir int, now time.Time) {
	key := int64(math.Round(mid / b.quantum))
	lvl, ok := b.levels[key]
	if !ok {
		lvl = &PriceLevel{Price: float64(key) * b.quantum}
		b.levels[key] = lvl
	}

	lvl.Hits++
	if dir > 0 {
		lvl.BuyHits++
	} else if dir < 0 {
		lvl.SellHits++
	}
	if dir != 0 {
		if lvl.LastDirection != 0 && dir != lvl.LastDirection {
			lvl.Bounces++
			lvl.ConsecSameDir = 1
		} else {
			lvl.ConsecSameDir++
		}
		if lvl.ConsecSameDir >= b.breakStreak {
			lvl.Broken = true
		}
		lvl.LastDirection = dir
	}
	lvl.LastTouch = now

	if len(b.levels) > b.capacity {
		b.pruneFarthest(mid)
	}
}

func (b *LevelBook) pruneFarthest(mid float64) {
	var worstKey int64
	worstDist := -1.0
	for key, lvl := range b.levels {
		dist := math.Abs(lvl.Price - mid)
		if dist > worstDist {
			worstDist = dist
			worstKey = key
		}
	}
	delete(b.levels, worstKey)
}

// Len returns the number of tracked levels.
func (b *LevelBook) Len() int { return len(b.levels) }

// TopByImbalance returns up to n levels ranked by absolute net
// buy/sell imbalance, as a synthetic depth proxy.
func (b *LevelBook) TopByImbalance(n int) []*PriceLevel {
	out := make([]*PriceLevel, 0, len(b.levels))
	for _, lvl := range b.levels {
		out = append(out, lvl)
	}
	sort.Slice(out, func(i, j int) bool {
		a := out[i].NetImbalance()
		if a < 0 {
			a = -a
		}
		c := out[j].NetImbalance()
		if c < 0 {
			c = -c
		}
		return a > c
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// TopByBounce returns up to n unbroken levels ranked by bounce count,
// as support/resistance candidates.
func (b *LevelBook) TopByBounce(n int) []*PriceLevel {
	out := make([]*PriceLevel, 0, len(b.levels))
	for _, lvl := range b.levels {
		if lvl.Broken {
			continue
		}
		out = append(out, lvl)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Bounces > out[j].Bounces
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
