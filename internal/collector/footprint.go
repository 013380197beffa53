package collector

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"miaflow/models"
)

// valueAreaShare is the fraction of bar volume the value area must cover.
const valueAreaShare = 0.70

// footprintBar accumulates per-price aggressor volume for one bar interval.
type footprintBar struct {
	id     string
	symbol string
	start  time.Time
	end    time.Time
	levels map[float64]*models.FootprintLevel
}

func newFootprintBar(symbol string, start time.Time, interval time.Duration) *footprintBar {
	return &footprintBar{
		id:     uuid.New().String(),
		symbol: symbol,
		start:  start,
		end:    start.Add(interval),
		levels: make(map[float64]*models.FootprintLevel),
	}
}

// add records one classified trade. Buyer-initiated volume lands on the ask
// side of its price level, seller-initiated on the bid side.
func (b *footprintBar) add(price, size float64, buyerInitiated bool) {
	lvl, ok := b.levels[price]
	if !ok {
		lvl = &models.FootprintLevel{Price: price}
		b.levels[price] = lvl
	}
	if buyerInitiated {
		lvl.AskVolume += size
	} else {
		lvl.BidVolume += size
	}
}

func (b *footprintBar) empty() bool {
	return len(b.levels) == 0
}

// snapshot freezes the bar: levels sorted by price, point of control and
// value area computed once. The stored snapshot is never recomputed.
func (b *footprintBar) snapshot() models.FootprintSnapshot {
	levels := make([]models.FootprintLevel, 0, len(b.levels))
	for _, lvl := range b.levels {
		levels = append(levels, *lvl)
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].Price < levels[j].Price })

	total := 0.0
	poc := 0
	for i, lvl := range levels {
		vol := lvl.BidVolume + lvl.AskVolume
		total += vol
		if vol > levels[poc].BidVolume+levels[poc].AskVolume {
			poc = i
		}
	}

	low, high := valueArea(levels, poc, total)

	return models.FootprintSnapshot{
		BarID:          b.id,
		Symbol:         b.symbol,
		Start:          b.start,
		End:            b.end,
		Levels:         levels,
		PointOfControl: levels[poc].Price,
		ValueAreaHigh:  levels[high].Price,
		ValueAreaLow:   levels[low].Price,
		TotalVolume:    total,
	}
}

// valueArea expands outward from the point of control, taking the heavier
// neighbor first, until the covered volume reaches the value-area share.
func valueArea(levels []models.FootprintLevel, poc int, total float64) (low, high int) {
	vol := func(i int) float64 { return levels[i].BidVolume + levels[i].AskVolume }

	low, high = poc, poc
	covered := vol(poc)
	for covered < valueAreaShare*total {
		below := -1.0
		if low > 0 {
			below = vol(low - 1)
		}
		above := -1.0
		if high < len(levels)-1 {
			above = vol(high + 1)
		}
		if below < 0 && above < 0 {
			break
		}
		if above >= below {
			high++
			covered += above
		} else {
			low--
			covered += below
		}
	}
	return low, high
}
