package models

import "time"

/////////////////////////////////////////////////////////////////////////////
//////////////////////////////// LEVEL 1 /////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// MarketDataPoint is the per-tick record retained in the rolling history.
// Ticks themselves are ephemeral; only these derived points are stored.
type MarketDataPoint struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
	LastSize  float64   `json:"last_size"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Volume    float64   `json:"volume"`
}

/////////////////////////////////////////////////////////////////////////////
//////////////////////////////// LEVEL 2 /////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// PriceLevel represents a single resting price level in the book.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// Level2Snapshot represents the visible book state at one point in time.
// Bids are ordered best-first (decreasing price), asks best-first
// (increasing price). ImbalanceRatio is the bid share of total visible size.
type Level2Snapshot struct {
	Symbol         string       `json:"symbol"`
	Timestamp      time.Time    `json:"timestamp"`
	Bids           []PriceLevel `json:"bids"`
	Asks           []PriceLevel `json:"asks"`
	BestBid        float64      `json:"best_bid"`
	BestAsk        float64      `json:"best_ask"`
	Spread         float64      `json:"spread"`
	TotalBidSize   float64      `json:"total_bid_size"`
	TotalAskSize   float64      `json:"total_ask_size"`
	ImbalanceRatio float64      `json:"imbalance_ratio"`
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////// CUMULATIVE DELTA ///////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// DeltaTrend classifies the direction of the recent cumulative delta window.
type DeltaTrend string

const (
	TrendBullish DeltaTrend = "bullish"
	TrendBearish DeltaTrend = "bearish"
	TrendNeutral DeltaTrend = "neutral"
)

// CumulativeDeltaPoint records one classified trade and the running sum.
type CumulativeDeltaPoint struct {
	Symbol          string     `json:"symbol"`
	Timestamp       time.Time  `json:"timestamp"`
	Delta           float64    `json:"delta"`
	CumulativeDelta float64    `json:"cumulative_delta"`
	Trend           DeltaTrend `json:"trend"`
}

/////////////////////////////////////////////////////////////////////////////
//////////////////////////////// FOOTPRINT ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// FootprintLevel holds the traded volume split by aggressor side at one price.
type FootprintLevel struct {
	Price     float64 `json:"price"`
	BidVolume float64 `json:"bid_volume"`
	AskVolume float64 `json:"ask_volume"`
}

// FootprintSnapshot is a completed per-price volume bar. Snapshots are
// immutable once stored.
type FootprintSnapshot struct {
	BarID          string           `json:"bar_id"`
	Symbol         string           `json:"symbol"`
	Start          time.Time        `json:"start"`
	End            time.Time        `json:"end"`
	Levels         []FootprintLevel `json:"levels"`
	PointOfControl float64          `json:"point_of_control"`
	ValueAreaHigh  float64          `json:"value_area_high"`
	ValueAreaLow   float64          `json:"value_area_low"`
	TotalVolume    float64          `json:"total_volume"`
}

/////////////////////////////////////////////////////////////////////////////
//////////////////////////////// COMBINED ////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// CombinedSnapshot merges the most recent market data, book state and delta
// point for a symbol. Level2 and Delta may be nil when no such history exists.
type CombinedSnapshot struct {
	Symbol     string                `json:"symbol"`
	Timestamp  time.Time             `json:"timestamp"`
	MarketData MarketDataPoint       `json:"market_data"`
	Level2     *Level2Snapshot       `json:"level2,omitempty"`
	Delta      *CumulativeDeltaPoint `json:"delta,omitempty"`
}
