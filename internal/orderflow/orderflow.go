// Package orderflow defines the contract between the connector and the
// downstream signal generator. The analyzer itself lives outside this
// service; only the normalized input and the signal it returns are owned
// here.
package orderflow

import (
	"context"
	"time"

	"miaflow/models"
)

// Level2 is the book slice included in every analyzer input.
type Level2 struct {
	BidLevels      []models.PriceLevel `json:"bid_levels"`
	AskLevels      []models.PriceLevel `json:"ask_levels"`
	ImbalanceRatio float64             `json:"imbalance_ratio"`
}

// Input is the normalized snapshot handed to the analyzer. BidVolume and
// AskVolume are the total visible sizes per side; Delta is the latest
// classified trade delta (0 when no delta history exists yet).
type Input struct {
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	BidVolume float64   `json:"bid_volume"`
	AskVolume float64   `json:"ask_volume"`
	Delta     float64   `json:"delta"`
	Level2    Level2    `json:"level2"`
}

// Signal is the analyzer verdict surfaced to signal callbacks.
type Signal struct {
	Signal     string    `json:"signal"`
	Strength   float64   `json:"strength"`
	Confidence float64   `json:"confidence"`
	Reasoning  string    `json:"reasoning"`
	Timestamp  time.Time `json:"timestamp"`
}

// Analyzer turns one normalized snapshot into a trading signal. A nil
// *Signal with a nil error means the analyzer has no opinion on this input.
type Analyzer interface {
	Analyze(ctx context.Context, in Input) (*Signal, error)
}
