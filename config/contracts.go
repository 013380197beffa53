package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ContractSpec describes a single futures contract the service trades.
// Exchange overrides trading.exchange for that symbol and TickSize drives
// footprint price bucketing.
type ContractSpec struct {
	Symbol     string  `yaml:"symbol"`
	Exchange   string  `yaml:"exchange"`
	TickSize   float64 `yaml:"tick_size"`
	PointValue float64 `yaml:"point_value"`
}

// ContractBook is the full contract roster keyed by symbol.
type ContractBook struct {
	Contracts []ContractSpec `yaml:"contracts"`

	bySymbol map[string]ContractSpec
}

// LoadContracts loads the contract roster from the given path.
func LoadContracts(path string) (*ContractBook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read contracts file: %w", err)
	}
	var book ContractBook
	if err := yaml.Unmarshal(data, &book); err != nil {
		return nil, fmt.Errorf("failed to parse contracts file: %w", err)
	}
	book.bySymbol = make(map[string]ContractSpec, len(book.Contracts))
	for _, c := range book.Contracts {
		if c.Symbol == "" {
			return nil, fmt.Errorf("contracts entry is missing a symbol")
		}
		if c.TickSize < 0 {
			return nil, fmt.Errorf("contract %s has negative tick_size", c.Symbol)
		}
		book.bySymbol[c.Symbol] = c
	}
	return &book, nil
}

// BySymbol returns the spec for symbol and whether one was defined.
func (b *ContractBook) BySymbol(symbol string) (ContractSpec, bool) {
	if b == nil || b.bySymbol == nil {
		return ContractSpec{}, false
	}
	c, ok := b.bySymbol[symbol]
	return c, ok
}
