package config

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ExchangeSpec describes one venue to register at startup.
type ExchangeSpec struct {
	Name           string          `yaml:"name"`
	Type           string          `yaml:"type"`
	Testnet        bool            `yaml:"testnet"`
	APIKeyRef      string          `yaml:"api_key"`
	APISecretRef   string          `yaml:"api_secret"`
	TakerFeeBps    decimal.Decimal `yaml:"taker_fee_bps"`
	MakerFeeBps    decimal.Decimal `yaml:"maker_fee_bps"`
	RequestsPerSec float64         `yaml:"requests_per_second"`
	Burst          int             `yaml:"burst"`
	Paper          PaperSpec       `yaml:"paper"`
}

// PaperSpec configures the simulated venue.
type PaperSpec struct {
	// MarketData names a registered venue whose quotes drive the simulation.
	// Empty means a synthetic random walk.
	MarketData  string                     `yaml:"market_data"`
	StartPrices map[string]decimal.Decimal `yaml:"start_prices"`
	SlippageBps decimal.Decimal            `yaml:"slippage_bps"`
	LevelQty    decimal.Decimal            `yaml:"level_qty"`
	TickSize    decimal.Decimal            `yaml:"tick_size"`
}

type exchangesFile struct {
	Exchanges []ExchangeSpec `yaml:"exchanges"`
}

// LoadExchanges reads the exchanges file. A missing file yields a single
// paper venue so the process can start without credentials.
func LoadExchanges(path string) ([]ExchangeSpec, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return []ExchangeSpec{{Name: "paper", Type: "paper"}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read exchanges file: %w", err)
	}
	return ParseExchanges(raw)
}

// ParseExchanges decodes and validates an exchanges document.
func ParseExchanges(raw []byte) ([]ExchangeSpec, error) {
	var f exchangesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode exchanges file: %w", err)
	}
	seen := make(map[string]bool, len(f.Exchanges))
	for i, ex := range f.Exchanges {
		if ex.Name == "" {
			return nil, fmt.Errorf("exchanges[%d]: name required", i)
		}
		if ex.Type == "" {
			return nil, fmt.Errorf("exchange %s: type required", ex.Name)
		}
		if seen[ex.Name] {
			return nil, fmt.Errorf("exchange %s: duplicate name", ex.Name)
		}
		seen[ex.Name] = true
	}
	return f.Exchanges, nil
}
