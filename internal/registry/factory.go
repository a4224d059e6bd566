package registry

import (
	"fmt"

	"go.uber.org/zap"

	"execution-core/pkg/config"
	"execution-core/pkg/crypto"
	exfutusdt "execution-core/pkg/exchanges/binance/futures_usdt"
	exspot "execution-core/pkg/exchanges/binance/spot"
	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/exchanges/paper"
)

// Credentials are resolved API secrets for one venue.
type Credentials struct {
	APIKey    string
	APISecret string
}

// BuildContext gives builders access to already registered venues.
type BuildContext struct {
	Log    *zap.Logger
	Lookup func(name string) (common.Adapter, bool)
}

// Builder creates an adapter for one exchange type.
type Builder func(spec config.ExchangeSpec, creds Credentials, bc BuildContext) (common.Adapter, error)

// Factory creates adapters keyed by exchange type, resolving credential
// references before the builder runs.
type Factory struct {
	builders map[common.ExchangeType]Builder
	resolver *crypto.Resolver
}

// NewFactory returns a factory with the built-in venue types registered.
func NewFactory(resolver *crypto.Resolver) *Factory {
	if resolver == nil {
		resolver = crypto.NewResolver(nil)
	}
	f := &Factory{builders: make(map[common.ExchangeType]Builder), resolver: resolver}
	f.Register(common.TypeBinanceSpot, buildSpot)
	f.Register(common.TypeBinanceUSDTFut, buildFuturesUSDT)
	f.Register(common.TypePaper, buildPaper)
	return f
}

// Register adds or replaces the builder for t.
func (f *Factory) Register(t common.ExchangeType, b Builder) {
	f.builders[t] = b
}

// Types lists the exchange types the factory can build.
func (f *Factory) Types() []common.ExchangeType {
	out := make([]common.ExchangeType, 0, len(f.builders))
	for t := range f.builders {
		out = append(out, t)
	}
	return out
}

// Build resolves credentials and creates the adapter described by spec.
func (f *Factory) Build(spec config.ExchangeSpec, bc BuildContext) (common.Adapter, error) {
	b, ok := f.builders[common.ExchangeType(spec.Type)]
	if !ok {
		return nil, fmt.Errorf("unsupported exchange type: %s", spec.Type)
	}
	key, err := f.resolver.Resolve(spec.APIKeyRef)
	if err != nil {
		return nil, fmt.Errorf("resolve api key for %s: %w", spec.Name, err)
	}
	secret, err := f.resolver.Resolve(spec.APISecretRef)
	if err != nil {
		return nil, fmt.Errorf("resolve api secret for %s: %w", spec.Name, err)
	}
	if bc.Log == nil {
		bc.Log = zap.NewNop()
	}
	return b(spec, Credentials{APIKey: key, APISecret: secret}, bc)
}

func capabilities(spec config.ExchangeSpec) common.Capabilities {
	return common.Capabilities{
		TakerFeeBps:       spec.TakerFeeBps,
		MakerFeeBps:       spec.MakerFeeBps,
		RequestsPerSecond: spec.RequestsPerSec,
		Burst:             spec.Burst,
	}
}

func buildSpot(spec config.ExchangeSpec, creds Credentials, bc BuildContext) (common.Adapter, error) {
	return exspot.New(exspot.Config{
		Name:         spec.Name,
		APIKey:       creds.APIKey,
		APISecret:    creds.APISecret,
		Testnet:      spec.Testnet,
		Capabilities: capabilities(spec),
	}, bc.Log), nil
}

func buildFuturesUSDT(spec config.ExchangeSpec, creds Credentials, bc BuildContext) (common.Adapter, error) {
	return exfutusdt.NewClient(exfutusdt.Config{
		Name:         spec.Name,
		APIKey:       creds.APIKey,
		APISecret:    creds.APISecret,
		Testnet:      spec.Testnet,
		Capabilities: capabilities(spec),
	}, bc.Log), nil
}

func buildPaper(spec config.ExchangeSpec, _ Credentials, bc BuildContext) (common.Adapter, error) {
	cfg := paper.Config{
		Name:         spec.Name,
		Capabilities: capabilities(spec),
		StartPrices:  spec.Paper.StartPrices,
		SlippageBps:  spec.Paper.SlippageBps,
		TickSize:     spec.Paper.TickSize,
		LevelQty:     spec.Paper.LevelQty,
	}
	if name := spec.Paper.MarketData; name != "" {
		if bc.Lookup == nil {
			return nil, fmt.Errorf("paper venue %s: market data venue %s unavailable", spec.Name, name)
		}
		up, ok := bc.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("paper venue %s: market data venue %s is not registered", spec.Name, name)
		}
		cfg.MarketData = up
	}
	return paper.New(cfg, bc.Log), nil
}
