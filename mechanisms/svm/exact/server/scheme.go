// Package server implements the resource-server side of the exact SVM scheme:
// pricing in the network's stable asset and carrying the facilitator's fee payer.
package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	x402 "github.com/paygate-dev/x402svm"
	"github.com/paygate-dev/x402svm/mechanisms/svm"
)

// ExactSvmScheme implements x402.SchemeNetworkServer for exact SVM payments
type ExactSvmScheme struct {
	moneyParsers []x402.MoneyParser
}

// NewExactSvmScheme creates the server scheme
func NewExactSvmScheme() *ExactSvmScheme {
	return &ExactSvmScheme{}
}

// Scheme returns the scheme identifier
func (s *ExactSvmScheme) Scheme() string {
	return svm.SchemeExact
}

// RegisterMoneyParser adds a custom decimal-to-asset conversion. Parsers run in
// registration order; the first non-nil result wins and USDC is the fallback.
func (s *ExactSvmScheme) RegisterMoneyParser(parser x402.MoneyParser) *ExactSvmScheme {
	s.moneyParsers = append(s.moneyParsers, parser)
	return s
}

// ParsePrice converts a price into atomic units of an SPL asset.
// Accepted forms: "$0.01", "0.01", "0.01 USDC", numbers, and a pre-parsed
// map or AssetAmount with amount and asset.
func (s *ExactSvmScheme) ParsePrice(price x402.Price, network x402.Network) (x402.AssetAmount, error) {
	config, err := svm.GetNetworkConfig(string(network))
	if err != nil {
		return x402.AssetAmount{}, err
	}

	switch v := price.(type) {
	case x402.AssetAmount:
		return s.parsePreParsed(v.Amount, v.Asset, v.Extra, config)
	case *x402.AssetAmount:
		return s.parsePreParsed(v.Amount, v.Asset, v.Extra, config)
	case map[string]interface{}:
		amount, ok := v["amount"].(string)
		if !ok {
			return x402.AssetAmount{}, fmt.Errorf("amount must be a string")
		}
		asset, _ := v["asset"].(string)
		extra, _ := v["extra"].(map[string]interface{})
		return s.parsePreParsed(amount, asset, extra, config)
	case string:
		return s.parseStringPrice(v, network, config)
	case float64:
		return s.parseMoney(decimal.NewFromFloat(v), network, config)
	case int:
		return s.parseMoney(decimal.NewFromInt(int64(v)), network, config)
	case int64:
		return s.parseMoney(decimal.NewFromInt(v), network, config)
	case decimal.Decimal:
		return s.parseMoney(v, network, config)
	}

	return x402.AssetAmount{}, fmt.Errorf("invalid price format: %v", price)
}

// parsePreParsed passes through an amount already in atomic units
func (s *ExactSvmScheme) parsePreParsed(amount, asset string, extra map[string]interface{}, config *svm.NetworkConfig) (x402.AssetAmount, error) {
	if amount == "" {
		return x402.AssetAmount{}, fmt.Errorf("amount is required")
	}
	if _, err := decimal.NewFromString(amount); err != nil || strings.ContainsAny(amount, ".-") {
		return x402.AssetAmount{}, fmt.Errorf("pre-parsed amount must be a non-negative integer: %q", amount)
	}
	if asset == "" {
		asset = config.DefaultAsset.Address
	} else if err := svm.ValidateSolanaAddress(asset); err != nil {
		return x402.AssetAmount{}, err
	}
	if extra == nil {
		extra = map[string]interface{}{}
	}
	return x402.AssetAmount{Amount: amount, Asset: asset, Extra: extra}, nil
}

func (s *ExactSvmScheme) parseStringPrice(price string, network x402.Network, config *svm.NetworkConfig) (x402.AssetAmount, error) {
	parts := strings.Fields(strings.TrimSpace(price))

	switch len(parts) {
	case 1:
		d, err := svm.ParseDecimal(parts[0])
		if err != nil {
			return x402.AssetAmount{}, err
		}
		return s.parseMoney(d, network, config)

	case 2:
		// "0.10 USDC"
		symbol := strings.ToUpper(parts[1])
		var asset *svm.AssetInfo
		if symbol == "USD" || symbol == "USDC" {
			asset = &config.DefaultAsset
		} else {
			var err error
			asset, err = svm.GetAssetInfo(config.CAIP2, symbol)
			if err != nil || asset.Decimals == 0 {
				return x402.AssetAmount{}, fmt.Errorf("unsupported asset: %s on network %s", symbol, config.CAIP2)
			}
		}
		amount, err := svm.ParseAmount(parts[0], asset.Decimals)
		if err != nil {
			return x402.AssetAmount{}, err
		}
		return x402.AssetAmount{
			Amount: fmt.Sprintf("%d", amount),
			Asset:  asset.Address,
			Extra:  map[string]interface{}{},
		}, nil
	}

	return x402.AssetAmount{}, fmt.Errorf(
		"invalid price format: %s. Must specify currency (e.g., \"0.10 USDC\") or use simple number format",
		price,
	)
}

// parseMoney runs custom parsers, then falls back to the network's USDC
func (s *ExactSvmScheme) parseMoney(amount decimal.Decimal, network x402.Network, config *svm.NetworkConfig) (x402.AssetAmount, error) {
	for _, parser := range s.moneyParsers {
		result, err := parser(amount, network)
		if err != nil {
			continue
		}
		if result != nil {
			return *result, nil
		}
	}

	atomic, err := svm.ToAtomicUnits(amount, config.DefaultAsset.Decimals)
	if err != nil {
		return x402.AssetAmount{}, err
	}
	return x402.AssetAmount{
		Amount: fmt.Sprintf("%d", atomic),
		Asset:  config.DefaultAsset.Address,
		Extra:  map[string]interface{}{},
	}, nil
}

// EnhancePaymentRequirements fills in the default asset and copies the
// facilitator's feePayer, which clients need to build the transaction.
func (s *ExactSvmScheme) EnhancePaymentRequirements(
	ctx context.Context,
	requirements x402.PaymentRequirements,
	supportedKind x402.SupportedKind,
	extensionKeys []string,
) (x402.PaymentRequirements, error) {
	if supportedKind.X402Version != x402.ProtocolVersion {
		return requirements, fmt.Errorf("unsupported x402 version %d", supportedKind.X402Version)
	}

	config, err := svm.GetNetworkConfig(string(requirements.Network))
	if err != nil {
		return requirements, err
	}

	if requirements.Asset == "" {
		requirements.Asset = config.DefaultAsset.Address
	}

	if strings.Contains(requirements.Amount, ".") {
		asset, err := svm.GetAssetInfo(string(requirements.Network), requirements.Asset)
		if err != nil {
			return requirements, err
		}
		amount, err := svm.ParseAmount(requirements.Amount, asset.Decimals)
		if err != nil {
			return requirements, fmt.Errorf("failed to parse amount: %w", err)
		}
		requirements.Amount = fmt.Sprintf("%d", amount)
	}

	if requirements.Extra == nil {
		requirements.Extra = make(map[string]interface{})
	}

	feePayer, ok := supportedKind.Extra["feePayer"].(string)
	if !ok || feePayer == "" {
		return requirements, fmt.Errorf("facilitator did not advertise a feePayer for %s", requirements.Network)
	}
	requirements.Extra["feePayer"] = feePayer

	if requirements.Asset == config.DefaultAsset.Address {
		requirements.Extra["decimals"] = config.DefaultAsset.Decimals
		requirements.Extra["symbol"] = config.DefaultAsset.Symbol
	}

	for _, key := range extensionKeys {
		if val, ok := supportedKind.Extra[key]; ok {
			requirements.Extra[key] = val
		}
	}

	return requirements, nil
}

// Register adds the exact SVM scheme for each network to a resource server
func Register(server *x402.X402ResourceServer, networks ...x402.Network) *ExactSvmScheme {
	scheme := NewExactSvmScheme()
	if len(networks) == 0 {
		networks = []x402.Network{svm.SolanaFamily}
	}
	for _, network := range networks {
		server.Register(network, scheme)
	}
	return scheme
}
