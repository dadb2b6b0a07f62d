// Package svm provides SVM (Solana Virtual Machine) support for the x402 payment protocol.
// The exact scheme pays with a single SPL Token TransferChecked instruction whose fee is
// covered by the facilitator; see the exact/client, exact/server and exact/facilitator packages.
package svm

import (
	"fmt"
	"strings"

	solana "github.com/gagliardetto/solana-go"
)

// SchemeExact is the scheme identifier for exact-amount transfers
const SchemeExact = "exact"

// CAIP-2 network identifiers (genesis hash prefixes)
const (
	SolanaMainnetCAIP2 = "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"
	SolanaDevnetCAIP2  = "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1"

	// SolanaFamily matches every Solana cluster
	SolanaFamily = "solana:*"
)

// USDC mint addresses
const (
	USDCMainnetAddress = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	USDCDevnetAddress  = "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"
)

// Default RPC endpoints
const (
	MainnetRPCURL = "https://api.mainnet-beta.solana.com"
	DevnetRPCURL  = "https://api.devnet.solana.com"
)

// Transaction shape
const (
	// DefaultComputeUnitLimit covers ComputeLimit + ComputePrice + TransferChecked
	DefaultComputeUnitLimit uint32 = 6500
	// DefaultComputeUnitPrice in micro-lamports
	DefaultComputeUnitPrice uint64 = 1
	// MaxComputeUnitPrice the facilitator will pay for, in micro-lamports
	MaxComputeUnitPrice uint64 = 5_000_000

	MinInstructions = 3
	MaxInstructions = 5
)

// MemoProgramAddress may appear in optional trailing instructions
var MemoProgramAddress = solana.MemoProgramID.String()

// AssetInfo describes an SPL token
type AssetInfo struct {
	Address  string
	Symbol   string
	Decimals int
}

// NetworkConfig holds per-cluster defaults
type NetworkConfig struct {
	CAIP2        string
	Name         string
	RPCURL       string
	DefaultAsset AssetInfo
}

var networkConfigs = map[string]NetworkConfig{
	SolanaMainnetCAIP2: {
		CAIP2:  SolanaMainnetCAIP2,
		Name:   "mainnet-beta",
		RPCURL: MainnetRPCURL,
		DefaultAsset: AssetInfo{
			Address:  USDCMainnetAddress,
			Symbol:   "USDC",
			Decimals: 6,
		},
	},
	SolanaDevnetCAIP2: {
		CAIP2:  SolanaDevnetCAIP2,
		Name:   "devnet",
		RPCURL: DevnetRPCURL,
		DefaultAsset: AssetInfo{
			Address:  USDCDevnetAddress,
			Symbol:   "USDC",
			Decimals: 6,
		},
	},
}

// Networks returns every supported CAIP-2 network
func Networks() []string {
	return []string{SolanaMainnetCAIP2, SolanaDevnetCAIP2}
}

// IsValidNetwork reports whether network is a supported Solana cluster
func IsValidNetwork(network string) bool {
	_, ok := networkConfigs[network]
	return ok
}

// GetNetworkConfig returns the defaults for a supported network
func GetNetworkConfig(network string) (*NetworkConfig, error) {
	config, ok := networkConfigs[network]
	if !ok {
		return nil, fmt.Errorf("unsupported network: %s", network)
	}
	return &config, nil
}

// GetAssetInfo resolves an asset by symbol or mint address on a network.
// Unknown mint addresses are accepted with the default asset's decimals unknown (0);
// callers that need decimals for them must read the mint account.
func GetAssetInfo(network, symbolOrAddress string) (*AssetInfo, error) {
	config, err := GetNetworkConfig(network)
	if err != nil {
		return nil, err
	}

	if strings.EqualFold(symbolOrAddress, config.DefaultAsset.Symbol) || symbolOrAddress == config.DefaultAsset.Address {
		asset := config.DefaultAsset
		return &asset, nil
	}

	if err := ValidateSolanaAddress(symbolOrAddress); err != nil {
		return nil, fmt.Errorf("unsupported asset %s on network %s", symbolOrAddress, network)
	}
	return &AssetInfo{Address: symbolOrAddress}, nil
}

// ValidateSolanaAddress checks that s is a base58 encoded 32-byte public key
func ValidateSolanaAddress(s string) error {
	if _, err := solana.PublicKeyFromBase58(s); err != nil {
		return fmt.Errorf("invalid solana address %q: %w", s, err)
	}
	return nil
}
