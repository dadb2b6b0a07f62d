package x402

import (
	"context"

	"github.com/shopspring/decimal"
)

// MoneyParser converts a decimal amount to an AssetAmount.
// If the parser cannot handle the conversion, it should return nil.
// Multiple parsers can be registered and will be tried in order; the scheme's
// default conversion is always used as a fallback.
type MoneyParser func(amount decimal.Decimal, network Network) (*AssetAmount, error)

// SchemeNetworkClient is implemented by client-side payment mechanisms.
// It builds and signs the scheme-specific part of a payment payload.
type SchemeNetworkClient interface {
	Scheme() string
	CreatePaymentPayload(ctx context.Context, requirements PaymentRequirements) (PartialPaymentPayload, error)
}

// SchemeNetworkServer is implemented by server-side payment mechanisms
type SchemeNetworkServer interface {
	Scheme() string
	ParsePrice(price Price, network Network) (AssetAmount, error)
	EnhancePaymentRequirements(
		ctx context.Context,
		requirements PaymentRequirements,
		supportedKind SupportedKind,
		extensions []string,
	) (PaymentRequirements, error)
}

// SchemeNetworkFacilitator is implemented by facilitator-side payment mechanisms
type SchemeNetworkFacilitator interface {
	Scheme() string

	// CaipFamily returns the CAIP family pattern this facilitator supports,
	// e.g. "solana:*". Used to group signers in the supported response.
	CaipFamily() string

	// GetExtra returns mechanism-specific extra data for the supported kinds endpoint.
	// SVM schemes return the fee payer address.
	GetExtra(network Network) map[string]interface{}

	// GetSigners returns signer addresses used by this facilitator for a given network
	GetSigners(network Network) []string

	Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*VerifyResponse, error)
	Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*SettleResponse, error)
}

// FacilitatorClient is how a resource server reaches a facilitator.
// HTTPFacilitatorClient talks to a remote one; X402Facilitator satisfies it in-process.
type FacilitatorClient interface {
	Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*VerifyResponse, error)
	Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*SettleResponse, error)
	GetSupported(ctx context.Context) (SupportedResponse, error)
}
