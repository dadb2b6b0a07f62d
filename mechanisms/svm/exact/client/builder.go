package client

import (
	"go.uber.org/zap"

	x402 "github.com/paygate-dev/x402svm"
	"github.com/paygate-dev/x402svm/mechanisms/svm"
)

// SvmClientConfig holds configuration for creating an SVM x402 client
type SvmClientConfig struct {
	// Signer creates payment signatures
	Signer svm.ClientSvmSigner
	// PaymentRequirementsSelector picks among offered requirements (optional)
	PaymentRequirementsSelector x402.PaymentRequirementsSelector
	// Chain access (optional - uses network defaults if nil)
	Config *Config
	// Logger (optional)
	Logger *zap.Logger
	// Networks to register; defaults to the solana:* wildcard
	Networks []x402.Network
}

// NewSvmClient creates an x402 client configured for exact SVM payments
//
// Example:
//
//	client := client.NewSvmClient(client.SvmClientConfig{
//	    Signer: mySvmSigner,
//	})
func NewSvmClient(config SvmClientConfig) *x402.X402Client {
	opts := []x402.ClientOption{}
	if config.PaymentRequirementsSelector != nil {
		opts = append(opts, x402.WithPaymentSelector(config.PaymentRequirementsSelector))
	}
	if config.Logger != nil {
		opts = append(opts, x402.WithClientLogger(config.Logger))
	}

	c := x402.Newx402Client(opts...)
	Register(c, config.Signer, config.Config, config.Networks...)
	return c
}
