package http

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"

	x402 "github.com/paygate-dev/x402svm"
	"github.com/paygate-dev/x402svm/types"
)

// Base64 regex pattern - requires at least one character
var base64Regex = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)

// ValidateAndDecodePaymentHeader validates and decodes a payment header string.
// It checks, in order:
// - Base64 format
// - JSON structure against the PaymentPayload schema
// - Protocol version
//
// Returns the decoded PaymentPayload if valid, or an error with a descriptive message.
func ValidateAndDecodePaymentHeader(paymentHeader string) (*x402.PaymentPayload, error) {
	if paymentHeader == "" {
		return nil, fmt.Errorf("payment header is empty")
	}

	if !base64Regex.MatchString(paymentHeader) {
		return nil, fmt.Errorf("invalid payment header format: not valid base64")
	}

	decoded, err := base64.StdEncoding.DecodeString(paymentHeader)
	if err != nil {
		return nil, fmt.Errorf("invalid payment header format: base64 decoding failed - %v", err)
	}

	if !json.Valid(decoded) {
		return nil, fmt.Errorf("invalid payment header format: not valid JSON")
	}

	if err := types.ValidatePaymentPayload(decoded); err != nil {
		return nil, fmt.Errorf("invalid payment payload: %v", err)
	}

	version, err := types.DetectVersion(decoded)
	if err != nil {
		return nil, fmt.Errorf("invalid payment payload: %v", err)
	}
	if version != x402.ProtocolVersion {
		return nil, fmt.Errorf("unsupported x402Version %d", version)
	}

	var payload x402.PaymentPayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse payment payload: %v", err)
	}

	return &payload, nil
}
