package http

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	x402 "github.com/paygate-dev/x402svm"
	"github.com/paygate-dev/x402svm/types"
)

// Header names
const (
	PaymentRequiredHeader  = "PAYMENT-REQUIRED"
	PaymentSignatureHeader = "PAYMENT-SIGNATURE"
	PaymentResponseHeader  = "PAYMENT-RESPONSE"

	// LegacyPaymentHeader is the v1 proof header. It is read but never written.
	LegacyPaymentHeader = "X-PAYMENT"

	RequestIDHeader = "X-Request-ID"
)

// EncodePaymentSignatureHeader encodes a payment payload as base64 JSON
func EncodePaymentSignatureHeader(payload x402.PaymentPayload) (string, error) {
	return encodeHeader(payload)
}

// EncodePaymentRequiredHeader encodes a 402 challenge as base64 JSON
func EncodePaymentRequiredHeader(required x402.PaymentRequired) (string, error) {
	return encodeHeader(required)
}

// DecodePaymentRequiredHeader decodes and schema-validates a PAYMENT-REQUIRED value
func DecodePaymentRequiredHeader(header string) (x402.PaymentRequired, error) {
	data, err := decodeBase64(header)
	if err != nil {
		return x402.PaymentRequired{}, err
	}
	return parsePaymentRequired(data)
}

// EncodePaymentResponseHeader encodes a settlement result as base64 JSON
func EncodePaymentResponseHeader(response x402.SettleResponse) (string, error) {
	return encodeHeader(response)
}

// DecodePaymentResponseHeader decodes and schema-validates a PAYMENT-RESPONSE value
func DecodePaymentResponseHeader(header string) (x402.SettleResponse, error) {
	data, err := decodeBase64(header)
	if err != nil {
		return x402.SettleResponse{}, err
	}
	if err := types.ValidateSettleResponse(data); err != nil {
		return x402.SettleResponse{}, err
	}

	var response x402.SettleResponse
	if err := json.Unmarshal(data, &response); err != nil {
		return x402.SettleResponse{}, fmt.Errorf("invalid settle response JSON: %w", err)
	}
	return response, nil
}

func parsePaymentRequired(data []byte) (x402.PaymentRequired, error) {
	if err := types.ValidatePaymentRequired(data); err != nil {
		return x402.PaymentRequired{}, err
	}

	var required x402.PaymentRequired
	if err := json.Unmarshal(data, &required); err != nil {
		return x402.PaymentRequired{}, fmt.Errorf("invalid payment required JSON: %w", err)
	}
	return required, nil
}

func encodeHeader(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal header: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func decodeBase64(header string) ([]byte, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, fmt.Errorf("header is empty")
	}
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 encoding: %w", err)
	}
	return data, nil
}
