// Package types holds the x402 wire-format schemas and raw JSON helpers that work
// before a message is decoded into the typed structs of the root package.
package types

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const requirementsSchema = `{
	"type": "object",
	"required": ["scheme", "network", "asset", "amount", "payTo", "maxTimeoutSeconds"],
	"properties": {
		"scheme": {"type": "string", "minLength": 1},
		"network": {"type": "string", "pattern": "^[-a-z0-9]{3,8}:[-_a-zA-Z0-9*]{1,32}$"},
		"asset": {"type": "string", "minLength": 1},
		"amount": {"type": "string", "pattern": "^[0-9]+$"},
		"payTo": {"type": "string", "minLength": 1},
		"maxTimeoutSeconds": {"type": "integer", "minimum": 0},
		"extra": {"type": "object"}
	}
}`

// PaymentPayloadSchema describes the decoded PAYMENT-SIGNATURE header
var PaymentPayloadSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["x402Version", "accepted", "payload"],
	"properties": {
		"x402Version": {"type": "integer", "minimum": 1},
		"accepted": ` + requirementsSchema + `,
		"payload": {"type": "object", "minProperties": 1},
		"resource": {
			"type": "object",
			"required": ["url"],
			"properties": {
				"url": {"type": "string"},
				"description": {"type": "string"},
				"mimeType": {"type": "string"}
			}
		},
		"extensions": {"type": "object"}
	}
}`

// PaymentRequiredSchema describes the decoded PAYMENT-REQUIRED header or 402 body
var PaymentRequiredSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["x402Version", "accepts"],
	"properties": {
		"x402Version": {"type": "integer", "minimum": 1},
		"error": {"type": "string"},
		"accepts": {"type": "array", "items": ` + requirementsSchema + `},
		"resource": {"type": "object"},
		"extensions": {"type": "object"}
	}
}`

// SettleResponseSchema describes the decoded PAYMENT-RESPONSE header
var SettleResponseSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["success", "network"],
	"properties": {
		"success": {"type": "boolean"},
		"errorReason": {"type": "string"},
		"payer": {"type": "string"},
		"transaction": {"type": "string"},
		"network": {"type": "string"}
	}
}`

var (
	paymentPayloadSchema  = gojsonschema.NewStringLoader(PaymentPayloadSchema)
	paymentRequiredSchema = gojsonschema.NewStringLoader(PaymentRequiredSchema)
	settleResponseSchema  = gojsonschema.NewStringLoader(SettleResponseSchema)
)

// ValidatePaymentPayload checks raw JSON against PaymentPayloadSchema
func ValidatePaymentPayload(data []byte) error {
	return validate(paymentPayloadSchema, data)
}

// ValidatePaymentRequired checks raw JSON against PaymentRequiredSchema
func ValidatePaymentRequired(data []byte) error {
	return validate(paymentRequiredSchema, data)
}

// ValidateSettleResponse checks raw JSON against SettleResponseSchema
func ValidateSettleResponse(data []byte) error {
	return validate(settleResponseSchema, data)
}

func validate(schema gojsonschema.JSONLoader, data []byte) error {
	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}
	return fmt.Errorf("invalid document: %s", strings.Join(msgs, "; "))
}

// DetectVersion reads x402Version from raw JSON without decoding the rest
func DetectVersion(data []byte) (int, error) {
	var versioned struct {
		X402Version *int `json:"x402Version"`
	}
	if err := json.Unmarshal(data, &versioned); err != nil {
		return 0, fmt.Errorf("invalid JSON: %w", err)
	}
	if versioned.X402Version == nil {
		return 0, fmt.Errorf("missing x402Version")
	}
	return *versioned.X402Version, nil
}
