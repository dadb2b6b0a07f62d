package http

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	x402 "github.com/paygate-dev/x402svm"
)

func validPayloadMap() map[string]interface{} {
	return map[string]interface{}{
		"x402Version": 2,
		"resource":    map[string]interface{}{"url": "http://localhost:3001/premium"},
		"accepted": map[string]interface{}{
			"scheme":            "exact",
			"network":           "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1",
			"asset":             "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU",
			"amount":            "10000",
			"payTo":             "5WeCpRxH4VjH5CRV6Df3qAs8H4isg63CRiWuNXGPxVuC",
			"maxTimeoutSeconds": 300,
		},
		"payload": map[string]interface{}{"transaction": "AQID"},
	}
}

func encodeMap(t *testing.T, m map[string]interface{}) string {
	t.Helper()
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	return base64.StdEncoding.EncodeToString(data)
}

func TestValidateAndDecodePaymentHeader(t *testing.T) {
	t.Run("Empty/Invalid Base64", func(t *testing.T) {
		tests := []struct {
			name          string
			header        string
			expectedError string
		}{
			{
				name:          "empty string",
				header:        "",
				expectedError: "payment header is empty",
			},
			{
				name:          "invalid base64 characters",
				header:        "invalid@#$%",
				expectedError: "invalid payment header format: not valid base64",
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := ValidateAndDecodePaymentHeader(tt.header)
				if err == nil {
					t.Errorf("expected error but got none")
					return
				}
				if err.Error() != tt.expectedError {
					t.Errorf("expected error %q, got %q", tt.expectedError, err.Error())
				}
			})
		}
	})

	t.Run("Valid Base64 but Invalid JSON", func(t *testing.T) {
		for _, content := range []string{"not json at all", "{invalid json}"} {
			encoded := base64.StdEncoding.EncodeToString([]byte(content))
			_, err := ValidateAndDecodePaymentHeader(encoded)
			if err == nil {
				t.Errorf("expected error for %q", content)
				continue
			}
			if !strings.HasPrefix(err.Error(), "invalid payment header format: not valid JSON") {
				t.Errorf("expected JSON error, got %q", err.Error())
			}
		}
	})

	t.Run("Schema Violations", func(t *testing.T) {
		tests := []struct {
			name   string
			mutate func(map[string]interface{})
		}{
			{"missing x402Version", func(m map[string]interface{}) { delete(m, "x402Version") }},
			{"string x402Version", func(m map[string]interface{}) { m["x402Version"] = "2" }},
			{"missing accepted", func(m map[string]interface{}) { delete(m, "accepted") }},
			{"missing payload", func(m map[string]interface{}) { delete(m, "payload") }},
			{"empty payload", func(m map[string]interface{}) { m["payload"] = map[string]interface{}{} }},
			{"decimal amount", func(m map[string]interface{}) {
				m["accepted"].(map[string]interface{})["amount"] = "0.01"
			}},
			{"bad network", func(m map[string]interface{}) {
				m["accepted"].(map[string]interface{})["network"] = "solana"
			}},
			{"resource without url", func(m map[string]interface{}) { m["resource"] = map[string]interface{}{} }},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				m := validPayloadMap()
				tt.mutate(m)
				if _, err := ValidateAndDecodePaymentHeader(encodeMap(t, m)); err == nil {
					t.Error("expected schema error but got none")
				}
			})
		}
	})

	t.Run("Unsupported Version", func(t *testing.T) {
		m := validPayloadMap()
		m["x402Version"] = 1
		_, err := ValidateAndDecodePaymentHeader(encodeMap(t, m))
		if err == nil || !strings.Contains(err.Error(), "unsupported x402Version") {
			t.Errorf("expected version error, got %v", err)
		}
	})

	t.Run("Valid Payload", func(t *testing.T) {
		payload, err := ValidateAndDecodePaymentHeader(encodeMap(t, validPayloadMap()))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if payload.X402Version != x402.ProtocolVersion {
			t.Errorf("expected version 2, got %d", payload.X402Version)
		}
		if payload.Accepted.Amount != "10000" {
			t.Errorf("expected amount 10000, got %s", payload.Accepted.Amount)
		}
		if payload.Payload["transaction"] != "AQID" {
			t.Errorf("unexpected payload: %v", payload.Payload)
		}
	})
}

func TestHeaderRoundTrip(t *testing.T) {
	required := x402.PaymentRequired{
		X402Version: x402.ProtocolVersion,
		Error:       "Payment required",
		Accepts: []x402.PaymentRequirements{{
			Scheme:            "exact",
			Network:           "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1",
			Asset:             "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU",
			Amount:            "10000",
			PayTo:             "5WeCpRxH4VjH5CRV6Df3qAs8H4isg63CRiWuNXGPxVuC",
			MaxTimeoutSeconds: 300,
		}},
	}
	header, err := EncodePaymentRequiredHeader(required)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	decoded, err := DecodePaymentRequiredHeader(header)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(decoded.Accepts) != 1 || decoded.Accepts[0].Amount != "10000" {
		t.Errorf("unexpected decoded challenge: %+v", decoded)
	}

	settle := x402.SettleResponse{Success: true, Transaction: "5sig", Network: "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1"}
	header, err = EncodePaymentResponseHeader(settle)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	back, err := DecodePaymentResponseHeader(header)
	if err != nil || back.Transaction != "5sig" {
		t.Errorf("unexpected settle response: %+v, %v", back, err)
	}

	if _, err := DecodePaymentResponseHeader("%%%"); err == nil {
		t.Error("expected error for invalid base64")
	}
	if _, err := DecodePaymentRequiredHeader(base64.StdEncoding.EncodeToString([]byte(`{"x402Version":2}`))); err == nil {
		t.Error("expected error for challenge without accepts")
	}
}
