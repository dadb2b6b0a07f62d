package x402

import "fmt"

// ValidatePaymentPayload performs basic validation on a payment payload
func ValidatePaymentPayload(p PaymentPayload) error {
	if p.X402Version != ProtocolVersion {
		return fmt.Errorf("unsupported x402 version: %d", p.X402Version)
	}
	if p.Accepted.Scheme == "" {
		return fmt.Errorf("payment scheme is required")
	}
	if p.Accepted.Network == "" {
		return fmt.Errorf("payment network is required")
	}
	if p.Payload == nil {
		return fmt.Errorf("payment payload is required")
	}
	return nil
}

// ValidatePaymentRequirements performs basic validation on payment requirements
func ValidatePaymentRequirements(r PaymentRequirements) error {
	if r.Scheme == "" {
		return fmt.Errorf("payment scheme is required")
	}
	if r.Network == "" {
		return fmt.Errorf("payment network is required")
	}
	if r.Asset == "" {
		return fmt.Errorf("payment asset is required")
	}
	if r.Amount == "" {
		return fmt.Errorf("payment amount is required")
	}
	if r.PayTo == "" {
		return fmt.Errorf("payment recipient is required")
	}
	return nil
}

// RequirementsMatch reports whether a payload's accepted requirement is the one that was issued.
// Scheme, network, recipient, asset, amount and timeout must all agree; extra is not compared
// because facilitators may add fields to it.
func RequirementsMatch(issued, accepted PaymentRequirements) bool {
	return issued.Scheme == accepted.Scheme &&
		issued.Network == accepted.Network &&
		issued.PayTo == accepted.PayTo &&
		issued.Asset == accepted.Asset &&
		issued.Amount == accepted.Amount &&
		issued.MaxTimeoutSeconds == accepted.MaxTimeoutSeconds
}

// FindMatchingRequirements returns the issued requirement the payload was built against, or nil
func FindMatchingRequirements(available []PaymentRequirements, payload PaymentPayload) *PaymentRequirements {
	for i := range available {
		if RequirementsMatch(available[i], payload.Accepted) {
			return &available[i]
		}
	}
	return nil
}

// findByNetworkAndScheme finds a scheme implementation for a given network/scheme combination
// This supports pattern matching for networks (e.g., "solana:*")
func findByNetworkAndScheme[T any](networkMap map[Network]map[string]T, scheme string, network Network) (T, bool) {
	var zero T

	// Try exact match first
	if schemeMap, exists := networkMap[network]; exists {
		if impl, exists := schemeMap[scheme]; exists {
			return impl, true
		}
	}

	for registeredNetwork, schemeMap := range networkMap {
		if network.Match(registeredNetwork) {
			if impl, exists := schemeMap[scheme]; exists {
				return impl, true
			}
		}
	}

	return zero, false
}

// findSchemesByNetwork finds all schemes for a given network
func findSchemesByNetwork[T any](networkMap map[Network]map[string]T, network Network) map[string]T {
	if schemeMap, exists := networkMap[network]; exists {
		return schemeMap
	}

	for registeredNetwork, schemeMap := range networkMap {
		if network.Match(registeredNetwork) {
			return schemeMap
		}
	}

	return nil
}
