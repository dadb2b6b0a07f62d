package x402

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// X402Client manages payment mechanisms and creates payment payloads
// This is used by applications that need to make payments (have wallets/signers)
type X402Client struct {
	mu sync.RWMutex

	// Nested map: network -> scheme -> client implementation.
	// Populated at startup through RegisterScheme; networks may be patterns like "solana:*".
	schemes map[Network]map[string]SchemeNetworkClient

	// Function to select payment requirements when multiple options exist
	requirementsSelector PaymentRequirementsSelector

	logger *zap.Logger
}

// PaymentRequirementsSelector chooses which payment option to use.
// It is only called with a non-empty slice of options the client can pay.
type PaymentRequirementsSelector func(requirements []PaymentRequirements) PaymentRequirements

// ClientOption configures the client
type ClientOption func(*X402Client)

// WithPaymentSelector sets a custom payment requirements selector
func WithPaymentSelector(selector PaymentRequirementsSelector) ClientOption {
	return func(c *X402Client) {
		c.requirementsSelector = selector
	}
}

// WithScheme registers a payment mechanism at creation time
func WithScheme(network Network, client SchemeNetworkClient) ClientOption {
	return func(c *X402Client) {
		c.registerScheme(network, client)
	}
}

// WithClientLogger sets the client's logger
func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *X402Client) {
		c.logger = logger
	}
}

// Newx402Client creates a new x402 client
func Newx402Client(opts ...ClientOption) *X402Client {
	c := &X402Client{
		schemes:              make(map[Network]map[string]SchemeNetworkClient),
		requirementsSelector: defaultPaymentSelector,
		logger:               zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// defaultPaymentSelector chooses the first available payment option
func defaultPaymentSelector(requirements []PaymentRequirements) PaymentRequirements {
	return requirements[0]
}

// RegisterScheme registers a payment mechanism for a network or network pattern
func (c *X402Client) RegisterScheme(network Network, client SchemeNetworkClient) *X402Client {
	return c.registerScheme(network, client)
}

func (c *X402Client) registerScheme(network Network, client SchemeNetworkClient) *X402Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.schemes[network] == nil {
		c.schemes[network] = make(map[string]SchemeNetworkClient)
	}
	c.schemes[network][client.Scheme()] = client

	return c
}

// SelectPaymentRequirements chooses which payment requirements to use
// This filters requirements to only those the client can fulfill
func (c *X402Client) SelectPaymentRequirements(requirements []PaymentRequirements) (PaymentRequirements, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var supported []PaymentRequirements
	for _, req := range requirements {
		schemeMap := findSchemesByNetwork(c.schemes, req.Network)
		if schemeMap == nil {
			continue
		}
		if _, hasScheme := schemeMap[req.Scheme]; hasScheme {
			supported = append(supported, req)
		}
	}

	if len(supported) == 0 {
		offered := make([]string, 0, len(requirements))
		for _, req := range requirements {
			offered = append(offered, fmt.Sprintf("%s@%s", req.Scheme, req.Network))
		}
		return PaymentRequirements{}, &PaymentError{
			Code:    ErrCodeUnsupportedScheme,
			Message: "no supported payment schemes available",
			Details: map[string]interface{}{
				"offered": offered,
			},
		}
	}

	return c.requirementsSelector(supported), nil
}

// CreatePaymentPayload creates a signed payment payload with accepted requirements,
// resource and extensions. Failures of the scheme implementation are reported as signing errors.
func (c *X402Client) CreatePaymentPayload(ctx context.Context, requirements PaymentRequirements, resource *ResourceInfo, extensions map[string]interface{}) (PaymentPayload, error) {
	if err := ValidatePaymentRequirements(requirements); err != nil {
		return PaymentPayload{}, WrapPaymentError(ErrCodeProtocol, "invalid payment requirements", err)
	}

	c.mu.RLock()
	client, ok := findByNetworkAndScheme(c.schemes, requirements.Scheme, requirements.Network)
	c.mu.RUnlock()
	if !ok {
		return PaymentPayload{}, &PaymentError{
			Code:    ErrCodeUnsupportedScheme,
			Message: fmt.Sprintf("no client registered for scheme %s on network %s", requirements.Scheme, requirements.Network),
		}
	}

	partialPayload, err := client.CreatePaymentPayload(ctx, requirements)
	if err != nil {
		var pe *PaymentError
		if errors.As(err, &pe) {
			return PaymentPayload{}, err
		}
		return PaymentPayload{}, WrapPaymentError(ErrCodeSigning, "failed to create payment payload", err)
	}

	fullPayload := PaymentPayload{
		X402Version: partialPayload.X402Version,
		Payload:     partialPayload.Payload,
		Accepted:    requirements,
		Resource:    resource,
		Extensions:  extensions,
	}
	if fullPayload.X402Version == 0 {
		fullPayload.X402Version = ProtocolVersion
	}

	if err := ValidatePaymentPayload(fullPayload); err != nil {
		return PaymentPayload{}, WrapPaymentError(ErrCodeSigning, "invalid payment payload created", err)
	}

	c.logger.Debug("created payment payload",
		zap.String("scheme", requirements.Scheme),
		zap.String("network", string(requirements.Network)),
		zap.String("amount", requirements.Amount),
		zap.String("payTo", requirements.PayTo))

	return fullPayload, nil
}

// RegisteredScheme is one entry of the client's registry
type RegisteredScheme struct {
	Network Network
	Scheme  string
}

// GetRegisteredSchemes returns the registry contents
func (c *X402Client) GetRegisteredSchemes() []RegisteredScheme {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var result []RegisteredScheme
	for network, schemes := range c.schemes {
		for scheme := range schemes {
			result = append(result, RegisteredScheme{Network: network, Scheme: scheme})
		}
	}
	return result
}

// CanPay checks if the client can pay with any of the given requirements
func (c *X402Client) CanPay(requirements []PaymentRequirements) bool {
	_, err := c.SelectPaymentRequirements(requirements)
	return err == nil
}

// CreatePaymentForRequired creates a payment for a PaymentRequired response
// This includes resource and extensions from the PaymentRequired response
func (c *X402Client) CreatePaymentForRequired(ctx context.Context, required PaymentRequired) (PaymentPayload, error) {
	if required.X402Version != ProtocolVersion {
		return PaymentPayload{}, &PaymentError{
			Code:    ErrCodeProtocol,
			Message: fmt.Sprintf("unsupported x402 version: %d", required.X402Version),
		}
	}

	selected, err := c.SelectPaymentRequirements(required.Accepts)
	if err != nil {
		return PaymentPayload{}, err
	}

	return c.CreatePaymentPayload(ctx, selected, required.Resource, required.Extensions)
}
