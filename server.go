package x402

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/paygate-dev/x402svm/metrics"
)

// DefaultMaxTimeoutSeconds is used when a ResourceConfig leaves MaxTimeoutSeconds unset
const DefaultMaxTimeoutSeconds = 300

// X402ResourceServer builds payment requirements for protected resources and routes
// verification and settlement to the facilitator that supports each payment kind.
// It holds no per-request state.
type X402ResourceServer struct {
	mu sync.RWMutex

	schemes               map[Network]map[string]SchemeNetworkServer
	facilitatorClients    []FacilitatorClient
	supportedCache        *SupportedCache
	facilitatorClientsMap map[Network]map[string]FacilitatorClient

	verifyHooks operationHooks[VerifyResponse]
	settleHooks operationHooks[SettleResponse]

	logger  *zap.Logger
	metrics metrics.Recorder
}

// SupportedCache caches facilitator capabilities
type SupportedCache struct {
	mu     sync.RWMutex
	data   map[string]SupportedResponse // key is facilitator identifier
	expiry map[string]time.Time
	ttl    time.Duration
}

// ResourceServerOption configures the server
type ResourceServerOption func(*X402ResourceServer)

// WithFacilitatorClient adds a facilitator client. Earlier clients take precedence
// when several support the same payment kind.
func WithFacilitatorClient(client FacilitatorClient) ResourceServerOption {
	return func(s *X402ResourceServer) {
		s.facilitatorClients = append(s.facilitatorClients, client)
	}
}

// WithSchemeServer registers a scheme server implementation
func WithSchemeServer(network Network, schemeServer SchemeNetworkServer) ResourceServerOption {
	return func(s *X402ResourceServer) {
		s.registerScheme(network, schemeServer)
	}
}

// WithCacheTTL sets the cache TTL for supported kinds
func WithCacheTTL(ttl time.Duration) ResourceServerOption {
	return func(s *X402ResourceServer) {
		s.supportedCache.ttl = ttl
	}
}

// WithServerLogger sets the logger
func WithServerLogger(logger *zap.Logger) ResourceServerOption {
	return func(s *X402ResourceServer) {
		s.logger = logger
	}
}

// WithServerMetrics sets the metrics recorder
func WithServerMetrics(recorder metrics.Recorder) ResourceServerOption {
	return func(s *X402ResourceServer) {
		s.metrics = recorder
	}
}

func Newx402ResourceServer(opts ...ResourceServerOption) *X402ResourceServer {
	s := &X402ResourceServer{
		schemes:            make(map[Network]map[string]SchemeNetworkServer),
		facilitatorClients: []FacilitatorClient{},
		supportedCache: &SupportedCache{
			data:   make(map[string]SupportedResponse),
			expiry: make(map[string]time.Time),
			ttl:    5 * time.Minute,
		},
		facilitatorClientsMap: make(map[Network]map[string]FacilitatorClient),
		verifyHooks:           operationHooks[VerifyResponse]{name: "verify"},
		settleHooks:           operationHooks[SettleResponse]{name: "settle"},
		logger:                zap.NewNop(),
		metrics:               metrics.NoopRecorder{},
	}

	for _, opt := range opts {
		opt(s)
	}

	if len(s.facilitatorClients) == 0 {
		s.logger.Warn("resource server created without facilitator clients")
	}

	return s
}

// Initialize fetches supported payment kinds from all facilitators
// Should be called on startup to populate cache and build facilitator mapping
func (s *X402ResourceServer) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.facilitatorClientsMap = make(map[Network]map[string]FacilitatorClient)

	var lastErr error
	successCount := 0

	// Process facilitators in order (earlier ones get precedence)
	for i, client := range s.facilitatorClients {
		start := time.Now()
		supported, err := client.GetSupported(ctx)
		s.metrics.ObserveLatency(metrics.OpSupported, time.Since(start), nil)
		if err != nil {
			lastErr = fmt.Errorf("facilitator %d: %w", i, err)
			s.logger.Warn("facilitator capability lookup failed", zap.Int("facilitator", i), zap.Error(err))
			continue
		}

		key := fmt.Sprintf("facilitator_%d", i)
		s.supportedCache.Set(key, supported)
		successCount++

		for _, kind := range supported.Kinds {
			if kind.X402Version != ProtocolVersion {
				continue
			}
			if s.facilitatorClientsMap[kind.Network] == nil {
				s.facilitatorClientsMap[kind.Network] = make(map[string]FacilitatorClient)
			}
			if _, exists := s.facilitatorClientsMap[kind.Network][kind.Scheme]; !exists {
				s.facilitatorClientsMap[kind.Network][kind.Scheme] = client
			}
		}

		s.logger.Info("facilitator initialized", zap.Int("facilitator", i), zap.Int("kinds", len(supported.Kinds)))
	}

	if successCount == 0 && lastErr != nil {
		return fmt.Errorf("failed to initialize any facilitators: %w", lastErr)
	}

	return nil
}

// Register attaches a scheme server to a network or network pattern
func (s *X402ResourceServer) Register(network Network, schemeServer SchemeNetworkServer) *X402ResourceServer {
	return s.registerScheme(network, schemeServer)
}

func (s *X402ResourceServer) registerScheme(network Network, schemeServer SchemeNetworkServer) *X402ResourceServer {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schemes[network] == nil {
		s.schemes[network] = make(map[string]SchemeNetworkServer)
	}

	s.schemes[network][schemeServer.Scheme()] = schemeServer

	return s
}

// OnBeforeVerify registers a hook to execute before payment verification
func (s *X402ResourceServer) OnBeforeVerify(hook BeforeVerifyHook) *X402ResourceServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifyHooks.before = append(s.verifyHooks.before, hook)
	return s
}

// OnAfterVerify registers a hook to execute after successful verification
func (s *X402ResourceServer) OnAfterVerify(hook AfterVerifyHook) *X402ResourceServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifyHooks.after = append(s.verifyHooks.after, hook)
	return s
}

// OnVerifyFailure registers a hook to execute when verification fails
func (s *X402ResourceServer) OnVerifyFailure(hook OnVerifyFailureHook) *X402ResourceServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifyHooks.failure = append(s.verifyHooks.failure, hook)
	return s
}

// OnBeforeSettle registers a hook to execute before settlement
func (s *X402ResourceServer) OnBeforeSettle(hook BeforeSettleHook) *X402ResourceServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settleHooks.before = append(s.settleHooks.before, hook)
	return s
}

// OnAfterSettle registers a hook to execute after successful settlement
func (s *X402ResourceServer) OnAfterSettle(hook AfterSettleHook) *X402ResourceServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settleHooks.after = append(s.settleHooks.after, hook)
	return s
}

// OnSettleFailure registers a hook to execute when settlement fails
func (s *X402ResourceServer) OnSettleFailure(hook OnSettleFailureHook) *X402ResourceServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settleHooks.failure = append(s.settleHooks.failure, hook)
	return s
}

// BuildPaymentRequirements creates payment requirements for a resource
func (s *X402ResourceServer) BuildPaymentRequirements(ctx context.Context, config ResourceConfig) ([]PaymentRequirements, error) {
	s.mu.RLock()
	schemeServer, ok := findByNetworkAndScheme(s.schemes, config.Scheme, config.Network)
	s.mu.RUnlock()
	if !ok {
		return nil, &PaymentError{
			Code:    ErrCodeUnsupportedScheme,
			Message: fmt.Sprintf("no server registered for scheme %s on network %s", config.Scheme, config.Network),
		}
	}

	supportedKind := s.findSupportedKind(config.Network, config.Scheme)
	if supportedKind == nil {
		return nil, &PaymentError{
			Code:    ErrCodeUnsupportedNetwork,
			Message: fmt.Sprintf("facilitator does not support %s on %s", config.Scheme, config.Network),
			Details: map[string]interface{}{
				"hint": "call Initialize() to fetch supported kinds from facilitators",
			},
		}
	}

	assetAmount, err := schemeServer.ParsePrice(config.Price, config.Network)
	if err != nil {
		return nil, fmt.Errorf("failed to parse price: %w", err)
	}

	baseRequirements := PaymentRequirements{
		Scheme:            config.Scheme,
		Network:           config.Network,
		Asset:             assetAmount.Asset,
		Amount:            assetAmount.Amount,
		PayTo:             config.PayTo,
		MaxTimeoutSeconds: config.MaxTimeoutSeconds,
		Extra:             assetAmount.Extra,
	}
	if baseRequirements.MaxTimeoutSeconds == 0 {
		baseRequirements.MaxTimeoutSeconds = DefaultMaxTimeoutSeconds
	}

	extensions := s.getFacilitatorExtensions(config.Network, config.Scheme)

	enhanced, err := schemeServer.EnhancePaymentRequirements(ctx, baseRequirements, *supportedKind, extensions)
	if err != nil {
		return nil, fmt.Errorf("failed to enhance payment requirements: %w", err)
	}

	return []PaymentRequirements{enhanced}, nil
}

// CreatePaymentRequiredResponse creates a 402 response
func (s *X402ResourceServer) CreatePaymentRequiredResponse(
	requirements []PaymentRequirements,
	info ResourceInfo,
	errorMsg string,
	extensions map[string]interface{},
) PaymentRequired {
	response := PaymentRequired{
		X402Version: ProtocolVersion,
		Error:       errorMsg,
		Resource:    &info,
		Accepts:     requirements,
		Extensions:  extensions,
	}

	if errorMsg == "" {
		response.Error = "Payment required"
	}

	return response
}

// FindMatchingRequirements returns the issued requirement the payload was built against,
// or nil when the payload names a requirement this server never issued
func (s *X402ResourceServer) FindMatchingRequirements(available []PaymentRequirements, payload PaymentPayload) *PaymentRequirements {
	return FindMatchingRequirements(available, payload)
}

// VerifyPayment asks the facilitator to verify a payment.
// The payment is accepted only when the returned error is nil. A declined payment returns a
// *VerifyError (errors.Is ErrPaymentRejected); facilitator outages return ErrTransport or ErrTimeout.
func (s *X402ResourceServer) VerifyPayment(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*VerifyResponse, error) {
	s.mu.RLock()
	hooks := s.verifyHooks
	s.mu.RUnlock()

	hc := PaymentHookContext{Ctx: ctx, Payload: payload, Requirements: requirements, Started: time.Now()}
	return hooks.run(s.logger, hc,
		func() (*VerifyResponse, error) {
			start := time.Now()
			resp, err := s.verifyWithFacilitator(ctx, payload, requirements)
			s.metrics.ObserveLatency(metrics.OpVerify, time.Since(start), map[string]string{metrics.LabelNetwork: string(requirements.Network)})
			return resp, err
		},
		func(reason string) (*VerifyResponse, error) {
			return &VerifyResponse{IsValid: false, InvalidReason: reason}, NewVerifyError(reason, "", "aborted by hook")
		})
}

func (s *X402ResourceServer) verifyWithFacilitator(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*VerifyResponse, error) {
	facilitator, err := s.findFacilitatorForPayment(requirements.Network, requirements.Scheme)
	if err != nil {
		return nil, err
	}

	resp, err := facilitator.Verify(ctx, payload, requirements)
	if err != nil {
		return resp, classifyFacilitatorError(ctx, err)
	}
	if resp == nil {
		return nil, &PaymentError{Code: ErrCodeProtocol, Message: "facilitator returned empty verify response"}
	}
	if !resp.IsValid {
		return resp, NewVerifyError(resp.InvalidReason, resp.Payer, resp.InvalidMessage)
	}
	return resp, nil
}

// SettlePayment settles a verified payment.
// A failed settlement returns a *SettleError; facilitator outages return ErrTransport or ErrTimeout.
func (s *X402ResourceServer) SettlePayment(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*SettleResponse, error) {
	s.mu.RLock()
	hooks := s.settleHooks
	s.mu.RUnlock()

	hc := PaymentHookContext{Ctx: ctx, Payload: payload, Requirements: requirements, Started: time.Now()}
	return hooks.run(s.logger, hc,
		func() (*SettleResponse, error) {
			start := time.Now()
			resp, err := s.settleWithFacilitator(ctx, payload, requirements)
			s.metrics.ObserveLatency(metrics.OpSettle, time.Since(start), map[string]string{metrics.LabelNetwork: string(requirements.Network)})
			return resp, err
		},
		func(reason string) (*SettleResponse, error) {
			return nil, NewSettleError(reason, "", requirements.Network, "", "aborted by hook")
		})
}

func (s *X402ResourceServer) settleWithFacilitator(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*SettleResponse, error) {
	facilitator, err := s.findFacilitatorForPayment(requirements.Network, requirements.Scheme)
	if err != nil {
		return nil, err
	}

	resp, err := facilitator.Settle(ctx, payload, requirements)
	if err != nil {
		return resp, classifyFacilitatorError(ctx, err)
	}
	if resp == nil {
		return nil, &PaymentError{Code: ErrCodeProtocol, Message: "facilitator returned empty settle response"}
	}
	if !resp.Success {
		return resp, NewSettleError(resp.ErrorReason, resp.Payer, resp.Network, resp.Transaction, resp.ErrorMessage)
	}
	return resp, nil
}

// classifyFacilitatorError maps a facilitator failure onto the error taxonomy.
// Rejections and already classified errors pass through; anything else is a transport failure.
func classifyFacilitatorError(ctx context.Context, err error) error {
	var pe *PaymentError
	switch {
	case errors.Is(err, ErrPaymentRejected):
		return err
	case errors.As(err, &pe):
		return err
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return WrapPaymentError(ErrCodeTimeout, "facilitator timed out", err)
	default:
		return WrapPaymentError(ErrCodeTransport, "facilitator unreachable", err)
	}
}

// findSupportedKind finds a supported kind from cache
func (s *X402ResourceServer) findSupportedKind(network Network, scheme string) *SupportedKind {
	s.supportedCache.mu.RLock()
	defer s.supportedCache.mu.RUnlock()

	for key, supported := range s.supportedCache.data {
		if expiry, exists := s.supportedCache.expiry[key]; exists && time.Now().After(expiry) {
			continue
		}

		for _, kind := range supported.Kinds {
			if kind.X402Version == ProtocolVersion &&
				kind.Scheme == scheme &&
				kind.Network.Match(network) {
				found := kind
				return &found
			}
		}
	}

	return nil
}

// getFacilitatorExtensions gets extensions for a payment type
func (s *X402ResourceServer) getFacilitatorExtensions(network Network, scheme string) []string {
	s.supportedCache.mu.RLock()
	defer s.supportedCache.mu.RUnlock()

	for _, supported := range s.supportedCache.data {
		for _, kind := range supported.Kinds {
			if kind.X402Version == ProtocolVersion &&
				kind.Scheme == scheme &&
				kind.Network.Match(network) {
				return supported.Extensions
			}
		}
	}

	return []string{}
}

// findFacilitatorForPayment finds the facilitator that supports a payment type.
// Falls back to the first configured facilitator when Initialize has not mapped the kind.
func (s *X402ResourceServer) findFacilitatorForPayment(network Network, scheme string) (FacilitatorClient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if client, ok := findByNetworkAndScheme(s.facilitatorClientsMap, scheme, network); ok {
		return client, nil
	}
	if len(s.facilitatorClients) > 0 {
		return s.facilitatorClients[0], nil
	}
	return nil, &PaymentError{
		Code:    ErrCodeUnsupportedNetwork,
		Message: fmt.Sprintf("no facilitator supports %s on %s", scheme, network),
	}
}

// Set adds an item to the cache
func (c *SupportedCache) Set(key string, value SupportedResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[key] = value
	c.expiry[key] = time.Now().Add(c.ttl)
}

// Clear clears the cache
func (c *SupportedCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data = make(map[string]SupportedResponse)
	c.expiry = make(map[string]time.Time)
}
