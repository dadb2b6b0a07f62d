package x402

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/paygate-dev/x402svm/metrics"
)

// X402Facilitator verifies and settles payments with registered scheme mechanisms.
// It backs the facilitator HTTP service and also satisfies FacilitatorClient, so a
// resource server can use it in-process.
type X402Facilitator struct {
	mu sync.RWMutex

	schemes    map[Network]map[string]SchemeNetworkFacilitator
	extensions []string

	settlements *SettlementCache
	logger      *zap.Logger
	metrics     metrics.Recorder
}

// FacilitatorOption configures the facilitator
type FacilitatorOption func(*X402Facilitator)

// WithFacilitatorLogger sets the logger
func WithFacilitatorLogger(logger *zap.Logger) FacilitatorOption {
	return func(f *X402Facilitator) {
		f.logger = logger
	}
}

// WithFacilitatorMetrics sets the metrics recorder
func WithFacilitatorMetrics(recorder metrics.Recorder) FacilitatorOption {
	return func(f *X402Facilitator) {
		f.metrics = recorder
	}
}

// WithSettlementTTL sets how long settled payloads are refused
func WithSettlementTTL(ttl time.Duration) FacilitatorOption {
	return func(f *X402Facilitator) {
		f.settlements = NewSettlementCache(ttl)
	}
}

func Newx402Facilitator(opts ...FacilitatorOption) *X402Facilitator {
	f := &X402Facilitator{
		schemes:     make(map[Network]map[string]SchemeNetworkFacilitator),
		extensions:  []string{},
		settlements: NewSettlementCache(DefaultSettlementTTL),
		logger:      zap.NewNop(),
		metrics:     metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Register registers a facilitator mechanism for each of the given concrete networks
func (f *X402Facilitator) Register(networks []Network, facilitator SchemeNetworkFacilitator) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, network := range networks {
		if f.schemes[network] == nil {
			f.schemes[network] = make(map[string]SchemeNetworkFacilitator)
		}
		f.schemes[network][facilitator.Scheme()] = facilitator
	}
	return f
}

// RegisterExtension registers a protocol extension
func (f *X402Facilitator) RegisterExtension(extension string) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ext := range f.extensions {
		if ext == extension {
			return f
		}
	}
	f.extensions = append(f.extensions, extension)
	return f
}

// Verify checks a payment against its requirements.
// Rejections come back as a VerifyResponse with IsValid=false and a nil error;
// the error is reserved for failures to reach a verdict.
func (f *X402Facilitator) Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*VerifyResponse, error) {
	start := time.Now()
	resp, err := f.verify(ctx, payload, requirements)
	f.metrics.ObserveLatency(metrics.OpVerify, time.Since(start), map[string]string{metrics.LabelNetwork: string(requirements.Network)})

	if err != nil {
		f.logger.Warn("verification error", zap.String("network", string(requirements.Network)), zap.Error(err))
		return nil, err
	}
	if !resp.IsValid {
		f.logger.Info("payment rejected",
			zap.String("reason", resp.InvalidReason),
			zap.String("payer", resp.Payer))
	}
	return resp, nil
}

func (f *X402Facilitator) verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*VerifyResponse, error) {
	if reason := checkPayloadAgainstRequirements(payload, requirements); reason != "" {
		return &VerifyResponse{IsValid: false, InvalidReason: reason}, nil
	}

	key, err := GenerateSettlementKey(payload)
	if err != nil {
		return nil, err
	}
	if f.settlements.Settled(key) {
		return &VerifyResponse{IsValid: false, InvalidReason: ErrCodeDuplicateSettlement, InvalidMessage: "payment was already settled"}, nil
	}

	mechanism, ok := f.findMechanism(requirements.Network, requirements.Scheme)
	if !ok {
		return &VerifyResponse{IsValid: false, InvalidReason: ErrCodeUnsupportedScheme}, nil
	}

	resp, err := mechanism.Verify(ctx, payload, requirements)
	if err != nil {
		var ve *VerifyError
		if errors.As(err, &ve) {
			return &VerifyResponse{IsValid: false, InvalidReason: ve.Reason, InvalidMessage: ve.Message, Payer: ve.Payer}, nil
		}
		return nil, err
	}
	return resp, nil
}

// Settle submits a verified payment. Concurrent settle calls for the same payload share
// one submission; a payload that has already settled is refused with duplicate_settlement.
func (f *X402Facilitator) Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*SettleResponse, error) {
	start := time.Now()
	defer func() {
		f.metrics.ObserveLatency(metrics.OpSettle, time.Since(start), map[string]string{metrics.LabelNetwork: string(requirements.Network)})
	}()

	if reason := checkPayloadAgainstRequirements(payload, requirements); reason != "" {
		return &SettleResponse{Success: false, ErrorReason: reason, Network: requirements.Network}, nil
	}

	mechanism, ok := f.findMechanism(requirements.Network, requirements.Scheme)
	if !ok {
		return &SettleResponse{Success: false, ErrorReason: ErrCodeUnsupportedScheme, Network: requirements.Network}, nil
	}

	key, err := GenerateSettlementKey(payload)
	if err != nil {
		return nil, err
	}

	resp, shared, err := f.settlements.Do(ctx, key, func() (*SettleResponse, error) {
		return mechanism.Settle(ctx, payload, requirements)
	})
	if err != nil {
		var se *SettleError
		if errors.As(err, &se) {
			f.logger.Info("settlement failed", zap.String("reason", se.Reason), zap.String("payer", se.Payer))
			return &SettleResponse{
				Success:      false,
				ErrorReason:  se.Reason,
				ErrorMessage: se.Message,
				Payer:        se.Payer,
				Transaction:  se.Transaction,
				Network:      requirements.Network,
			}, nil
		}
		f.logger.Warn("settlement error", zap.Error(err))
		return nil, err
	}

	if shared {
		f.logger.Debug("settlement shared with in-flight request", zap.String("transaction", resp.Transaction))
	} else {
		f.logger.Info("payment settled",
			zap.String("transaction", resp.Transaction),
			zap.String("network", string(resp.Network)),
			zap.String("payer", resp.Payer))
	}
	return resp, nil
}

// GetSupported lists every registered payment kind with its mechanism extra data
func (f *X402Facilitator) GetSupported(ctx context.Context) (SupportedResponse, error) {
	return f.Supported(), nil
}

// Supported builds the supported response
func (f *X402Facilitator) Supported() SupportedResponse {
	f.mu.RLock()
	defer f.mu.RUnlock()

	kinds := []SupportedKind{}
	signers := make(map[string][]string)

	for network, schemeMap := range f.schemes {
		for scheme, mechanism := range schemeMap {
			kinds = append(kinds, SupportedKind{
				X402Version: ProtocolVersion,
				Scheme:      scheme,
				Network:     network,
				Extra:       mechanism.GetExtra(network),
			})

			family := mechanism.CaipFamily()
			for _, addr := range mechanism.GetSigners(network) {
				if !containsString(signers[family], addr) {
					signers[family] = append(signers[family], addr)
				}
			}
		}
	}

	sort.Slice(kinds, func(i, j int) bool {
		if kinds[i].Network != kinds[j].Network {
			return kinds[i].Network < kinds[j].Network
		}
		return kinds[i].Scheme < kinds[j].Scheme
	})

	return SupportedResponse{
		Kinds:      kinds,
		Extensions: append([]string{}, f.extensions...),
		Signers:    signers,
	}
}

func (f *X402Facilitator) findMechanism(network Network, scheme string) (SchemeNetworkFacilitator, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return findByNetworkAndScheme(f.schemes, scheme, network)
}

// checkPayloadAgainstRequirements returns a rejection reason when the payload was not built
// for these requirements
func checkPayloadAgainstRequirements(payload PaymentPayload, requirements PaymentRequirements) string {
	if err := ValidatePaymentPayload(payload); err != nil {
		return ErrCodeInvalidPayment
	}
	if payload.Accepted.Scheme != requirements.Scheme {
		return ErrCodeSchemeMismatch
	}
	if payload.Accepted.Network != requirements.Network {
		return ErrCodeNetworkMismatch
	}
	if !RequirementsMatch(requirements, payload.Accepted) {
		return fmt.Sprintf("%s_requirements_mismatch", requirements.Scheme)
	}
	return ""
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
