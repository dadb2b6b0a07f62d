package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	x402 "github.com/paygate-dev/x402svm"
	"github.com/paygate-dev/x402svm/metrics"
)

// Generic reasons returned to clients. Detailed facilitator reasons are only logged.
const (
	ReasonNoMatchingRequirements = "no matching payment requirements"
	ReasonVerificationFailed     = "payment verification failed"
	ReasonSettlementFailed       = "payment settlement failed"
)

// Error codes returned in non-402 JSON bodies
const (
	ErrorInvalidPaymentHeader   = "invalid_payment_header"
	ErrorFacilitatorUnavailable = "facilitator_unavailable"
	ErrorFacilitatorTimeout     = "facilitator_timeout"
	ErrorPaymentConfiguration   = "payment_configuration_error"
)

// ============================================================================
// Route configuration
// ============================================================================

// PaymentOption is one way a route may be paid for
type PaymentOption struct {
	Scheme            string       `json:"scheme"`
	PayTo             string       `json:"payTo"`
	Price             x402.Price   `json:"price"`
	Network           x402.Network `json:"network"`
	MaxTimeoutSeconds int          `json:"maxTimeoutSeconds,omitempty"`
}

// RouteConfig defines payment configuration for a route
type RouteConfig struct {
	Accepts     []PaymentOption `json:"accepts"`
	Description string          `json:"description,omitempty"`
	MimeType    string          `json:"mimeType,omitempty"`
}

// RoutesConfig maps route patterns such as "GET /premium" or "/api/*" to their configuration
type RoutesConfig map[string]RouteConfig

type compiledRoute struct {
	pattern string
	verb    string
	regex   *regexp.Regexp
	config  RouteConfig
}

// ============================================================================
// Request and response abstractions
// ============================================================================

// HTTPAdapter exposes the parts of a framework request the payment flow needs
type HTTPAdapter interface {
	GetHeader(name string) string
	GetMethod() string
	GetPath() string
	GetURL() string
}

// HTTPRequestContext describes one incoming request
type HTTPRequestContext struct {
	Adapter   HTTPAdapter
	Path      string
	Method    string
	RequestID string
}

// HTTPResponseInstructions tells an adapter what to write
type HTTPResponseInstructions struct {
	Status  int
	Headers map[string]string
	Body    interface{}
}

// ProcessResultType is the outcome of ProcessHTTPRequest
type ProcessResultType string

const (
	ResultNoPaymentRequired ProcessResultType = "no-payment-required"
	ResultPaymentError      ProcessResultType = "payment-error"
	ResultPaymentVerified   ProcessResultType = "payment-verified"
)

// HTTPProcessResult is returned by ProcessHTTPRequest.
// Response is set for ResultPaymentError; the payment fields are set for ResultPaymentVerified.
type HTTPProcessResult struct {
	Type                ProcessResultType
	Response            *HTTPResponseInstructions
	PaymentPayload      *x402.PaymentPayload
	PaymentRequirements *x402.PaymentRequirements
	Resource            *x402.ResourceInfo
}

// ============================================================================
// X402HTTPResourceServer
// ============================================================================

// X402HTTPResourceServer adds route matching and HTTP status mapping to X402ResourceServer
type X402HTTPResourceServer struct {
	*x402.X402ResourceServer

	compiledRoutes     []compiledRoute
	settlementDisabled bool
	logger             *zap.Logger
	metrics            metrics.Recorder
}

// HTTPServerOption configures the HTTP resource server
type HTTPServerOption func(*X402HTTPResourceServer)

// WithSettlementDisabled serves paid resources after verification without settling
func WithSettlementDisabled() HTTPServerOption {
	return func(s *X402HTTPResourceServer) {
		s.settlementDisabled = true
	}
}

// WithHTTPServerLogger sets the logger
func WithHTTPServerLogger(logger *zap.Logger) HTTPServerOption {
	return func(s *X402HTTPResourceServer) {
		s.logger = logger
	}
}

// WithHTTPServerMetrics sets the metrics recorder
func WithHTTPServerMetrics(recorder metrics.Recorder) HTTPServerOption {
	return func(s *X402HTTPResourceServer) {
		s.metrics = recorder
	}
}

// Newx402HTTPResourceServer creates an HTTP resource server for the given routes
func Newx402HTTPResourceServer(routes RoutesConfig, server *x402.X402ResourceServer, opts ...HTTPServerOption) *X402HTTPResourceServer {
	if server == nil {
		server = x402.Newx402ResourceServer()
	}

	s := &X402HTTPResourceServer{
		X402ResourceServer: server,
		logger:             zap.NewNop(),
		metrics:            metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}

	for pattern, config := range routes {
		verb, regex := parseRoutePattern(pattern)
		s.compiledRoutes = append(s.compiledRoutes, compiledRoute{
			pattern: pattern,
			verb:    verb,
			regex:   regex,
			config:  config,
		})
	}

	// Most specific patterns first so "GET /api/premium" beats "/api/*"
	sort.Slice(s.compiledRoutes, func(i, j int) bool {
		a, b := s.compiledRoutes[i], s.compiledRoutes[j]
		if wa, wb := strings.Count(a.pattern, "*"), strings.Count(b.pattern, "*"); wa != wb {
			return wa < wb
		}
		if (a.verb == "*") != (b.verb == "*") {
			return b.verb == "*"
		}
		if len(a.pattern) != len(b.pattern) {
			return len(a.pattern) > len(b.pattern)
		}
		return a.pattern < b.pattern
	})

	return s
}

// RequiresPayment reports whether a request matches a protected route
func (s *X402HTTPResourceServer) RequiresPayment(method, path string) bool {
	return s.findRoute(method, path) != nil
}

// ProcessHTTPRequest decides what to do with a request.
//
//   - unprotected route: ResultNoPaymentRequired
//   - no proof, undecodable proof, mismatch, rejection, facilitator failure: ResultPaymentError
//   - verified proof: ResultPaymentVerified, and the caller runs the handler then ProcessSettlement
func (s *X402HTTPResourceServer) ProcessHTTPRequest(ctx context.Context, reqCtx HTTPRequestContext) HTTPProcessResult {
	route := s.findRoute(reqCtx.Method, reqCtx.Path)
	if route == nil {
		return HTTPProcessResult{Type: ResultNoPaymentRequired}
	}

	logger := s.logger.With(zap.String("request_id", reqCtx.RequestID), zap.String("path", reqCtx.Path))

	requirements, err := s.buildRequirements(ctx, route.config)
	if err != nil {
		logger.Warn("failed to build payment requirements", zap.Error(err))
		return s.errorResult(facilitatorFailureResponse(err))
	}

	resource := &x402.ResourceInfo{
		URL:         reqCtx.Adapter.GetURL(),
		Description: route.config.Description,
		MimeType:    route.config.MimeType,
	}

	header := reqCtx.Adapter.GetHeader(PaymentSignatureHeader)
	if header == "" {
		header = reqCtx.Adapter.GetHeader(LegacyPaymentHeader)
	}
	if header == "" {
		s.metrics.IncCounter(metrics.EventChallengeIssued, networkLabels(requirements[0].Network, ""))
		return s.errorResult(s.paymentRequiredResponse(requirements, resource, ""))
	}

	payload, err := ValidateAndDecodePaymentHeader(header)
	if err != nil {
		logger.Info("malformed payment header", zap.Error(err))
		s.metrics.IncCounter(metrics.EventMalformedPayment, networkLabels(requirements[0].Network, ""))
		return s.errorResult(&HTTPResponseInstructions{
			Status:  http.StatusBadRequest,
			Headers: map[string]string{"Content-Type": "application/json"},
			Body:    map[string]string{"error": ErrorInvalidPaymentHeader, "reason": err.Error()},
		})
	}

	matched := s.FindMatchingRequirements(requirements, *payload)
	if matched == nil {
		logger.Info("payment does not match issued requirements",
			zap.String("scheme", payload.Accepted.Scheme),
			zap.String("network", string(payload.Accepted.Network)),
			zap.String("amount", payload.Accepted.Amount),
			zap.String("payTo", payload.Accepted.PayTo))
		s.metrics.IncCounter(metrics.EventPaymentRejected, networkLabels(payload.Accepted.Network, "mismatch"))
		return s.errorResult(s.paymentRequiredResponse(requirements, resource, ReasonNoMatchingRequirements))
	}

	verifyResp, err := s.VerifyPayment(ctx, *payload, *matched)
	if err != nil {
		if errors.Is(err, x402.ErrPaymentRejected) {
			var ve *x402.VerifyError
			reason := err.Error()
			if errors.As(err, &ve) {
				reason = ve.Reason
			}
			logger.Info("payment verification rejected", zap.String("reason", reason))
			s.metrics.IncCounter(metrics.EventPaymentRejected, networkLabels(matched.Network, "verify"))
			return s.errorResult(s.paymentRequiredResponse(requirements, resource, ReasonVerificationFailed))
		}

		logger.Warn("facilitator verify failed", zap.Error(err))
		s.metrics.IncCounter(metrics.EventFacilitatorError, networkLabels(matched.Network, string(metrics.OpVerify)))
		return s.errorResult(facilitatorFailureResponse(err))
	}

	payer := ""
	if verifyResp != nil {
		payer = verifyResp.Payer
	}
	logger.Info("payment verified", zap.String("payer", payer), zap.String("network", string(matched.Network)))
	s.metrics.IncCounter(metrics.EventPaymentVerified, networkLabels(matched.Network, ""))

	if payload.Resource == nil {
		payload.Resource = resource
	}
	return HTTPProcessResult{
		Type:                ResultPaymentVerified,
		PaymentPayload:      payload,
		PaymentRequirements: matched,
		Resource:            resource,
	}
}

// ProcessSettlement settles a verified payment after the handler ran.
// It returns the headers to add to the handler's response, or nil when nothing was settled
// because the handler failed or settlement is disabled.
func (s *X402HTTPResourceServer) ProcessSettlement(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements, status int) (map[string]string, error) {
	if status >= http.StatusBadRequest || s.settlementDisabled {
		return nil, nil
	}

	settleResp, err := s.SettlePayment(ctx, payload, requirements)
	if err != nil {
		s.metrics.IncCounter(metrics.EventSettlement, networkLabels(requirements.Network, "failure"))
		return nil, err
	}
	s.metrics.IncCounter(metrics.EventSettlement, networkLabels(requirements.Network, "success"))

	encoded, err := EncodePaymentResponseHeader(*settleResp)
	if err != nil {
		return nil, err
	}
	return map[string]string{PaymentResponseHeader: encoded}, nil
}

// CompleteSettlement runs ProcessSettlement for a verified result and maps a failure to the
// 402 response the adapter should write instead of the handler's output
func (s *X402HTTPResourceServer) CompleteSettlement(ctx context.Context, result HTTPProcessResult, status int, requestID string) (map[string]string, *HTTPResponseInstructions) {
	headers, err := s.ProcessSettlement(ctx, *result.PaymentPayload, *result.PaymentRequirements, status)
	if err == nil {
		return headers, nil
	}

	logger := s.logger.With(zap.String("request_id", requestID))
	var se *x402.SettleError
	if errors.As(err, &se) {
		logger.Info("settlement rejected", zap.String("reason", se.Reason), zap.String("payer", se.Payer))
	} else {
		logger.Warn("settlement failed", zap.Error(err))
	}
	return nil, s.paymentRequiredResponse([]x402.PaymentRequirements{*result.PaymentRequirements}, result.Resource, ReasonSettlementFailed)
}

// buildRequirements builds fresh requirements for every option of a route.
// An expired capability cache is refreshed once from the facilitators.
func (s *X402HTTPResourceServer) buildRequirements(ctx context.Context, config RouteConfig) ([]x402.PaymentRequirements, error) {
	if len(config.Accepts) == 0 {
		return nil, fmt.Errorf("route has no payment options")
	}

	var requirements []x402.PaymentRequirements
	for _, option := range config.Accepts {
		resourceConfig := x402.ResourceConfig{
			Scheme:            option.Scheme,
			PayTo:             option.PayTo,
			Price:             option.Price,
			Network:           option.Network,
			MaxTimeoutSeconds: option.MaxTimeoutSeconds,
		}

		built, err := s.BuildPaymentRequirements(ctx, resourceConfig)
		var pe *x402.PaymentError
		if err != nil && errors.As(err, &pe) && pe.Code == x402.ErrCodeUnsupportedNetwork {
			if initErr := s.Initialize(ctx); initErr != nil {
				return nil, initErr
			}
			built, err = s.BuildPaymentRequirements(ctx, resourceConfig)
		}
		if err != nil {
			return nil, err
		}
		requirements = append(requirements, built...)
	}
	return requirements, nil
}

func (s *X402HTTPResourceServer) paymentRequiredResponse(requirements []x402.PaymentRequirements, resource *x402.ResourceInfo, errMsg string) *HTTPResponseInstructions {
	info := x402.ResourceInfo{}
	if resource != nil {
		info = *resource
	}
	required := s.CreatePaymentRequiredResponse(requirements, info, errMsg, nil)

	headers := map[string]string{"Content-Type": "application/json"}
	encoded, err := EncodePaymentRequiredHeader(required)
	if err != nil {
		s.logger.Error("failed to encode payment required header", zap.Error(err))
	} else {
		headers[PaymentRequiredHeader] = encoded
	}

	return &HTTPResponseInstructions{
		Status:  http.StatusPaymentRequired,
		Headers: headers,
		Body:    required,
	}
}

func (s *X402HTTPResourceServer) errorResult(response *HTTPResponseInstructions) HTTPProcessResult {
	return HTTPProcessResult{Type: ResultPaymentError, Response: response}
}

func (s *X402HTTPResourceServer) findRoute(method, path string) *compiledRoute {
	normalized := normalizePath(path)
	for i := range s.compiledRoutes {
		route := &s.compiledRoutes[i]
		if route.verb != "*" && !strings.EqualFold(route.verb, method) {
			continue
		}
		if route.regex.MatchString(normalized) {
			return route
		}
	}
	return nil
}

// facilitatorFailureResponse maps a failure to reach a verdict onto 504, 502 or 500
func facilitatorFailureResponse(err error) *HTTPResponseInstructions {
	status, code := http.StatusInternalServerError, ErrorPaymentConfiguration
	switch {
	case errors.Is(err, x402.ErrTimeout):
		status, code = http.StatusGatewayTimeout, ErrorFacilitatorTimeout
	case errors.Is(err, x402.ErrTransport),
		errors.Is(err, x402.ErrProtocol),
		errors.Is(err, x402.ErrUnexpectedStatus):
		status, code = http.StatusBadGateway, ErrorFacilitatorUnavailable
	}
	return &HTTPResponseInstructions{
		Status:  status,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    map[string]string{"error": code},
	}
}

func networkLabels(network x402.Network, result string) map[string]string {
	labels := map[string]string{metrics.LabelNetwork: string(network)}
	if result != "" {
		labels[metrics.LabelResult] = result
	}
	return labels
}

// ============================================================================
// Route patterns
// ============================================================================

// parseRoutePattern splits "VERB /path" into the verb ("*" when absent) and an anchored regex.
// "*" matches any suffix and "[param]" matches one path segment.
func parseRoutePattern(pattern string) (string, *regexp.Regexp) {
	pattern = strings.TrimSpace(pattern)
	verb := "*"
	path := pattern

	if idx := strings.IndexByte(pattern, ' '); idx > 0 {
		verb = strings.ToUpper(pattern[:idx])
		path = strings.TrimSpace(pattern[idx+1:])
	}

	if path == "*" {
		return verb, regexp.MustCompile("^.*$")
	}

	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(path); i++ {
		switch c := path[i]; c {
		case '*':
			b.WriteString(".*")
		case '[':
			end := strings.IndexByte(path[i:], ']')
			if end < 0 {
				b.WriteString(regexp.QuoteMeta(path[i:]))
				i = len(path)
				continue
			}
			b.WriteString("[^/]+")
			i += end
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")

	return verb, regexp.MustCompile(b.String())
}

// normalizePath strips query and fragment, decodes escapes, collapses slashes
// and drops the trailing slash
func normalizePath(path string) string {
	if idx := strings.IndexAny(path, "?#"); idx >= 0 {
		path = path[:idx]
	}
	if decoded, err := url.PathUnescape(path); err == nil {
		path = decoded
	}
	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}
	if path == "" {
		return "/"
	}
	return path
}
