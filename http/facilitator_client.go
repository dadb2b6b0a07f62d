package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	x402 "github.com/paygate-dev/x402svm"
)

// HTTPFacilitatorClient communicates with remote facilitator services over HTTP
// and implements x402.FacilitatorClient.
type HTTPFacilitatorClient struct {
	url          string
	httpClient   *http.Client
	authProvider AuthProvider
	identifier   string
	logger       *zap.Logger
}

// AuthProvider generates authentication headers for facilitator requests
type AuthProvider interface {
	// GetAuthHeaders returns authentication headers for each endpoint
	GetAuthHeaders(ctx context.Context) (AuthHeaders, error)
}

// AuthHeaders contains authentication headers for facilitator endpoints
type AuthHeaders struct {
	Verify    map[string]string
	Settle    map[string]string
	Supported map[string]string
}

// StaticTokenAuth sends the same bearer token to every endpoint
type StaticTokenAuth struct {
	Token string
}

// GetAuthHeaders implements AuthProvider
func (a StaticTokenAuth) GetAuthHeaders(ctx context.Context) (AuthHeaders, error) {
	h := map[string]string{"Authorization": "Bearer " + a.Token}
	return AuthHeaders{Verify: h, Settle: h, Supported: h}, nil
}

// FuncAuthProvider adapts a function to AuthProvider
type FuncAuthProvider func(ctx context.Context) (AuthHeaders, error)

// GetAuthHeaders implements AuthProvider
func (f FuncAuthProvider) GetAuthHeaders(ctx context.Context) (AuthHeaders, error) {
	return f(ctx)
}

// FacilitatorConfig configures the HTTP facilitator client
type FacilitatorConfig struct {
	// URL is the base URL of the facilitator service
	URL string

	// HTTPClient is the HTTP client to use (optional)
	HTTPClient *http.Client

	// AuthProvider provides authentication headers (optional)
	AuthProvider AuthProvider

	// Timeout for requests (optional, defaults to 30s)
	Timeout time.Duration

	// Identifier for this facilitator (optional)
	Identifier string

	// Logger (optional)
	Logger *zap.Logger
}

// DefaultFacilitatorURL is the default public facilitator
const DefaultFacilitatorURL = "https://x402.org/facilitator"

// getSupportedRetries is the number of attempts for GetSupported on 429 rate limit errors
const getSupportedRetries = 3

// getSupportedRetryBaseDelay is the base delay for exponential backoff on retries
var getSupportedRetryBaseDelay = 1 * time.Second

// NewHTTPFacilitatorClient creates a new HTTP facilitator client
func NewHTTPFacilitatorClient(config *FacilitatorConfig) *HTTPFacilitatorClient {
	if config == nil {
		config = &FacilitatorConfig{}
	}

	url := strings.TrimRight(config.URL, "/")
	if url == "" {
		url = DefaultFacilitatorURL
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{
			Timeout: timeout,
		}
	}

	identifier := config.Identifier
	if identifier == "" {
		identifier = url
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &HTTPFacilitatorClient{
		url:          url,
		httpClient:   httpClient,
		authProvider: config.AuthProvider,
		identifier:   identifier,
		logger:       logger,
	}
}

// Identifier names this facilitator in logs
func (c *HTTPFacilitatorClient) Identifier() string {
	return c.identifier
}

// Verify asks the facilitator whether a payment is valid.
// A 200 response is returned as-is, including IsValid=false verdicts.
func (c *HTTPFacilitatorClient) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	status, body, err := c.post(ctx, "verify", payload, requirements, func(h AuthHeaders) map[string]string { return h.Verify })
	if err != nil {
		return nil, err
	}

	var verifyResponse x402.VerifyResponse
	if err := json.Unmarshal(body, &verifyResponse); err != nil {
		if status >= http.StatusInternalServerError {
			return nil, statusError("verify", status, body)
		}
		return nil, x402.WrapPaymentError(x402.ErrCodeProtocol, "failed to decode verify response", err)
	}

	if status != http.StatusOK {
		if verifyResponse.InvalidReason != "" && status < http.StatusInternalServerError {
			return nil, x402.NewVerifyError(
				verifyResponse.InvalidReason,
				verifyResponse.Payer,
				verifyResponse.InvalidMessage,
			)
		}
		return nil, statusError("verify", status, body)
	}

	return &verifyResponse, nil
}

// Settle asks the facilitator to submit a payment
func (c *HTTPFacilitatorClient) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error) {
	status, body, err := c.post(ctx, "settle", payload, requirements, func(h AuthHeaders) map[string]string { return h.Settle })
	if err != nil {
		return nil, err
	}

	var settleResponse x402.SettleResponse
	if err := json.Unmarshal(body, &settleResponse); err != nil {
		if status >= http.StatusInternalServerError {
			return nil, statusError("settle", status, body)
		}
		return nil, x402.WrapPaymentError(x402.ErrCodeProtocol, "failed to decode settle response", err)
	}

	if status != http.StatusOK {
		if settleResponse.ErrorReason != "" && status < http.StatusInternalServerError {
			return nil, x402.NewSettleError(
				settleResponse.ErrorReason,
				settleResponse.Payer,
				settleResponse.Network,
				settleResponse.Transaction,
				fmt.Sprintf("facilitator returned %d", status),
			)
		}
		return nil, statusError("settle", status, body)
	}

	return &settleResponse, nil
}

// GetSupported gets supported payment kinds.
// Retries up to 3 times with exponential backoff on 429 rate limit errors.
func (c *HTTPFacilitatorClient) GetSupported(ctx context.Context) (x402.SupportedResponse, error) {
	var lastErr error

	for attempt := range getSupportedRetries {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/supported", nil)
		if err != nil {
			return x402.SupportedResponse{}, fmt.Errorf("failed to create supported request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		if err := c.applyAuth(ctx, req, func(h AuthHeaders) map[string]string { return h.Supported }); err != nil {
			return x402.SupportedResponse{}, err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return x402.SupportedResponse{}, classifyRequestError("supported request", err)
		}

		responseBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return x402.SupportedResponse{}, classifyRequestError("reading supported response", err)
		}

		if resp.StatusCode == http.StatusOK {
			var supportedResponse x402.SupportedResponse
			if err := json.Unmarshal(responseBody, &supportedResponse); err != nil {
				return x402.SupportedResponse{}, x402.WrapPaymentError(x402.ErrCodeProtocol, "failed to decode supported response", err)
			}
			return supportedResponse, nil
		}

		lastErr = statusError("supported", resp.StatusCode, responseBody)

		// Retry on 429 with exponential backoff, except on the last attempt
		if resp.StatusCode == http.StatusTooManyRequests && attempt < getSupportedRetries-1 {
			delay := getSupportedRetryBaseDelay * time.Duration(1<<uint(attempt))
			c.logger.Debug("facilitator rate limited, retrying",
				zap.String("facilitator", c.identifier),
				zap.Duration("delay", delay))
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return x402.SupportedResponse{}, classifyRequestError("supported request", ctx.Err())
			}
		}

		return x402.SupportedResponse{}, lastErr
	}

	return x402.SupportedResponse{}, lastErr
}

func (c *HTTPFacilitatorClient) post(
	ctx context.Context,
	endpoint string,
	payload x402.PaymentPayload,
	requirements x402.PaymentRequirements,
	pick func(AuthHeaders) map[string]string,
) (int, []byte, error) {
	body, err := json.Marshal(x402.VerifyRequest{
		X402Version:         payload.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	})
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal %s request: %w", endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/"+endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")

	if err := c.applyAuth(ctx, req, pick); err != nil {
		return 0, nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("facilitator request failed",
			zap.String("facilitator", c.identifier),
			zap.String("endpoint", endpoint),
			zap.Error(err))
		return 0, nil, classifyRequestError(endpoint+" request", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, classifyRequestError("reading "+endpoint+" response", err)
	}
	return resp.StatusCode, responseBody, nil
}

func (c *HTTPFacilitatorClient) applyAuth(ctx context.Context, req *http.Request, pick func(AuthHeaders) map[string]string) error {
	if c.authProvider == nil {
		return nil
	}
	authHeaders, err := c.authProvider.GetAuthHeaders(ctx)
	if err != nil {
		return fmt.Errorf("failed to get auth headers: %w", err)
	}
	for k, v := range pick(authHeaders) {
		req.Header.Set(k, v)
	}
	return nil
}

// statusError classifies a non-200 facilitator response without a verdict
func statusError(op string, status int, body []byte) error {
	msg := fmt.Sprintf("facilitator %s failed (%d): %s", op, status, truncate(body))
	switch {
	case status >= http.StatusInternalServerError:
		return x402.NewPaymentError(x402.ErrCodeTransport, msg, map[string]interface{}{"status": status})
	default:
		return x402.NewPaymentError(x402.ErrCodeUnexpectedStatus, msg, map[string]interface{}{"status": status})
	}
}

func truncate(body []byte) string {
	const limit = 256
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}

var _ x402.FacilitatorClient = (*HTTPFacilitatorClient)(nil)
