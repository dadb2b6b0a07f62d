package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	x402 "github.com/paygate-dev/x402svm"
	"github.com/paygate-dev/x402svm/metrics"
)

// DefaultClientTimeout bounds every HTTP exchange made by X402HTTPClient
const DefaultClientTimeout = 30 * time.Second

// X402HTTPClient wraps X402Client with HTTP-specific payment handling
type X402HTTPClient struct {
	client     *x402.X402Client
	httpClient *http.Client
	timeout    time.Duration
	logger     *zap.Logger
	metrics    metrics.Recorder
}

// HTTPClientOption configures the HTTP client
type HTTPClientOption func(*X402HTTPClient)

// WithHTTPClient sets the underlying HTTP client. It is copied, never modified.
func WithHTTPClient(client *http.Client) HTTPClientOption {
	return func(c *X402HTTPClient) {
		c.httpClient = client
	}
}

// WithClientTimeout sets the per-exchange timeout. It takes precedence over the
// timeout of a client given with WithHTTPClient.
func WithClientTimeout(timeout time.Duration) HTTPClientOption {
	return func(c *X402HTTPClient) {
		c.timeout = timeout
	}
}

// WithHTTPClientLogger sets the logger
func WithHTTPClientLogger(logger *zap.Logger) HTTPClientOption {
	return func(c *X402HTTPClient) {
		c.logger = logger
	}
}

// WithHTTPClientMetrics sets the metrics recorder
func WithHTTPClientMetrics(recorder metrics.Recorder) HTTPClientOption {
	return func(c *X402HTTPClient) {
		c.metrics = recorder
	}
}

// Newx402HTTPClient creates a new HTTP-aware x402 client
func Newx402HTTPClient(client *x402.X402Client, opts ...HTTPClientOption) *X402HTTPClient {
	c := &X402HTTPClient{
		client:     client,
		httpClient: &http.Client{},
		logger:     zap.NewNop(),
		metrics:    metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(c)
	}

	httpClient := *c.httpClient
	switch {
	case c.timeout > 0:
		httpClient.Timeout = c.timeout
	case httpClient.Timeout == 0:
		httpClient.Timeout = DefaultClientTimeout
	}
	c.httpClient = &httpClient
	return c
}

// ResourceResponse is the outcome of RequestResource
type ResourceResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// Paid is set when the resource was obtained with a payment
	Paid bool

	// Settlement is the decoded PAYMENT-RESPONSE header, when the server sent one
	Settlement *x402.SettleResponse
}

// RequestResource fetches url, answering a 402 challenge with a single paid retry.
//
// A 402 or 403 after paying is a PaymentRejected error and is never retried again.
// Transport failures and timeouts of either exchange are retried once, unless ctx is done.
func (c *X402HTTPClient) RequestResource(ctx context.Context, url string, header http.Header) (*ResourceResponse, error) {
	status, respHeader, body, err := c.get(ctx, url, header)
	if err != nil {
		return nil, err
	}

	switch {
	case status == http.StatusOK:
		return &ResourceResponse{StatusCode: status, Header: respHeader, Body: body}, nil
	case status != http.StatusPaymentRequired:
		return nil, x402.NewPaymentError(x402.ErrCodeUnexpectedStatus,
			fmt.Sprintf("unexpected status %d from %s", status, url),
			map[string]interface{}{"status": status})
	}

	required, err := GetPaymentRequiredResponse(respHeader.Get, body)
	if err != nil {
		return nil, x402.WrapPaymentError(x402.ErrCodeProtocol, "malformed payment challenge", err)
	}

	payload, err := c.client.CreatePaymentForRequired(ctx, required)
	if err != nil {
		return nil, err
	}

	paymentHeaders, err := c.EncodePaymentSignatureHeader(payload)
	if err != nil {
		return nil, x402.WrapPaymentError(x402.ErrCodeProtocol, "failed to encode payment header", err)
	}

	paid := header.Clone()
	if paid == nil {
		paid = http.Header{}
	}
	for k, v := range paymentHeaders {
		paid.Set(k, v)
	}

	network := string(payload.Accepted.Network)
	c.metrics.IncCounter(metrics.EventPaymentSubmitted, map[string]string{metrics.LabelNetwork: network})
	c.logger.Info("submitting payment",
		zap.String("url", url),
		zap.String("network", network),
		zap.String("amount", payload.Accepted.Amount),
		zap.String("payTo", payload.Accepted.PayTo))

	status, respHeader, body, err = c.get(ctx, url, paid)
	if err != nil {
		return nil, err
	}

	switch {
	case status >= 200 && status < 300:
		result := &ResourceResponse{StatusCode: status, Header: respHeader, Body: body, Paid: true}
		if respHeader.Get(PaymentResponseHeader) != "" {
			settlement, err := GetPaymentSettleResponse(respHeader.Get)
			if err != nil {
				c.logger.Warn("undecodable payment response header", zap.Error(err))
			} else {
				result.Settlement = &settlement
			}
		}
		return result, nil

	case status == http.StatusPaymentRequired || status == http.StatusForbidden:
		c.metrics.IncCounter(metrics.EventPaymentRetryLimit, map[string]string{metrics.LabelNetwork: network})
		reason := rejectionReason(body)
		c.logger.Info("payment rejected", zap.Int("status", status), zap.String("reason", reason))
		return nil, x402.NewPaymentError(x402.ErrCodePaymentRejected,
			fmt.Sprintf("payment rejected with status %d", status),
			map[string]interface{}{"status": status, "reason": reason})

	case status >= http.StatusInternalServerError:
		return nil, x402.NewPaymentError(x402.ErrCodeTransport,
			fmt.Sprintf("server error %d after payment", status),
			map[string]interface{}{"status": status})

	default:
		return nil, x402.NewPaymentError(x402.ErrCodeUnexpectedStatus,
			fmt.Sprintf("unexpected status %d after payment", status),
			map[string]interface{}{"status": status})
	}
}

// get performs one GET exchange, retrying once on a transport failure or timeout
func (c *X402HTTPClient) get(ctx context.Context, url string, header http.Header) (int, http.Header, []byte, error) {
	status, respHeader, body, err := c.getOnce(ctx, url, header)
	if err == nil || !x402.IsRetryable(err) || ctx.Err() != nil {
		return status, respHeader, body, err
	}

	c.logger.Warn("request failed, retrying once", zap.String("url", url), zap.Error(err))
	return c.getOnce(ctx, url, header)
}

func (c *X402HTTPClient) getOnce(ctx context.Context, url string, header http.Header) (int, http.Header, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, nil, x402.WrapPaymentError(x402.ErrCodeProtocol, "invalid request", err)
	}
	for k, v := range header {
		req.Header[k] = append([]string(nil), v...)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, classifyRequestError("GET "+url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, classifyRequestError("reading response from "+url, err)
	}
	return resp.StatusCode, resp.Header, body, nil
}

// EncodePaymentSignatureHeader returns the headers that carry a payment payload
func (c *X402HTTPClient) EncodePaymentSignatureHeader(payload x402.PaymentPayload) (map[string]string, error) {
	encoded, err := EncodePaymentSignatureHeader(payload)
	if err != nil {
		return nil, err
	}
	return map[string]string{PaymentSignatureHeader: encoded}, nil
}

// GetPaymentRequiredResponse extracts the challenge from a 402 response.
// The PAYMENT-REQUIRED header takes precedence; the JSON body is the fallback.
func GetPaymentRequiredResponse(getHeader func(string) string, body []byte) (x402.PaymentRequired, error) {
	if header := getHeader(PaymentRequiredHeader); header != "" {
		return DecodePaymentRequiredHeader(header)
	}
	if len(body) > 0 {
		return parsePaymentRequired(body)
	}
	return x402.PaymentRequired{}, fmt.Errorf("no payment required information found in response")
}

// GetPaymentSettleResponse extracts the settlement result from response headers
func GetPaymentSettleResponse(getHeader func(string) string) (x402.SettleResponse, error) {
	header := getHeader(PaymentResponseHeader)
	if header == "" {
		return x402.SettleResponse{}, fmt.Errorf("payment response header not found")
	}
	return DecodePaymentResponseHeader(header)
}

// rejectionReason pulls the error field out of a rejection body, if there is one
func rejectionReason(body []byte) string {
	var parsed struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	return parsed.Error
}

// ============================================================================
// HTTP Client Wrapper
// ============================================================================

// WrapHTTPClientWithPayment returns a copy of client whose transport answers 402
// challenges with a single paid retry
func WrapHTTPClientWithPayment(client *http.Client, x402Client *X402HTTPClient) *http.Client {
	if client == nil {
		client = &http.Client{Timeout: DefaultClientTimeout}
	}

	originalTransport := client.Transport
	if originalTransport == nil {
		originalTransport = http.DefaultTransport
	}

	wrapped := *client
	wrapped.Transport = &PaymentRoundTripper{
		Transport:  originalTransport,
		x402Client: x402Client,
	}
	return &wrapped
}

// PaymentRoundTripper implements http.RoundTripper with x402 payment handling
type PaymentRoundTripper struct {
	Transport  http.RoundTripper
	x402Client *X402HTTPClient
}

// RoundTrip implements http.RoundTripper.
// A second 402 is returned as a PaymentRejected error rather than a response.
func (t *PaymentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.Transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, classifyRequestError("reading 402 response body", err)
	}

	required, err := GetPaymentRequiredResponse(resp.Header.Get, body)
	if err != nil {
		return nil, x402.WrapPaymentError(x402.ErrCodeProtocol, "malformed payment challenge", err)
	}

	ctx := req.Context()
	payload, err := t.x402Client.client.CreatePaymentForRequired(ctx, required)
	if err != nil {
		return nil, err
	}

	paymentHeaders, err := t.x402Client.EncodePaymentSignatureHeader(payload)
	if err != nil {
		return nil, x402.WrapPaymentError(x402.ErrCodeProtocol, "failed to encode payment header", err)
	}

	paymentReq := req.Clone(ctx)
	if req.Body != nil && req.GetBody != nil {
		if paymentReq.Body, err = req.GetBody(); err != nil {
			return nil, fmt.Errorf("failed to rewind request body: %w", err)
		}
	}
	for k, v := range paymentHeaders {
		paymentReq.Header.Set(k, v)
	}

	t.x402Client.metrics.IncCounter(metrics.EventPaymentSubmitted, map[string]string{metrics.LabelNetwork: string(payload.Accepted.Network)})

	paidResp, err := t.Transport.RoundTrip(paymentReq)
	if err != nil {
		return nil, err
	}
	if paidResp.StatusCode == http.StatusPaymentRequired || paidResp.StatusCode == http.StatusForbidden {
		paidBody, _ := io.ReadAll(paidResp.Body)
		paidResp.Body.Close()
		t.x402Client.metrics.IncCounter(metrics.EventPaymentRetryLimit, map[string]string{metrics.LabelNetwork: string(payload.Accepted.Network)})
		return nil, x402.NewPaymentError(x402.ErrCodePaymentRejected, "payment rejected after retry",
			map[string]interface{}{"status": paidResp.StatusCode, "reason": rejectionReason(paidBody)})
	}
	return paidResp, nil
}

// ============================================================================
// Convenience Methods
// ============================================================================

// DoWithPayment performs an HTTP request with automatic payment handling
func (c *X402HTTPClient) DoWithPayment(ctx context.Context, req *http.Request) (*http.Response, error) {
	return WrapHTTPClientWithPayment(c.httpClient, c).Do(req.WithContext(ctx))
}

// GetWithPayment performs a GET request with automatic payment handling
func (c *X402HTTPClient) GetWithPayment(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.DoWithPayment(ctx, req)
}
