// Package gin adapts the x402 payment flow to gin.
package gin

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	x402 "github.com/paygate-dev/x402svm"
	x402http "github.com/paygate-dev/x402svm/http"
	"github.com/paygate-dev/x402svm/metrics"
)

// MiddlewareConfig collects the options for PaymentMiddleware
type MiddlewareConfig struct {
	FacilitatorClients []x402.FacilitatorClient
	Schemes            map[x402.Network]x402.SchemeNetworkServer
	InitializeOnStart  bool
	Timeout            time.Duration
	SettlementDisabled bool
	Logger             *zap.Logger
	Metrics            metrics.Recorder
}

// MiddlewareOption configures PaymentMiddleware
type MiddlewareOption func(*MiddlewareConfig)

// WithFacilitatorClient adds a facilitator
func WithFacilitatorClient(client x402.FacilitatorClient) MiddlewareOption {
	return func(c *MiddlewareConfig) {
		c.FacilitatorClients = append(c.FacilitatorClients, client)
	}
}

// WithScheme registers a scheme server for a network or network pattern
func WithScheme(network x402.Network, scheme x402.SchemeNetworkServer) MiddlewareOption {
	return func(c *MiddlewareConfig) {
		c.Schemes[network] = scheme
	}
}

// WithInitializeOnStart fetches facilitator capabilities when the middleware is built
func WithInitializeOnStart(initialize bool) MiddlewareOption {
	return func(c *MiddlewareConfig) {
		c.InitializeOnStart = initialize
	}
}

// WithTimeout bounds the payment processing of each request
func WithTimeout(timeout time.Duration) MiddlewareOption {
	return func(c *MiddlewareConfig) {
		c.Timeout = timeout
	}
}

// WithSettlementDisabled serves verified requests without settling them
func WithSettlementDisabled() MiddlewareOption {
	return func(c *MiddlewareConfig) {
		c.SettlementDisabled = true
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) MiddlewareOption {
	return func(c *MiddlewareConfig) {
		c.Logger = logger
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(recorder metrics.Recorder) MiddlewareOption {
	return func(c *MiddlewareConfig) {
		c.Metrics = recorder
	}
}

// PaymentMiddleware builds a resource server from the options and protects routes with it
func PaymentMiddleware(routes x402http.RoutesConfig, opts ...MiddlewareOption) gin.HandlerFunc {
	config := &MiddlewareConfig{
		Schemes: make(map[x402.Network]x402.SchemeNetworkServer),
		Logger:  zap.NewNop(),
		Metrics: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(config)
	}

	serverOpts := []x402.ResourceServerOption{
		x402.WithServerLogger(config.Logger),
		x402.WithServerMetrics(config.Metrics),
	}
	for _, client := range config.FacilitatorClients {
		serverOpts = append(serverOpts, x402.WithFacilitatorClient(client))
	}
	for network, scheme := range config.Schemes {
		serverOpts = append(serverOpts, x402.WithSchemeServer(network, scheme))
	}
	core := x402.Newx402ResourceServer(serverOpts...)

	if config.InitializeOnStart {
		ctx := context.Background()
		if config.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, config.Timeout)
			defer cancel()
		}
		if err := core.Initialize(ctx); err != nil {
			config.Logger.Warn("failed to initialize facilitators, will retry on first request", zap.Error(err))
		}
	}

	httpOpts := []x402http.HTTPServerOption{
		x402http.WithHTTPServerLogger(config.Logger),
		x402http.WithHTTPServerMetrics(config.Metrics),
	}
	if config.SettlementDisabled {
		httpOpts = append(httpOpts, x402http.WithSettlementDisabled())
	}

	return paymentHandler(x402http.Newx402HTTPResourceServer(routes, core, httpOpts...), config.Timeout)
}

// PaymentMiddlewareFromServer protects routes with an already configured server
func PaymentMiddlewareFromServer(server *x402http.X402HTTPResourceServer) gin.HandlerFunc {
	return paymentHandler(server, 0)
}

func paymentHandler(server *x402http.X402HTTPResourceServer, timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := x402http.RequestID(c.Request)
		c.Header(x402http.RequestIDHeader, requestID)

		if !server.RequiresPayment(c.Request.Method, c.Request.URL.Path) {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		result := server.ProcessHTTPRequest(ctx, x402http.HTTPRequestContext{
			Adapter:   x402http.NewRequestAdapter(c.Request),
			Path:      c.Request.URL.Path,
			Method:    c.Request.Method,
			RequestID: requestID,
		})

		switch result.Type {
		case x402http.ResultNoPaymentRequired:
			c.Next()
			return
		case x402http.ResultPaymentError:
			writeInstructions(c, result.Response)
			return
		}

		writer := &responseWriter{
			ResponseWriter: c.Writer,
			body:           &bytes.Buffer{},
			statusCode:     http.StatusOK,
		}
		c.Writer = writer

		c.Next()

		c.Writer = writer.ResponseWriter

		headers, failure := server.CompleteSettlement(ctx, result, writer.statusCode, requestID)
		if failure != nil {
			writeInstructions(c, failure)
			return
		}

		for k, v := range headers {
			c.Header(k, v)
		}
		c.Writer.WriteHeader(writer.statusCode)
		_, _ = c.Writer.Write(writer.body.Bytes())
	}
}

func writeInstructions(c *gin.Context, response *x402http.HTTPResponseInstructions) {
	for k, v := range response.Headers {
		c.Header(k, v)
	}
	c.AbortWithStatusJSON(response.Status, response.Body)
}

// responseWriter captures the handler's response until settlement completes
type responseWriter struct {
	gin.ResponseWriter
	body       *bytes.Buffer
	statusCode int
	written    bool
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
	}
}

func (w *responseWriter) WriteHeaderNow() {
	w.written = true
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	return w.body.Write(b)
}

func (w *responseWriter) WriteString(s string) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	return w.body.WriteString(s)
}

func (w *responseWriter) Status() int {
	return w.statusCode
}

func (w *responseWriter) Written() bool {
	return w.written
}

func (w *responseWriter) Size() int {
	return w.body.Len()
}
