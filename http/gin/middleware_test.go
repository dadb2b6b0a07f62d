package gin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/paygate-dev/x402svm"
	x402http "github.com/paygate-dev/x402svm/http"
)

const (
	testNetwork = x402.Network("solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1")
	testPayTo   = "5WeCpRxH4VjH5CRV6Df3qAs8H4isg63CRiWuNXGPxVuC"
	testAsset   = "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"
)

type fixedPriceScheme struct{}

func (fixedPriceScheme) Scheme() string { return "exact" }

func (fixedPriceScheme) ParsePrice(price x402.Price, network x402.Network) (x402.AssetAmount, error) {
	return x402.AssetAmount{Asset: testAsset, Amount: "10000"}, nil
}

func (fixedPriceScheme) EnhancePaymentRequirements(ctx context.Context, r x402.PaymentRequirements, kind x402.SupportedKind, ext []string) (x402.PaymentRequirements, error) {
	return r, nil
}

type stubFacilitator struct {
	verifyErr error
	settleOK  bool
	settled   int
}

func (f *stubFacilitator) Verify(ctx context.Context, p x402.PaymentPayload, r x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	return &x402.VerifyResponse{IsValid: true, Payer: "payer"}, nil
}

func (f *stubFacilitator) Settle(ctx context.Context, p x402.PaymentPayload, r x402.PaymentRequirements) (*x402.SettleResponse, error) {
	f.settled++
	if !f.settleOK {
		return &x402.SettleResponse{Success: false, ErrorReason: "transaction_failed", Network: r.Network}, nil
	}
	return &x402.SettleResponse{Success: true, Transaction: "5sig", Network: r.Network}, nil
}

func (f *stubFacilitator) GetSupported(ctx context.Context) (x402.SupportedResponse, error) {
	return x402.SupportedResponse{Kinds: []x402.SupportedKind{{X402Version: 2, Scheme: "exact", Network: testNetwork}}}, nil
}

func newRouter(facilitator *stubFacilitator) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(PaymentMiddleware(
		x402http.RoutesConfig{
			"GET /premium": {Accepts: []x402http.PaymentOption{{Scheme: "exact", PayTo: testPayTo, Price: "$0.01", Network: testNetwork}}},
			"GET /broken":  {Accepts: []x402http.PaymentOption{{Scheme: "exact", PayTo: testPayTo, Price: "$0.01", Network: testNetwork}}},
		},
		WithFacilitatorClient(facilitator),
		WithScheme(testNetwork, fixedPriceScheme{}),
		WithInitializeOnStart(true),
		WithTimeout(5*time.Second),
	))
	router.GET("/free", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "This is a free endpoint accessible to everyone."})
	})
	router.GET("/premium", func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.JSON(http.StatusOK, gin.H{"message": "This is a premium endpoint accessible to everyone."})
	})
	router.GET("/broken", func(c *gin.Context) {
		c.String(http.StatusInternalServerError, "boom")
	})
	return router
}

func paidRequest(t *testing.T, path string) *http.Request {
	t.Helper()
	header, err := x402http.EncodePaymentSignatureHeader(x402.PaymentPayload{
		X402Version: 2,
		Payload:     map[string]interface{}{"transaction": "AQID"},
		Accepted: x402.PaymentRequirements{
			Scheme: "exact", Network: testNetwork, Asset: testAsset, Amount: "10000", PayTo: testPayTo, MaxTimeoutSeconds: x402.DefaultMaxTimeoutSeconds,
		},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set(x402http.PaymentSignatureHeader, header)
	return req
}

func serve(router *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestGinFreeRoute(t *testing.T) {
	rec := serve(newRouter(&stubFacilitator{settleOK: true}), httptest.NewRequest(http.MethodGet, "/free", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(x402http.RequestIDHeader))
}

func TestGinChallenge(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/premium", nil)
	req.Header.Set(x402http.RequestIDHeader, "req-1")
	rec := serve(newRouter(&stubFacilitator{settleOK: true}), req)

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "req-1", rec.Header().Get(x402http.RequestIDHeader))

	required, err := x402http.DecodePaymentRequiredHeader(rec.Header().Get(x402http.PaymentRequiredHeader))
	require.NoError(t, err)
	assert.Equal(t, "10000", required.Accepts[0].Amount)
	assert.Equal(t, testPayTo, required.Accepts[0].PayTo)
}

func TestGinPaidRequest(t *testing.T) {
	facilitator := &stubFacilitator{settleOK: true}
	rec := serve(newRouter(facilitator), paidRequest(t, "/premium"))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "This is a premium endpoint accessible to everyone.", body["message"])

	settled, err := x402http.GetPaymentSettleResponse(rec.Header().Get)
	require.NoError(t, err)
	assert.Equal(t, "5sig", settled.Transaction)
	assert.Equal(t, 1, facilitator.settled)
}

func TestGinSettlementFailureHidesResource(t *testing.T) {
	rec := serve(newRouter(&stubFacilitator{settleOK: false}), paidRequest(t, "/premium"))

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.NotContains(t, rec.Body.String(), "premium endpoint")

	var body x402.PaymentRequired
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, x402http.ReasonSettlementFailed, body.Error)
}

func TestGinHandlerErrorSkipsSettlement(t *testing.T) {
	facilitator := &stubFacilitator{settleOK: true}
	rec := serve(newRouter(facilitator), paidRequest(t, "/broken"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "boom", rec.Body.String())
	assert.Empty(t, rec.Header().Get(x402http.PaymentResponseHeader))
	assert.Equal(t, 0, facilitator.settled)
}

func TestGinMalformedHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/premium", nil)
	req.Header.Set(x402http.PaymentSignatureHeader, "???")
	rec := serve(newRouter(&stubFacilitator{settleOK: true}), req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, x402http.ErrorInvalidPaymentHeader, body["error"])
}

func TestGinFacilitatorFailures(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"unreachable", x402.NewPaymentError(x402.ErrCodeTransport, "connection refused", nil), http.StatusBadGateway},
		{"timeout", x402.WrapPaymentError(x402.ErrCodeTimeout, "verify", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{"rejected", x402.NewVerifyError("insufficient_funds", "payer", ""), http.StatusPaymentRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			facilitator := &stubFacilitator{settleOK: true, verifyErr: tt.err}
			rec := serve(newRouter(facilitator), paidRequest(t, "/premium"))

			assert.Equal(t, tt.status, rec.Code)
			assert.NotContains(t, rec.Body.String(), "premium endpoint")
			assert.Equal(t, 0, facilitator.settled)
		})
	}
}

func TestGinSettlementDisabled(t *testing.T) {
	facilitator := &stubFacilitator{settleOK: false}
	core := x402.Newx402ResourceServer(
		x402.WithFacilitatorClient(facilitator),
		x402.WithSchemeServer(testNetwork, fixedPriceScheme{}),
	)
	require.NoError(t, core.Initialize(context.Background()))
	server := x402http.Newx402HTTPResourceServer(x402http.RoutesConfig{
		"GET /premium": {Accepts: []x402http.PaymentOption{{Scheme: "exact", PayTo: testPayTo, Price: "$0.01", Network: testNetwork}}},
	}, core, x402http.WithSettlementDisabled())

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(PaymentMiddlewareFromServer(server))
	router.GET("/premium", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})

	rec := serve(router, paidRequest(t, "/premium"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get(x402http.PaymentResponseHeader))
	assert.Equal(t, 0, facilitator.settled)
}
