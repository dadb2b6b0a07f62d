package gin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/paygate-dev/x402svm"
	x402http "github.com/paygate-dev/x402svm/http"
)

// acceptAll is a scheme facilitator that accepts and settles everything
type acceptAll struct {
	settled int
}

func (a *acceptAll) Scheme() string     { return "exact" }
func (a *acceptAll) CaipFamily() string { return "solana:*" }

func (a *acceptAll) GetExtra(network x402.Network) map[string]interface{} {
	return map[string]interface{}{"feePayer": "FeePayer11111111111111111111111111111111111"}
}

func (a *acceptAll) GetSigners(network x402.Network) []string {
	return []string{"FeePayer11111111111111111111111111111111111"}
}

func (a *acceptAll) Verify(ctx context.Context, p x402.PaymentPayload, r x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	if p.Payload["transaction"] == "bad" {
		return nil, x402.NewVerifyError("invalid_transaction", "payer", "cannot decode")
	}
	return &x402.VerifyResponse{IsValid: true, Payer: "payer"}, nil
}

func (a *acceptAll) Settle(ctx context.Context, p x402.PaymentPayload, r x402.PaymentRequirements) (*x402.SettleResponse, error) {
	a.settled++
	return &x402.SettleResponse{Success: true, Transaction: "5sig", Payer: "payer", Network: r.Network}, nil
}

func newFacilitatorServer(t *testing.T, apiKey string) (*httptest.Server, *acceptAll) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	scheme := &acceptAll{}
	facilitator := x402.Newx402Facilitator().Register([]x402.Network{testNetwork}, scheme)

	router := gin.New()
	FacilitatorRoutes(router, facilitator, FacilitatorRoutesConfig{APIKey: apiKey})
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return ts, scheme
}

func facilitatorPayload(transaction string) (x402.PaymentPayload, x402.PaymentRequirements) {
	requirements := x402.PaymentRequirements{
		Scheme: "exact", Network: testNetwork, Asset: testAsset, Amount: "10000", PayTo: testPayTo, MaxTimeoutSeconds: 300,
	}
	return x402.PaymentPayload{
		X402Version: 2,
		Accepted:    requirements,
		Payload:     map[string]interface{}{"transaction": transaction},
	}, requirements
}

func TestFacilitatorRoutesThroughClient(t *testing.T) {
	ts, scheme := newFacilitatorServer(t, "secret")
	client := x402http.NewHTTPFacilitatorClient(&x402http.FacilitatorConfig{
		URL:          ts.URL,
		AuthProvider: x402http.StaticTokenAuth{Token: "secret"},
	})
	ctx := context.Background()

	supported, err := client.GetSupported(ctx)
	require.NoError(t, err)
	require.Len(t, supported.Kinds, 1)
	assert.Equal(t, testNetwork, supported.Kinds[0].Network)
	assert.NotEmpty(t, supported.Kinds[0].Extra["feePayer"])

	payload, requirements := facilitatorPayload("AQID")
	verified, err := client.Verify(ctx, payload, requirements)
	require.NoError(t, err)
	assert.True(t, verified.IsValid)

	settled, err := client.Settle(ctx, payload, requirements)
	require.NoError(t, err)
	assert.True(t, settled.Success)

	// A settled payload is consumed
	again, err := client.Settle(ctx, payload, requirements)
	require.NoError(t, err)
	assert.False(t, again.Success)
	assert.Equal(t, x402.ErrCodeDuplicateSettlement, again.ErrorReason)
	assert.Equal(t, settled.Transaction, again.Transaction)
	assert.Equal(t, 1, scheme.settled)

	reverified, err := client.Verify(ctx, payload, requirements)
	require.NoError(t, err)
	assert.False(t, reverified.IsValid)
	assert.Equal(t, x402.ErrCodeDuplicateSettlement, reverified.InvalidReason)
}

func TestFacilitatorRoutesVerdictIsNotAnError(t *testing.T) {
	ts, _ := newFacilitatorServer(t, "")
	client := x402http.NewHTTPFacilitatorClient(&x402http.FacilitatorConfig{URL: ts.URL})

	payload, requirements := facilitatorPayload("bad")
	verified, err := client.Verify(context.Background(), payload, requirements)
	require.NoError(t, err)
	assert.False(t, verified.IsValid)
	assert.Equal(t, "invalid_transaction", verified.InvalidReason)
}

func TestFacilitatorRoutesRequireBearer(t *testing.T) {
	ts, _ := newFacilitatorServer(t, "secret")

	for _, auth := range []string{"", "Bearer wrong", "secret"} {
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/verify", strings.NewReader("{}"))
		require.NoError(t, err)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, auth)
	}

	resp, err := http.Get(ts.URL + "/supported")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestFacilitatorRoutesBadRequest(t *testing.T) {
	ts, _ := newFacilitatorServer(t, "")

	for _, path := range []string{"/verify", "/settle"} {
		resp, err := http.Post(ts.URL+path, "application/json", strings.NewReader("{not json"))
		require.NoError(t, err)

		var body map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		resp.Body.Close()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
		assert.Contains(t, body["error"], "invalid request")
	}
}
