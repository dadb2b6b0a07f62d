package http

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	x402 "github.com/paygate-dev/x402svm"
)

// mockSchemeServer prices everything at 10000 atomic units of testAsset
type mockSchemeServer struct{}

func (m *mockSchemeServer) Scheme() string {
	return "exact"
}

func (m *mockSchemeServer) ParsePrice(price x402.Price, network x402.Network) (x402.AssetAmount, error) {
	return x402.AssetAmount{Asset: testAsset, Amount: "10000"}, nil
}

func (m *mockSchemeServer) EnhancePaymentRequirements(ctx context.Context, requirements x402.PaymentRequirements, supportedKind x402.SupportedKind, extensions []string) (x402.PaymentRequirements, error) {
	if requirements.Extra == nil {
		requirements.Extra = map[string]interface{}{}
	}
	requirements.Extra["feePayer"] = supportedKind.Extra["feePayer"]
	return requirements, nil
}

// mockFacilitatorClient accepts every payment unless a hook says otherwise
type mockFacilitatorClient struct {
	verify    func(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error)
	settle    func(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error)
	supported func(ctx context.Context) (x402.SupportedResponse, error)

	verifyCalls int32
	settleCalls int32
}

func (m *mockFacilitatorClient) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	atomic.AddInt32(&m.verifyCalls, 1)
	if m.verify != nil {
		return m.verify(ctx, payload, requirements)
	}
	return &x402.VerifyResponse{IsValid: true, Payer: "payer"}, nil
}

func (m *mockFacilitatorClient) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error) {
	atomic.AddInt32(&m.settleCalls, 1)
	if m.settle != nil {
		return m.settle(ctx, payload, requirements)
	}
	return &x402.SettleResponse{Success: true, Transaction: "5sig", Payer: "payer", Network: requirements.Network}, nil
}

func (m *mockFacilitatorClient) GetSupported(ctx context.Context) (x402.SupportedResponse, error) {
	if m.supported != nil {
		return m.supported(ctx)
	}
	return x402.SupportedResponse{
		Kinds: []x402.SupportedKind{{
			X402Version: 2,
			Scheme:      "exact",
			Network:     testNetwork,
			Extra:       map[string]interface{}{"feePayer": testFeePay},
		}},
		Extensions: []string{},
	}, nil
}

// mockSchemeClient signs nothing; it returns a fixed transaction
type mockSchemeClient struct {
	calls int32
}

func (m *mockSchemeClient) Scheme() string {
	return "exact"
}

func (m *mockSchemeClient) CreatePaymentPayload(ctx context.Context, requirements x402.PaymentRequirements) (x402.PartialPaymentPayload, error) {
	n := atomic.AddInt32(&m.calls, 1)
	return x402.PartialPaymentPayload{
		X402Version: x402.ProtocolVersion,
		Payload:     map[string]interface{}{"transaction": fmt.Sprintf("signed-%d", n)},
	}, nil
}

func testRoutes() RoutesConfig {
	return RoutesConfig{
		"GET /premium": RouteConfig{
			Accepts: []PaymentOption{{
				Scheme:  "exact",
				PayTo:   testPayTo,
				Price:   "$0.01",
				Network: testNetwork,
			}},
			Description: "premium",
			MimeType:    "application/json",
		},
	}
}

func newTestHTTPServer(t *testing.T, facilitator x402.FacilitatorClient, opts ...HTTPServerOption) *X402HTTPResourceServer {
	t.Helper()
	core := x402.Newx402ResourceServer(
		x402.WithFacilitatorClient(facilitator),
		x402.WithSchemeServer(testNetwork, &mockSchemeServer{}),
	)
	if err := core.Initialize(context.Background()); err != nil {
		t.Fatalf("Failed to initialize: %v", err)
	}
	return Newx402HTTPResourceServer(testRoutes(), core, opts...)
}

// mockAdapter implements HTTPAdapter
type mockAdapter struct {
	headers map[string]string
	method  string
	path    string
}

func (m *mockAdapter) GetHeader(name string) string {
	return m.headers[name]
}

func (m *mockAdapter) GetMethod() string {
	return m.method
}

func (m *mockAdapter) GetPath() string {
	return m.path
}

func (m *mockAdapter) GetURL() string {
	return "http://localhost:3001" + m.path
}

func requestContext(method, path string, headers map[string]string) HTTPRequestContext {
	return HTTPRequestContext{
		Adapter:   &mockAdapter{headers: headers, method: method, path: path},
		Path:      path,
		Method:    method,
		RequestID: "req-1",
	}
}
