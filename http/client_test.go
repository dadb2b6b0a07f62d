package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/paygate-dev/x402svm"
)

func newTestClient(opts ...HTTPClientOption) (*X402HTTPClient, *mockSchemeClient) {
	scheme := &mockSchemeClient{}
	core := x402.Newx402Client(x402.WithScheme("solana:*", scheme))
	return Newx402HTTPClient(core, opts...), scheme
}

// challengeServer answers the first request with a valid 402 and delegates paid requests to paid
func challengeServer(t *testing.T, paid http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := newTestHTTPServer(t, &mockFacilitatorClient{})
	protected := PaymentMiddleware(server)(demoMux())

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(PaymentSignatureHeader) == "" {
			protected.ServeHTTP(w, r)
			return
		}
		paid(w, r)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestNewx402HTTPClient(t *testing.T) {
	client, _ := newTestClient()
	if client.httpClient.Timeout != DefaultClientTimeout {
		t.Errorf("Expected default timeout %v, got %v", DefaultClientTimeout, client.httpClient.Timeout)
	}

	transport := &http.Transport{}
	for name, opts := range map[string][]HTTPClientOption{
		"timeout then client": {WithClientTimeout(time.Second), WithHTTPClient(&http.Client{Transport: transport})},
		"client then timeout": {WithHTTPClient(&http.Client{Transport: transport}), WithClientTimeout(time.Second)},
	} {
		client, _ = newTestClient(opts...)
		if client.httpClient.Timeout != time.Second {
			t.Errorf("%s: expected timeout 1s, got %v", name, client.httpClient.Timeout)
		}
		if client.httpClient.Transport != transport {
			t.Errorf("%s: expected the injected transport to be kept", name)
		}
	}

	// The caller's client is copied, never modified
	shared := &http.Client{Timeout: 5 * time.Second}
	client, _ = newTestClient(WithHTTPClient(shared), WithClientTimeout(time.Second))
	if shared.Timeout != 5*time.Second {
		t.Errorf("Expected shared client to keep its timeout, got %v", shared.Timeout)
	}
	if client.httpClient == shared {
		t.Error("Expected the shared client to be copied")
	}

	// An injected client without a timeout gets the default
	client, _ = newTestClient(WithHTTPClient(&http.Client{}))
	if client.httpClient.Timeout != DefaultClientTimeout {
		t.Errorf("Expected default timeout, got %v", client.httpClient.Timeout)
	}
	client, _ = newTestClient(WithHTTPClient(shared))
	if client.httpClient.Timeout != 5*time.Second {
		t.Errorf("Expected injected timeout to be kept, got %v", client.httpClient.Timeout)
	}
}

func TestRequestResourceFree(t *testing.T) {
	ts := serve(t, newTestHTTPServer(t, &mockFacilitatorClient{}))
	client, scheme := newTestClient()

	result, err := client.RequestResource(context.Background(), ts.URL+"/free", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.False(t, result.Paid)
	assert.Contains(t, string(result.Body), freeMessage)
	assert.EqualValues(t, 0, scheme.calls)
}

func TestRequestResourcePaysOnce(t *testing.T) {
	facilitator := &mockFacilitatorClient{}
	ts := serve(t, newTestHTTPServer(t, facilitator))
	client, scheme := newTestClient()

	result, err := client.RequestResource(context.Background(), ts.URL+"/premium", http.Header{"Accept": {"application/json"}})
	require.NoError(t, err)
	assert.True(t, result.Paid)

	var body map[string]string
	require.NoError(t, json.Unmarshal(result.Body, &body))
	assert.Equal(t, premiumMessage, body["message"])

	require.NotNil(t, result.Settlement)
	assert.True(t, result.Settlement.Success)
	assert.EqualValues(t, 1, scheme.calls)
	assert.EqualValues(t, 1, facilitator.settleCalls)
}

func TestRequestResourceTwoIndependentPayments(t *testing.T) {
	facilitator := &mockFacilitatorClient{}
	ts := serve(t, newTestHTTPServer(t, facilitator))
	client, _ := newTestClient()

	for i := 0; i < 2; i++ {
		result, err := client.RequestResource(context.Background(), ts.URL+"/premium", nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, result.StatusCode)
	}
	assert.EqualValues(t, 2, facilitator.settleCalls)
}

func TestRequestResourceRejectedAfterPayment(t *testing.T) {
	for _, status := range []int{http.StatusPaymentRequired, http.StatusForbidden} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			var paidCalls int32
			ts := challengeServer(t, func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&paidCalls, 1)
				w.WriteHeader(status)
				w.Write([]byte(`{"error":"payment verification failed"}`))
			})
			client, _ := newTestClient()

			_, err := client.RequestResource(context.Background(), ts.URL+"/premium", nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, x402.ErrPaymentRejected))
			assert.False(t, x402.IsRetryable(err))
			assert.EqualValues(t, 1, paidCalls, "a rejected payment must not be retried")

			var pe *x402.PaymentError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, "payment verification failed", pe.Details["reason"])
		})
	}
}

func TestRequestResourceStatusClassification(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr *x402.PaymentError
	}{
		{"server error after payment", http.StatusBadGateway, x402.ErrTransport},
		{"bad request after payment", http.StatusBadRequest, x402.ErrUnexpectedStatus},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := challengeServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			client, _ := newTestClient()

			_, err := client.RequestResource(context.Background(), ts.URL+"/premium", nil)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}

	t.Run("unexpected first status", func(t *testing.T) {
		ts := serve(t, newTestHTTPServer(t, &mockFacilitatorClient{}))
		client, _ := newTestClient()

		_, err := client.RequestResource(context.Background(), ts.URL+"/missing", nil)
		assert.True(t, errors.Is(err, x402.ErrUnexpectedStatus), "got %v", err)
	})
}

func TestRequestResourceMalformedChallenge(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(PaymentRequiredHeader, "not-base64!")
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer ts.Close()
	client, _ := newTestClient()

	_, err := client.RequestResource(context.Background(), ts.URL, nil)
	assert.True(t, errors.Is(err, x402.ErrProtocol), "got %v", err)
}

func TestRequestResourceChallengeFromBody(t *testing.T) {
	required := x402.PaymentRequired{
		X402Version: 2,
		Accepts: []x402.PaymentRequirements{{
			Scheme: "exact", Network: testNetwork, Asset: testAsset, Amount: "10000", PayTo: testPayTo, MaxTimeoutSeconds: 60,
		}},
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(PaymentSignatureHeader) != "" {
			w.Write([]byte("ok"))
			return
		}
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(required)
	}))
	defer ts.Close()
	client, _ := newTestClient()

	result, err := client.RequestResource(context.Background(), ts.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(result.Body))
	assert.Nil(t, result.Settlement)
}

func TestRequestResourceUnsupportedScheme(t *testing.T) {
	required := x402.PaymentRequired{
		X402Version: 2,
		Accepts: []x402.PaymentRequirements{{
			Scheme: "exact", Network: "eip155:8453", Asset: "0xusdc", Amount: "10000", PayTo: "0xpayto", MaxTimeoutSeconds: 60,
		}},
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(required)
	}))
	defer ts.Close()
	client, _ := newTestClient()

	_, err := client.RequestResource(context.Background(), ts.URL, nil)
	assert.True(t, errors.Is(err, x402.ErrUnsupportedScheme), "got %v", err)
}

func TestRequestResourceTimeoutRetriedOnce(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			<-release
			return
		}
		w.Write([]byte("ok"))
	}))
	defer ts.Close()
	defer close(release)

	client, _ := newTestClient(WithClientTimeout(50 * time.Millisecond))
	result, err := client.RequestResource(context.Background(), ts.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(result.Body))
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestRequestResourceTimeoutTwice(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		<-release
	}))
	defer ts.Close()
	defer close(release)

	client, _ := newTestClient(WithClientTimeout(30 * time.Millisecond))
	_, err := client.RequestResource(context.Background(), ts.URL, nil)
	assert.True(t, errors.Is(err, x402.ErrTimeout), "got %v", err)
	assert.False(t, errors.Is(err, x402.ErrPaymentRejected))
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestRequestResourceCancelledNotRetried(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		<-release
	}))
	defer ts.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	client, _ := newTestClient()
	_, err := client.RequestResource(ctx, ts.URL, nil)
	require.Error(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestRequestResourceUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := ts.URL
	ts.Close()

	client, _ := newTestClient()
	_, err := client.RequestResource(context.Background(), url, nil)
	assert.True(t, errors.Is(err, x402.ErrTransport), "got %v", err)
}

func TestGetPaymentRequiredResponse(t *testing.T) {
	required := x402.PaymentRequired{
		X402Version: 2,
		Error:       "from header",
		Accepts:     []x402.PaymentRequirements{},
	}
	encoded, err := EncodePaymentRequiredHeader(required)
	require.NoError(t, err)

	headers := http.Header{}
	headers.Set(PaymentRequiredHeader, encoded)
	body := []byte(`{"x402Version":2,"error":"from body","accepts":[]}`)

	parsed, err := GetPaymentRequiredResponse(headers.Get, body)
	require.NoError(t, err)
	assert.Equal(t, "from header", parsed.Error)

	parsed, err = GetPaymentRequiredResponse(http.Header{}.Get, body)
	require.NoError(t, err)
	assert.Equal(t, "from body", parsed.Error)

	_, err = GetPaymentRequiredResponse(http.Header{}.Get, nil)
	assert.Error(t, err)
}

func TestGetPaymentSettleResponse(t *testing.T) {
	_, err := GetPaymentSettleResponse(http.Header{}.Get)
	assert.Error(t, err)

	encoded, err := EncodePaymentResponseHeader(x402.SettleResponse{Success: true, Transaction: "tx", Network: testNetwork})
	require.NoError(t, err)
	headers := http.Header{}
	headers.Set(PaymentResponseHeader, encoded)

	settled, err := GetPaymentSettleResponse(headers.Get)
	require.NoError(t, err)
	assert.Equal(t, "tx", settled.Transaction)
}

func TestWrapHTTPClientWithPayment(t *testing.T) {
	ts := serve(t, newTestHTTPServer(t, &mockFacilitatorClient{}))
	client, _ := newTestClient()

	original := &http.Client{}
	wrapped := WrapHTTPClientWithPayment(original, client)
	assert.Nil(t, original.Transport, "the caller's client must not be mutated")

	resp, err := wrapped.Get(ts.URL + "/premium")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(PaymentResponseHeader))
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), premiumMessage)
}

func TestPaymentRoundTripperRejectedAfterPayment(t *testing.T) {
	for _, status := range []int{http.StatusPaymentRequired, http.StatusForbidden} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			var paidCalls int32
			ts := challengeServer(t, func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&paidCalls, 1)
				w.WriteHeader(status)
			})
			client, _ := newTestClient()

			resp, err := client.GetWithPayment(context.Background(), ts.URL+"/premium")
			if resp != nil {
				resp.Body.Close()
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, x402.ErrPaymentRejected), "got %v", err)
			assert.EqualValues(t, 1, paidCalls)
		})
	}
}
