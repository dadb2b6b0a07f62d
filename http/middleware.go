package http

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

// RequestID returns the caller's X-Request-ID or a fresh one
func RequestID(r *http.Request) string {
	if id := r.Header.Get(RequestIDHeader); id != "" {
		return id
	}
	return uuid.NewString()
}

// requestAdapter implements HTTPAdapter over *http.Request
type requestAdapter struct {
	req *http.Request
}

// NewRequestAdapter wraps a standard request. Framework adapters use it on their underlying request.
func NewRequestAdapter(r *http.Request) HTTPAdapter {
	return &requestAdapter{req: r}
}

func (a *requestAdapter) GetHeader(name string) string {
	return a.req.Header.Get(name)
}

func (a *requestAdapter) GetMethod() string {
	return a.req.Method
}

func (a *requestAdapter) GetPath() string {
	return a.req.URL.Path
}

func (a *requestAdapter) GetURL() string {
	scheme := "http"
	if a.req.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + a.req.Host + a.req.URL.RequestURI()
}

// WriteInstructions writes a payment response
func WriteInstructions(w http.ResponseWriter, response *HTTPResponseInstructions) {
	for k, v := range response.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(response.Status)
	if response.Body != nil {
		_ = json.NewEncoder(w).Encode(response.Body)
	}
}

// ResponseBuffer holds a handler's response until settlement decides whether it is sent
type ResponseBuffer struct {
	header http.Header
	body   bytes.Buffer
	status int
}

// NewResponseBuffer creates an empty buffer with status 200
func NewResponseBuffer() *ResponseBuffer {
	return &ResponseBuffer{header: http.Header{}, status: http.StatusOK}
}

func (b *ResponseBuffer) Header() http.Header {
	return b.header
}

func (b *ResponseBuffer) Write(p []byte) (int, error) {
	return b.body.Write(p)
}

func (b *ResponseBuffer) WriteHeader(status int) {
	b.status = status
}

// Status returns the status the handler set
func (b *ResponseBuffer) Status() int {
	return b.status
}

// FlushTo writes the buffered response plus extra headers to w
func (b *ResponseBuffer) FlushTo(w http.ResponseWriter, extra map[string]string) {
	for k, v := range b.header {
		w.Header()[k] = v
	}
	for k, v := range extra {
		w.Header().Set(k, v)
	}
	w.WriteHeader(b.status)
	_, _ = w.Write(b.body.Bytes())
}

// PaymentMiddleware protects the server's routes for a net/http handler.
// Paid handler output is buffered and only sent once settlement succeeds.
func PaymentMiddleware(server *X402HTTPResourceServer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := RequestID(r)
			w.Header().Set(RequestIDHeader, requestID)

			ctx := r.Context()
			result := server.ProcessHTTPRequest(ctx, HTTPRequestContext{
				Adapter:   NewRequestAdapter(r),
				Path:      r.URL.Path,
				Method:    r.Method,
				RequestID: requestID,
			})

			switch result.Type {
			case ResultNoPaymentRequired:
				next.ServeHTTP(w, r)
				return
			case ResultPaymentError:
				WriteInstructions(w, result.Response)
				return
			}

			buffer := NewResponseBuffer()
			next.ServeHTTP(buffer, r)

			headers, failure := server.CompleteSettlement(ctx, result, buffer.Status(), requestID)
			if failure != nil {
				WriteInstructions(w, failure)
				return
			}
			buffer.FlushTo(w, headers)
		})
	}
}
