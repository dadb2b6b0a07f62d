// Package echo adapts the x402 payment flow to echo.
package echo

import (
	"github.com/labstack/echo/v4"

	x402http "github.com/paygate-dev/x402svm/http"
)

// PaymentMiddleware protects the server's routes in an echo application.
// Paid handler output is buffered and only sent once settlement succeeds.
func PaymentMiddleware(server *x402http.X402HTTPResourceServer) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			res := c.Response()

			requestID := x402http.RequestID(req)
			res.Header().Set(x402http.RequestIDHeader, requestID)

			ctx := req.Context()
			result := server.ProcessHTTPRequest(ctx, x402http.HTTPRequestContext{
				Adapter:   x402http.NewRequestAdapter(req),
				Path:      req.URL.Path,
				Method:    req.Method,
				RequestID: requestID,
			})

			switch result.Type {
			case x402http.ResultNoPaymentRequired:
				return next(c)
			case x402http.ResultPaymentError:
				return writeInstructions(c, result.Response)
			}

			original := res.Writer
			buffer := x402http.NewResponseBuffer()
			for k, v := range original.Header() {
				buffer.Header()[k] = v
			}
			res.Writer = buffer

			err := next(c)
			res.Writer = original
			if err != nil {
				// The handler failed without producing a resource, so nothing is settled
				return err
			}

			headers, failure := server.CompleteSettlement(ctx, result, buffer.Status(), requestID)
			if failure != nil {
				// echo already marked the response committed, so write through the raw writer
				x402http.WriteInstructions(original, failure)
				return nil
			}

			buffer.FlushTo(original, headers)
			return nil
		}
	}
}

func writeInstructions(c echo.Context, response *x402http.HTTPResponseInstructions) error {
	for k, v := range response.Headers {
		c.Response().Header().Set(k, v)
	}
	return c.JSON(response.Status, response.Body)
}

