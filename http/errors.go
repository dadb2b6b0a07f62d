package http

import (
	"context"
	"errors"
	"fmt"
	"net"

	x402 "github.com/paygate-dev/x402svm"
)

// classifyRequestError maps a failed HTTP exchange to the payment error taxonomy
func classifyRequestError(op string, err error) error {
	if isTimeout(err) {
		return x402.WrapPaymentError(x402.ErrCodeTimeout, fmt.Sprintf("%s timed out", op), err)
	}
	return x402.WrapPaymentError(x402.ErrCodeTransport, fmt.Sprintf("%s failed", op), err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
