package x402

import (
	"errors"
	"fmt"
)

// PaymentError represents a payment-specific error.
// Two PaymentErrors match under errors.Is when their codes are equal, so callers can
// test against the sentinel values below.
type PaymentError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Err     error                  `json:"-"`
}

func (e *PaymentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// Is matches any PaymentError with the same code
func (e *PaymentError) Is(target error) bool {
	t, ok := target.(*PaymentError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Common error codes
const (
	ErrCodeInvalidPayment      = "invalid_payment"
	ErrCodeNetworkMismatch     = "network_mismatch"
	ErrCodeSchemeMismatch      = "scheme_mismatch"
	ErrCodeDuplicateSettlement = "duplicate_settlement"
	ErrCodeUnsupportedScheme   = "unsupported_scheme"
	ErrCodeUnsupportedNetwork  = "unsupported_network"

	// Failure taxonomy surfaced to callers of the client and server
	ErrCodeTransport        = "transport_error"
	ErrCodeTimeout          = "timeout"
	ErrCodeProtocol         = "protocol_error"
	ErrCodePaymentRejected  = "payment_rejected"
	ErrCodeSigning          = "signing_error"
	ErrCodeUnexpectedStatus = "unexpected_status"
)

// Sentinels for errors.Is
var (
	ErrTransport         = &PaymentError{Code: ErrCodeTransport}
	ErrTimeout           = &PaymentError{Code: ErrCodeTimeout}
	ErrProtocol          = &PaymentError{Code: ErrCodeProtocol}
	ErrPaymentRejected   = &PaymentError{Code: ErrCodePaymentRejected}
	ErrUnsupportedScheme = &PaymentError{Code: ErrCodeUnsupportedScheme}
	ErrSigning           = &PaymentError{Code: ErrCodeSigning}
	ErrUnexpectedStatus  = &PaymentError{Code: ErrCodeUnexpectedStatus}
)

// NewPaymentError creates a new payment error
func NewPaymentError(code, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// WrapPaymentError creates a payment error that wraps a cause
func WrapPaymentError(code, message string, err error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsRetryable reports whether err is a transport failure or a timeout.
// Rejections, protocol errors and unsupported schemes are terminal.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrTimeout)
}

// VerifyError is returned when a facilitator declines a payment during verification
type VerifyError struct {
	Reason  string
	Payer   string
	Message string
}

// NewVerifyError creates a verification rejection
func NewVerifyError(reason, payer, message string) *VerifyError {
	return &VerifyError{Reason: reason, Payer: payer, Message: message}
}

func (e *VerifyError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("verification failed: %s: %s", e.Reason, e.Message)
	}
	return fmt.Sprintf("verification failed: %s", e.Reason)
}

// Is matches ErrPaymentRejected
func (e *VerifyError) Is(target error) bool {
	return target == ErrPaymentRejected
}

// SettleError is returned when a facilitator declines or fails a settlement
type SettleError struct {
	Reason      string
	Payer       string
	Network     Network
	Transaction string
	Message     string
}

// NewSettleError creates a settlement rejection
func NewSettleError(reason, payer string, network Network, transaction, message string) *SettleError {
	return &SettleError{
		Reason:      reason,
		Payer:       payer,
		Network:     network,
		Transaction: transaction,
		Message:     message,
	}
}

func (e *SettleError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("settlement failed: %s: %s", e.Reason, e.Message)
	}
	return fmt.Sprintf("settlement failed: %s", e.Reason)
}

// Is matches ErrPaymentRejected
func (e *SettleError) Is(target error) bool {
	return target == ErrPaymentRejected
}
