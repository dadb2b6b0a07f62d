// Package metrics records payment events and facilitator latency.
package metrics

import "time"

// Event names passed to IncCounter
const (
	EventChallengeIssued   = "challenge_issued"
	EventPaymentVerified   = "payment_verified"
	EventPaymentRejected   = "payment_rejected"
	EventSettlement        = "settlement"
	EventFacilitatorError  = "facilitator_error"
	EventMalformedPayment  = "malformed_payment"
	EventPaymentSubmitted  = "payment_submitted"
	EventPaymentRetryLimit = "payment_retry_limit"
)

// Operation names passed to ObserveLatency
const (
	OpVerify    = "verify"
	OpSettle    = "settle"
	OpSupported = "supported"
)

// Label keys understood by the recorders
const (
	LabelNetwork = "network"
	LabelResult  = "result"
)

type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}
