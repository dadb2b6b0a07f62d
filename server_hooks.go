package x402

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// PaymentHookContext identifies the payment a verify or settle hook runs for
type PaymentHookContext struct {
	Ctx          context.Context
	Payload      PaymentPayload
	Requirements PaymentRequirements
	Started      time.Time
}

// HookOutcome is passed to after hooks once the facilitator accepted the operation
type HookOutcome[R any] struct {
	PaymentHookContext
	Result   R
	Duration time.Duration
}

// HookFailure is passed to failure hooks with the error the operation ended with
type HookFailure struct {
	PaymentHookContext
	Err      error
	Duration time.Duration
}

// HookAbort stops an operation before the facilitator is contacted
type HookAbort struct {
	Reason string
}

// Recovery replaces the error of a failed operation with Result
type Recovery[R any] struct {
	Result R
}

// BeforeHook runs before the facilitator call. A non-nil HookAbort rejects the payment;
// a returned error is only logged.
type BeforeHook func(PaymentHookContext) (*HookAbort, error)

// AfterHook observes a successful operation. Its error is only logged.
type AfterHook[R any] func(HookOutcome[R]) error

// FailureHook runs when the operation failed. A non-nil Recovery turns the failure into success.
type FailureHook[R any] func(HookFailure) (*Recovery[R], error)

type (
	BeforeVerifyHook    = BeforeHook
	AfterVerifyHook     = AfterHook[VerifyResponse]
	OnVerifyFailureHook = FailureHook[VerifyResponse]
	BeforeSettleHook    = BeforeHook
	AfterSettleHook     = AfterHook[SettleResponse]
	OnSettleFailureHook = FailureHook[SettleResponse]
)

// operationHooks are the hooks registered around one facilitator operation
type operationHooks[R any] struct {
	name    string
	before  []BeforeHook
	after   []AfterHook[R]
	failure []FailureHook[R]
}

// run calls the before hooks, then call, then the after or failure hooks.
// abort builds the result of an operation stopped by a before hook.
func (h operationHooks[R]) run(logger *zap.Logger, hc PaymentHookContext, call func() (*R, error), abort func(reason string) (*R, error)) (*R, error) {
	for _, hook := range h.before {
		stop, err := hook(hc)
		if err != nil {
			logger.Warn("before hook failed", zap.String("operation", h.name), zap.Error(err))
		}
		if stop != nil {
			logger.Info("payment stopped by hook", zap.String("operation", h.name), zap.String("reason", stop.Reason))
			return abort(stop.Reason)
		}
	}

	start := time.Now()
	result, err := call()
	duration := time.Since(start)

	if err == nil {
		outcome := HookOutcome[R]{PaymentHookContext: hc, Result: *result, Duration: duration}
		for _, hook := range h.after {
			if hookErr := hook(outcome); hookErr != nil {
				logger.Warn("after hook failed", zap.String("operation", h.name), zap.Error(hookErr))
			}
		}
		return result, nil
	}

	failure := HookFailure{PaymentHookContext: hc, Err: err, Duration: duration}
	for _, hook := range h.failure {
		recovery, hookErr := hook(failure)
		if hookErr != nil {
			logger.Warn("failure hook failed", zap.String("operation", h.name), zap.Error(hookErr))
		}
		if recovery != nil {
			recovered := recovery.Result
			return &recovered, nil
		}
	}
	return result, err
}

// WithBeforeVerifyHook registers a hook to execute before payment verification
func WithBeforeVerifyHook(hook BeforeVerifyHook) ResourceServerOption {
	return func(s *X402ResourceServer) {
		s.verifyHooks.before = append(s.verifyHooks.before, hook)
	}
}

// WithAfterVerifyHook registers a hook to execute after successful payment verification
func WithAfterVerifyHook(hook AfterVerifyHook) ResourceServerOption {
	return func(s *X402ResourceServer) {
		s.verifyHooks.after = append(s.verifyHooks.after, hook)
	}
}

// WithOnVerifyFailureHook registers a hook to execute when payment verification fails
func WithOnVerifyFailureHook(hook OnVerifyFailureHook) ResourceServerOption {
	return func(s *X402ResourceServer) {
		s.verifyHooks.failure = append(s.verifyHooks.failure, hook)
	}
}

// WithBeforeSettleHook registers a hook to execute before payment settlement
func WithBeforeSettleHook(hook BeforeSettleHook) ResourceServerOption {
	return func(s *X402ResourceServer) {
		s.settleHooks.before = append(s.settleHooks.before, hook)
	}
}

// WithAfterSettleHook registers a hook to execute after successful payment settlement
func WithAfterSettleHook(hook AfterSettleHook) ResourceServerOption {
	return func(s *X402ResourceServer) {
		s.settleHooks.after = append(s.settleHooks.after, hook)
	}
}

// WithOnSettleFailureHook registers a hook to execute when payment settlement fails
func WithOnSettleFailureHook(hook OnSettleFailureHook) ResourceServerOption {
	return func(s *X402ResourceServer) {
		s.settleHooks.failure = append(s.settleHooks.failure, hook)
	}
}
