// Package config holds the settings of the three binaries and validates them.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	x402 "github.com/paygate-dev/x402svm"
	"github.com/paygate-dev/x402svm/mechanisms/svm"
)

// Defaults shared by the binaries and their flags
const (
	DefaultServerBind      = ":3001"
	DefaultMetricsBind     = ":9091"
	DefaultFacilitatorURL  = "https://x402.org/facilitator"
	DefaultPayTo           = "5WeCpRxH4VjH5CRV6Df3qAs8H4isg63CRiWuNXGPxVuC"
	DefaultPrice           = "$0.01"
	DefaultClientURL       = "http://localhost:3001/premium"
	DefaultClientKeypair   = "client.json"
	DefaultClientTimeout   = 30 * time.Second
	DefaultFacilitatorBind = ":4021"
	DefaultFacilitatorKey  = "facilitator.json"
	DefaultLogLevel        = "info"
)

// Server configures cmd/server
type Server struct {
	Bind           string        `validate:"required"`
	MetricsBind    string        `validate:"omitempty"`
	FacilitatorURL string        `validate:"required,url"`
	FacilitatorKey string        `validate:"omitempty"`
	Network        string        `validate:"required,caip2"`
	PayTo          string        `validate:"required,solana_address"`
	Price          string        `validate:"required,price"`
	MaxTimeout     time.Duration `validate:"min=0"`
	RequestTimeout time.Duration `validate:"gt=0"`
	LogLevel       string        `validate:"oneof=debug info warn error"`
	Development    bool
}

// Client configures cmd/client
type Client struct {
	URL         string        `validate:"required,url"`
	Keypair     string        `validate:"required"`
	Timeout     time.Duration `validate:"gt=0"`
	RPCURL      string        `validate:"omitempty,url"`
	Airdrop     string        `validate:"omitempty,price"`
	LogLevel    string        `validate:"oneof=debug info warn error"`
	Development bool
}

// Facilitator configures cmd/facilitator
type Facilitator struct {
	Bind        string   `validate:"required"`
	MetricsBind string   `validate:"omitempty"`
	Keypair     string   `validate:"required"`
	RPCURL      string   `validate:"omitempty,url"`
	Networks    []string `validate:"required,min=1,dive,caip2"`
	APIKey      string   `validate:"omitempty"`
	Simulate    bool
	LogLevel    string `validate:"oneof=debug info warn error"`
	Development bool
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	mustRegister(v, "solana_address", func(fl validator.FieldLevel) bool {
		return svm.ValidateSolanaAddress(fl.Field().String()) == nil
	})
	mustRegister(v, "caip2", func(fl validator.FieldLevel) bool {
		network := x402.Network(fl.Field().String())
		namespace, reference, err := network.Parse()
		return err == nil && namespace != "" && reference != "" && !network.IsWildcard()
	})
	mustRegister(v, "price", func(fl validator.FieldLevel) bool {
		d, err := svm.ParseDecimal(fl.Field().String())
		return err == nil && d.IsPositive()
	})
	return v
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("failed to register %s validator: %v", tag, err))
	}
}

// Validate checks a config struct and reports every failing field
func Validate(cfg interface{}) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("invalid config: %w", err)
	}

	problems := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			problems = append(problems, fmt.Sprintf("%s: failed %s=%s (got %q)", fe.Field(), fe.Tag(), fe.Param(), fmt.Sprint(fe.Value())))
		} else {
			problems = append(problems, fmt.Sprintf("%s: failed %s (got %q)", fe.Field(), fe.Tag(), fmt.Sprint(fe.Value())))
		}
	}
	return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
}

// SplitList parses a comma separated flag value, dropping blanks
func SplitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
