// Package facilitator implements the fee-payer side of the exact SVM scheme.
// It inspects client transactions, co-signs them and submits them to the cluster.
package facilitator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"

	x402 "github.com/paygate-dev/x402svm"
	"github.com/paygate-dev/x402svm/mechanisms/svm"
)

const (
	DefaultConfirmTimeout = 30 * time.Second
	DefaultPollInterval   = 500 * time.Millisecond
)

// ExactSvmScheme implements x402.SchemeNetworkFacilitator for exact SVM payments
type ExactSvmScheme struct {
	signer svm.FacilitatorSvmSigner
	rpc    svm.FacilitatorRPC

	simulate       bool
	confirmTimeout time.Duration
	pollInterval   time.Duration
	logger         *zap.Logger
}

// Option configures the facilitator scheme
type Option func(*ExactSvmScheme)

// WithSimulation toggles transaction simulation during verification
func WithSimulation(enabled bool) Option {
	return func(s *ExactSvmScheme) {
		s.simulate = enabled
	}
}

// WithConfirmTimeout bounds how long Settle waits for confirmation
func WithConfirmTimeout(d time.Duration) Option {
	return func(s *ExactSvmScheme) {
		s.confirmTimeout = d
	}
}

// WithPollInterval sets the signature status polling interval
func WithPollInterval(d time.Duration) Option {
	return func(s *ExactSvmScheme) {
		s.pollInterval = d
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *ExactSvmScheme) {
		s.logger = logger
	}
}

// NewExactSvmScheme creates the facilitator scheme. A nil rpc disables
// simulation and settlement; verification still works offline.
func NewExactSvmScheme(signer svm.FacilitatorSvmSigner, client svm.FacilitatorRPC, opts ...Option) *ExactSvmScheme {
	s := &ExactSvmScheme{
		signer:         signer,
		rpc:            client,
		simulate:       client != nil,
		confirmTimeout: DefaultConfirmTimeout,
		pollInterval:   DefaultPollInterval,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rpc == nil {
		s.simulate = false
	}
	return s
}

// Scheme returns the scheme identifier
func (s *ExactSvmScheme) Scheme() string {
	return svm.SchemeExact
}

// CaipFamily returns the CAIP family pattern this facilitator supports
func (s *ExactSvmScheme) CaipFamily() string {
	return svm.SolanaFamily
}

// GetExtra advertises the fee payer clients must name in their transactions
func (s *ExactSvmScheme) GetExtra(network x402.Network) map[string]interface{} {
	return map[string]interface{}{
		"feePayer": s.signer.Address().String(),
	}
}

// GetSigners returns the fee payer address
func (s *ExactSvmScheme) GetSigners(network x402.Network) []string {
	return []string{s.signer.Address().String()}
}

// verified is the outcome of a successful inspection
type verified struct {
	tx    *solana.Transaction
	payer string
}

// Verify inspects the transaction without submitting it
func (s *ExactSvmScheme) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	v, err := s.verify(ctx, payload, requirements)
	if err != nil {
		return nil, err
	}
	return &x402.VerifyResponse{IsValid: true, Payer: v.payer}, nil
}

func (s *ExactSvmScheme) verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*verified, error) {
	if !svm.IsValidNetwork(string(requirements.Network)) {
		return nil, x402.NewVerifyError(ErrUnsupportedNetwork, "", fmt.Sprintf("unsupported network %s", requirements.Network))
	}

	svmPayload, err := svm.PayloadFromMap(payload.Payload)
	if err != nil {
		return nil, x402.NewVerifyError(ErrInvalidPayload, "", err.Error())
	}
	tx, err := svm.DecodeTransaction(svmPayload.Transaction)
	if err != nil {
		return nil, x402.NewVerifyError(ErrTransactionDecode, "", err.Error())
	}

	transfer, reason, msg := s.inspect(tx, requirements)
	payer := ""
	if transfer != nil {
		payer = transfer.Owner.String()
	}
	if reason != "" {
		return nil, x402.NewVerifyError(reason, payer, msg)
	}

	if s.simulate {
		if err := s.simulateTransaction(ctx, tx); err != nil {
			return nil, markPayer(err, payer)
		}
	}

	return &verified{tx: tx, payer: payer}, nil
}

// inspect applies the structural rules. It returns the decoded transfer when one was found.
func (s *ExactSvmScheme) inspect(tx *solana.Transaction, requirements x402.PaymentRequirements) (*svm.TransferDetails, string, string) {
	msg := tx.Message
	if len(msg.AddressTableLookups) > 0 {
		return nil, ErrTransactionAddressLookups, "address lookup tables are not supported"
	}

	ixs := msg.Instructions
	if len(ixs) < svm.MinInstructions || len(ixs) > svm.MaxInstructions {
		return nil, ErrTransactionInstructionsLength, fmt.Sprintf("expected %d to %d instructions, got %d", svm.MinInstructions, svm.MaxInstructions, len(ixs))
	}

	if _, err := svm.ParseComputeUnitLimit(tx, ixs[0]); err != nil {
		return nil, ErrComputeLimitInstruction, err.Error()
	}
	price, err := svm.ParseComputeUnitPrice(tx, ixs[1])
	if err != nil {
		return nil, ErrComputePriceInstruction, err.Error()
	}
	if price > svm.MaxComputeUnitPrice {
		return nil, ErrComputePriceTooHigh, fmt.Sprintf("compute unit price %d exceeds %d", price, svm.MaxComputeUnitPrice)
	}

	transfer, err := svm.ParseTransferChecked(tx, ixs[2])
	if err != nil {
		return nil, ErrTransferInstruction, err.Error()
	}

	for _, ix := range ixs[3:] {
		programID, err := svm.ProgramID(tx, ix)
		if err != nil || !programID.Equals(solana.MemoProgramID) {
			return transfer, ErrUnknownOptionalInstruction, "only memo instructions may follow the transfer"
		}
	}

	// Fee payer
	feePayer := s.signer.Address()
	if len(msg.AccountKeys) == 0 || !msg.AccountKeys[0].Equals(feePayer) {
		return transfer, ErrFeePayerMismatch, "transaction fee payer is not this facilitator"
	}
	if advertised, _ := requirements.Extra["feePayer"].(string); advertised != "" && advertised != feePayer.String() {
		return transfer, ErrFeePayerMismatch, "requirements name a different fee payer"
	}
	if transfer.Owner.Equals(feePayer) {
		return transfer, ErrFeePayerTransferringFunds, "fee payer cannot be the transfer authority"
	}
	for _, ix := range ixs {
		for _, idx := range ix.Accounts {
			if idx == 0 {
				return transfer, ErrFeePayerInInstructionAccounts, "fee payer must not appear in instruction accounts"
			}
		}
	}

	// Transfer
	mint, err := solana.PublicKeyFromBase58(requirements.Asset)
	if err != nil || !transfer.Mint.Equals(mint) {
		return transfer, ErrMintMismatch, fmt.Sprintf("expected mint %s, got %s", requirements.Asset, transfer.Mint)
	}
	payTo, err := solana.PublicKeyFromBase58(requirements.PayTo)
	if err != nil {
		return transfer, ErrRecipientMismatch, "invalid payTo address"
	}
	expectedDest, err := svm.FindAssociatedTokenAddress(payTo, mint, transfer.TokenProgram)
	if err != nil || !transfer.Destination.Equals(expectedDest) {
		return transfer, ErrRecipientMismatch, fmt.Sprintf("destination %s is not the associated token account of %s", transfer.Destination, payTo)
	}
	amount, err := strconv.ParseUint(requirements.Amount, 10, 64)
	if err != nil || transfer.Amount != amount {
		return transfer, ErrAmountMismatch, fmt.Sprintf("expected amount %s, got %d", requirements.Amount, transfer.Amount)
	}

	// Signatures: every required signer except the fee payer must have signed
	if reason, detail := verifyClientSignatures(tx); reason != "" {
		return transfer, reason, detail
	}

	return transfer, "", ""
}

func verifyClientSignatures(tx *solana.Transaction) (string, string) {
	n := int(tx.Message.Header.NumRequiredSignatures)
	if len(tx.Signatures) < n {
		return ErrMissingSignature, "transaction is missing signature slots"
	}
	msgBytes, err := tx.Message.MarshalBinary()
	if err != nil {
		return ErrTransactionDecode, err.Error()
	}
	for i := 1; i < n; i++ {
		sig := tx.Signatures[i]
		if sig.IsZero() {
			return ErrMissingSignature, fmt.Sprintf("missing signature for %s", tx.Message.AccountKeys[i])
		}
		if !sig.Verify(tx.Message.AccountKeys[i], msgBytes) {
			return ErrInvalidSignature, fmt.Sprintf("invalid signature for %s", tx.Message.AccountKeys[i])
		}
	}
	return "", ""
}

// simulateTransaction co-signs a copy and asks the cluster to execute it
func (s *ExactSvmScheme) simulateTransaction(ctx context.Context, tx *solana.Transaction) error {
	signed, err := s.cosign(ctx, tx)
	if err != nil {
		return err
	}

	result, err := s.rpc.SimulateTransactionWithOpts(ctx, signed, &rpc.SimulateTransactionOpts{
		SigVerify:  true,
		Commitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return fmt.Errorf("simulation request failed: %w", err)
	}
	if result == nil || result.Value == nil {
		return fmt.Errorf("simulation returned no result")
	}
	if result.Value.Err != nil {
		s.logger.Debug("simulation failed", zap.Any("err", result.Value.Err), zap.Strings("logs", result.Value.Logs))
		return x402.NewVerifyError(ErrSimulationFailed, "", fmt.Sprintf("%v", result.Value.Err))
	}
	return nil
}

// cosign returns a copy of tx with the fee payer signature filled in
func (s *ExactSvmScheme) cosign(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error) {
	copied, err := svm.CopyTransaction(tx)
	if err != nil {
		return nil, err
	}
	if err := s.signer.SignTransaction(ctx, copied); err != nil {
		return nil, fmt.Errorf("failed to co-sign transaction: %w", err)
	}
	return copied, nil
}

// Settle re-verifies, co-signs and submits the transaction, then waits for confirmation
func (s *ExactSvmScheme) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error) {
	if s.rpc == nil {
		return nil, fmt.Errorf("settlement requires an RPC client")
	}

	v, err := s.verify(ctx, payload, requirements)
	if err != nil {
		var ve *x402.VerifyError
		if errors.As(err, &ve) {
			return nil, x402.NewSettleError(ve.Reason, ve.Payer, requirements.Network, "", ve.Message)
		}
		return nil, err
	}

	signed, err := s.cosign(ctx, v.tx)
	if err != nil {
		return nil, err
	}

	sig, err := s.rpc.SendTransactionWithOpts(ctx, signed, rpc.TransactionOpts{
		SkipPreflight:       !s.simulate,
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return nil, x402.NewSettleError(ErrTransactionFailed, v.payer, requirements.Network, "", err.Error())
	}
	s.logger.Info("transaction submitted", zap.String("signature", sig.String()), zap.String("payer", v.payer))

	if err := s.waitForConfirmation(ctx, sig); err != nil {
		var se *x402.SettleError
		if errors.As(err, &se) {
			se.Payer = v.payer
			se.Network = requirements.Network
			return nil, se
		}
		return nil, err
	}

	return &x402.SettleResponse{
		Success:     true,
		Payer:       v.payer,
		Transaction: sig.String(),
		Network:     requirements.Network,
	}, nil
}

func (s *ExactSvmScheme) waitForConfirmation(ctx context.Context, sig solana.Signature) error {
	ctx, cancel := context.WithTimeout(ctx, s.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		statuses, err := s.rpc.GetSignatureStatuses(ctx, false, sig)
		if err == nil && statuses != nil && len(statuses.Value) == 1 && statuses.Value[0] != nil {
			status := statuses.Value[0]
			if status.Err != nil {
				return x402.NewSettleError(ErrTransactionFailed, "", "", sig.String(), fmt.Sprintf("%v", status.Err))
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		} else if err != nil {
			s.logger.Debug("signature status poll failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return x402.NewSettleError(ErrTransactionConfirmationTimeout, "", "", sig.String(), "transaction was not confirmed in time")
		case <-ticker.C:
		}
	}
}

func markPayer(err error, payer string) error {
	var ve *x402.VerifyError
	if errors.As(err, &ve) && ve.Payer == "" {
		ve.Payer = payer
	}
	return err
}

// Register adds the exact SVM scheme to a facilitator for the given networks
func Register(f *x402.X402Facilitator, scheme *ExactSvmScheme, networks ...x402.Network) *x402.X402Facilitator {
	if len(networks) == 0 {
		for _, n := range svm.Networks() {
			networks = append(networks, x402.Network(n))
		}
	}
	return f.Register(networks, scheme)
}
