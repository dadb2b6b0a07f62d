// Package client implements the paying side of the exact SVM scheme: it builds a
// TransferChecked transaction with the facilitator as fee payer and partially signs it.
package client

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	solana "github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	x402 "github.com/paygate-dev/x402svm"
	"github.com/paygate-dev/x402svm/mechanisms/svm"
)

// Config customizes chain access. Zero value uses the public RPC for each network.
type Config struct {
	// RPC, when set, is used for every network
	RPC svm.RPC
	// RPCURL overrides the network's default endpoint
	RPCURL string
	// ComputeUnitPrice in micro-lamports; defaults to svm.DefaultComputeUnitPrice
	ComputeUnitPrice uint64
}

// ExactSvmScheme implements x402.SchemeNetworkClient for exact SVM payments
type ExactSvmScheme struct {
	signer svm.ClientSvmSigner
	config Config

	mu   sync.Mutex
	rpcs map[string]svm.RPC
}

// NewExactSvmScheme creates the client scheme
func NewExactSvmScheme(signer svm.ClientSvmSigner, config *Config) *ExactSvmScheme {
	s := &ExactSvmScheme{
		signer: signer,
		rpcs:   make(map[string]svm.RPC),
	}
	if config != nil {
		s.config = *config
	}
	if s.config.ComputeUnitPrice == 0 {
		s.config.ComputeUnitPrice = svm.DefaultComputeUnitPrice
	}
	return s
}

// Scheme returns the scheme identifier
func (s *ExactSvmScheme) Scheme() string {
	return svm.SchemeExact
}

func (s *ExactSvmScheme) rpcFor(network string) (svm.RPC, error) {
	if s.config.RPC != nil {
		return s.config.RPC, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if client, ok := s.rpcs[network]; ok {
		return client, nil
	}
	client, err := svm.NewRPCClient(network, s.config.RPCURL)
	if err != nil {
		return nil, err
	}
	s.rpcs[network] = client
	return client, nil
}

// CreatePaymentPayload builds and partially signs the payment transaction.
// The fee payer slot is left for the facilitator.
func (s *ExactSvmScheme) CreatePaymentPayload(ctx context.Context, requirements x402.PaymentRequirements) (x402.PartialPaymentPayload, error) {
	network := string(requirements.Network)
	if !svm.IsValidNetwork(network) {
		return x402.PartialPaymentPayload{}, x402.NewPaymentError(x402.ErrCodeUnsupportedScheme,
			fmt.Sprintf("unsupported network: %s", network), nil)
	}

	mint, err := solana.PublicKeyFromBase58(requirements.Asset)
	if err != nil {
		return x402.PartialPaymentPayload{}, x402.WrapPaymentError(x402.ErrCodeProtocol, "invalid asset address", err)
	}
	payTo, err := solana.PublicKeyFromBase58(requirements.PayTo)
	if err != nil {
		return x402.PartialPaymentPayload{}, x402.WrapPaymentError(x402.ErrCodeProtocol, "invalid payTo address", err)
	}
	amount, err := strconv.ParseUint(requirements.Amount, 10, 64)
	if err != nil {
		return x402.PartialPaymentPayload{}, x402.WrapPaymentError(x402.ErrCodeProtocol, "invalid amount", err)
	}

	feePayerAddr, _ := requirements.Extra["feePayer"].(string)
	if feePayerAddr == "" {
		return x402.PartialPaymentPayload{}, x402.NewPaymentError(x402.ErrCodeProtocol,
			"feePayer is required in paymentRequirements.extra for Solana transactions", nil)
	}
	feePayer, err := solana.PublicKeyFromBase58(feePayerAddr)
	if err != nil {
		return x402.PartialPaymentPayload{}, x402.WrapPaymentError(x402.ErrCodeProtocol, "invalid feePayer address", err)
	}

	client, err := s.rpcFor(network)
	if err != nil {
		return x402.PartialPaymentPayload{}, x402.WrapPaymentError(x402.ErrCodeTransport, "no RPC for network", err)
	}

	mintInfo, err := svm.FetchMint(ctx, client, mint)
	if err != nil {
		return x402.PartialPaymentPayload{}, x402.WrapPaymentError(x402.ErrCodeTransport, "failed to load mint", err)
	}

	owner := s.signer.Address()
	source, err := svm.FindAssociatedTokenAddress(owner, mint, mintInfo.TokenProgram)
	if err != nil {
		return x402.PartialPaymentPayload{}, fmt.Errorf("failed to derive source ATA: %w", err)
	}
	destination, err := svm.FindAssociatedTokenAddress(payTo, mint, mintInfo.TokenProgram)
	if err != nil {
		return x402.PartialPaymentPayload{}, fmt.Errorf("failed to derive destination ATA: %w", err)
	}

	if err := requireAccount(ctx, client, source); err != nil {
		return x402.PartialPaymentPayload{}, fmt.Errorf("source token account for %s: %w", owner, err)
	}
	if err := requireAccount(ctx, client, destination); err != nil {
		return x402.PartialPaymentPayload{}, fmt.Errorf("destination token account for %s: %w", payTo, err)
	}

	latest, err := client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return x402.PartialPaymentPayload{}, x402.WrapPaymentError(x402.ErrCodeTransport, "failed to get latest blockhash", err)
	}

	tx, err := s.buildTransaction(mintInfo, source, destination, amount, feePayer, latest.Value.Blockhash)
	if err != nil {
		return x402.PartialPaymentPayload{}, err
	}

	if err := s.signer.SignTransaction(ctx, tx); err != nil {
		return x402.PartialPaymentPayload{}, x402.WrapPaymentError(x402.ErrCodeSigning, "failed to sign transaction", err)
	}

	encoded, err := svm.EncodeTransaction(tx)
	if err != nil {
		return x402.PartialPaymentPayload{}, err
	}

	payload := &svm.ExactSvmPayload{Transaction: encoded}
	return x402.PartialPaymentPayload{
		X402Version: x402.ProtocolVersion,
		Payload:     payload.ToMap(),
	}, nil
}

func (s *ExactSvmScheme) buildTransaction(
	mint *svm.MintInfo,
	source, destination solana.PublicKey,
	amount uint64,
	feePayer solana.PublicKey,
	blockhash solana.Hash,
) (*solana.Transaction, error) {
	cuLimit, err := computebudget.NewSetComputeUnitLimitInstructionBuilder().
		SetUnits(svm.DefaultComputeUnitLimit).
		ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("failed to build compute limit instruction: %w", err)
	}

	cuPrice, err := computebudget.NewSetComputeUnitPriceInstructionBuilder().
		SetMicroLamports(s.config.ComputeUnitPrice).
		ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("failed to build compute price instruction: %w", err)
	}

	transfer, err := token.NewTransferCheckedInstructionBuilder().
		SetAmount(amount).
		SetDecimals(mint.Decimals).
		SetSourceAccount(source).
		SetMintAccount(mint.Address).
		SetDestinationAccount(destination).
		SetOwnerAccount(s.signer.Address()).
		ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("failed to build transfer instruction: %w", err)
	}

	// The token builder always targets the classic program; Token-2022 shares the layout
	data, err := transfer.Data()
	if err != nil {
		return nil, fmt.Errorf("failed to encode transfer instruction: %w", err)
	}
	transferIx := solana.NewInstruction(mint.TokenProgram, transfer.Accounts(), data)

	tx, err := solana.NewTransactionBuilder().
		AddInstruction(cuLimit).
		AddInstruction(cuPrice).
		AddInstruction(transferIx).
		SetRecentBlockHash(blockhash).
		SetFeePayer(feePayer).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	return tx, nil
}

func requireAccount(ctx context.Context, client svm.RPC, account solana.PublicKey) error {
	info, err := client.GetAccountInfo(ctx, account)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return fmt.Errorf("account %s does not exist", account)
		}
		return x402.WrapPaymentError(x402.ErrCodeTransport, "failed to fetch account", err)
	}
	if info == nil || info.Value == nil {
		return fmt.Errorf("account %s does not exist", account)
	}
	return nil
}

// Register adds the exact SVM scheme for each network to a client.
// With no networks it registers the solana:* wildcard.
func Register(client *x402.X402Client, signer svm.ClientSvmSigner, config *Config, networks ...x402.Network) *ExactSvmScheme {
	scheme := NewExactSvmScheme(signer, config)
	if len(networks) == 0 {
		networks = []x402.Network{svm.SolanaFamily}
	}
	for _, network := range networks {
		client.RegisterScheme(network, scheme)
	}
	return scheme
}
