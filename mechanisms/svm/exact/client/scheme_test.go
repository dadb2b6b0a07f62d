package client

import (
	"context"
	"errors"
	"testing"

	solana "github.com/gagliardetto/solana-go"

	x402 "github.com/paygate-dev/x402svm"
	"github.com/paygate-dev/x402svm/mechanisms/svm"
	svmsigner "github.com/paygate-dev/x402svm/signers/svm"
	solanamock "github.com/paygate-dev/x402svm/test/mocks/solana"
)

type fixture struct {
	chain    *solanamock.Chain
	payer    solana.PrivateKey
	payTo    solana.PublicKey
	feePayer solana.PublicKey
	scheme   *ExactSvmScheme
}

func newFixture(t *testing.T, tokenProgram solana.PublicKey) *fixture {
	t.Helper()
	f := &fixture{
		chain:    solanamock.NewChain(solana.MustPublicKeyFromBase58(svm.USDCDevnetAddress), tokenProgram, 6),
		payer:    solana.NewWallet().PrivateKey,
		payTo:    solana.NewWallet().PublicKey(),
		feePayer: solana.NewWallet().PublicKey(),
	}
	f.chain.Fund(f.payer.PublicKey(), 1_000_000)
	f.chain.Fund(f.payTo, 0)

	signer, err := svmsigner.NewClientSignerFromPrivateKey(f.payer)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	f.scheme = NewExactSvmScheme(signer, &Config{RPC: f.chain})
	return f
}

func (f *fixture) requirements() x402.PaymentRequirements {
	return x402.PaymentRequirements{
		Scheme:            svm.SchemeExact,
		Network:           svm.SolanaDevnetCAIP2,
		Asset:             svm.USDCDevnetAddress,
		Amount:            "10000",
		PayTo:             f.payTo.String(),
		MaxTimeoutSeconds: 300,
		Extra:             map[string]interface{}{"feePayer": f.feePayer.String()},
	}
}

func TestCreatePaymentPayload(t *testing.T) {
	for _, program := range []solana.PublicKey{solana.TokenProgramID, solana.Token2022ProgramID} {
		t.Run(program.String(), func(t *testing.T) {
			f := newFixture(t, program)

			partial, err := f.scheme.CreatePaymentPayload(context.Background(), f.requirements())
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if partial.X402Version != x402.ProtocolVersion {
				t.Fatalf("Expected version 2, got %d", partial.X402Version)
			}

			payload, err := svm.PayloadFromMap(partial.Payload)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			tx, err := svm.DecodeTransaction(payload.Transaction)
			if err != nil {
				t.Fatalf("Unexpected decode error: %v", err)
			}

			if !tx.Message.AccountKeys[0].Equals(f.feePayer) {
				t.Fatal("Expected facilitator to be fee payer")
			}
			if !tx.Signatures[0].IsZero() {
				t.Fatal("Expected fee payer slot to be unsigned")
			}
			if len(tx.Message.Instructions) != 3 {
				t.Fatalf("Expected 3 instructions, got %d", len(tx.Message.Instructions))
			}

			units, err := svm.ParseComputeUnitLimit(tx, tx.Message.Instructions[0])
			if err != nil || units != svm.DefaultComputeUnitLimit {
				t.Fatalf("Unexpected compute limit %d: %v", units, err)
			}

			transfer, err := svm.ParseTransferChecked(tx, tx.Message.Instructions[2])
			if err != nil {
				t.Fatalf("Unexpected transfer error: %v", err)
			}
			if !transfer.TokenProgram.Equals(program) {
				t.Fatalf("Expected token program %s, got %s", program, transfer.TokenProgram)
			}
			expectedDest, _ := svm.FindAssociatedTokenAddress(f.payTo, f.chain.Mint, program)
			if transfer.Amount != 10000 || !transfer.Destination.Equals(expectedDest) {
				t.Fatalf("Unexpected transfer: %+v", transfer)
			}
		})
	}
}

func TestCreatePaymentPayloadErrors(t *testing.T) {
	f := newFixture(t, solana.TokenProgramID)

	tests := []struct {
		name   string
		mutate func(*x402.PaymentRequirements)
		target error
	}{
		{"missing fee payer", func(r *x402.PaymentRequirements) { r.Extra = nil }, x402.ErrProtocol},
		{"bad amount", func(r *x402.PaymentRequirements) { r.Amount = "0.01" }, x402.ErrProtocol},
		{"bad asset", func(r *x402.PaymentRequirements) { r.Asset = "nope" }, x402.ErrProtocol},
		{"unknown network", func(r *x402.PaymentRequirements) { r.Network = "solana:unknown" }, x402.ErrUnsupportedScheme},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := f.requirements()
			tt.mutate(&req)
			_, err := f.scheme.CreatePaymentPayload(context.Background(), req)
			if !errors.Is(err, tt.target) {
				t.Fatalf("Expected %v, got %v", tt.target, err)
			}
		})
	}
}

func TestCreatePaymentPayloadMissingDestination(t *testing.T) {
	f := newFixture(t, solana.TokenProgramID)
	req := f.requirements()
	req.PayTo = solana.NewWallet().PublicKey().String()

	if _, err := f.scheme.CreatePaymentPayload(context.Background(), req); err == nil {
		t.Fatal("Expected error when recipient has no token account")
	}
}

func TestCreatePaymentPayloadRPCFailure(t *testing.T) {
	f := newFixture(t, solana.TokenProgramID)
	f.chain.RPCErr = errors.New("connection refused")

	_, err := f.scheme.CreatePaymentPayload(context.Background(), f.requirements())
	if !errors.Is(err, x402.ErrTransport) {
		t.Fatalf("Expected TransportError, got %v", err)
	}
}

func TestNewSvmClient(t *testing.T) {
	f := newFixture(t, solana.TokenProgramID)
	signer, _ := svmsigner.NewClientSignerFromPrivateKey(f.payer)

	c := NewSvmClient(SvmClientConfig{Signer: signer, Config: &Config{RPC: f.chain}})
	if !c.CanPay([]x402.PaymentRequirements{f.requirements()}) {
		t.Fatal("Expected wildcard registration to cover devnet")
	}

	payload, err := c.CreatePaymentPayload(context.Background(), f.requirements(), nil, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !x402.RequirementsMatch(f.requirements(), payload.Accepted) {
		t.Fatal("Expected accepted requirements to echo the challenge")
	}
}
