package integration_test

import (
	"testing"
	"time"

	solana "github.com/gagliardetto/solana-go"

	x402 "github.com/paygate-dev/x402svm"
	"github.com/paygate-dev/x402svm/mechanisms/svm"
	svmclient "github.com/paygate-dev/x402svm/mechanisms/svm/exact/client"
	svmfacilitator "github.com/paygate-dev/x402svm/mechanisms/svm/exact/facilitator"
	svmserver "github.com/paygate-dev/x402svm/mechanisms/svm/exact/server"
	svmsigner "github.com/paygate-dev/x402svm/signers/svm"
	solanamock "github.com/paygate-dev/x402svm/test/mocks/solana"
)

// ledger wires the three SVM roles to one in-memory chain
type ledger struct {
	chain *solanamock.Chain
	payer solana.PrivateKey
	payTo solana.PublicKey
}

func newLedger(t *testing.T, balance uint64) *ledger {
	t.Helper()
	l := &ledger{
		chain: solanamock.NewChain(solana.MustPublicKeyFromBase58(svm.USDCDevnetAddress), solana.TokenProgramID, 6),
		payer: solana.NewWallet().PrivateKey,
		payTo: solana.NewWallet().PublicKey(),
	}
	l.chain.Fund(l.payer.PublicKey(), balance)
	l.chain.Fund(l.payTo, 0)
	return l
}

func (l *ledger) facilitator(t *testing.T) *x402.X402Facilitator {
	t.Helper()
	signer, err := svmsigner.NewFacilitatorSigner(solana.NewWallet().PrivateKey)
	if err != nil {
		t.Fatalf("Failed to create facilitator signer: %v", err)
	}
	scheme := svmfacilitator.NewExactSvmScheme(signer, l.chain,
		svmfacilitator.WithPollInterval(time.Millisecond),
		svmfacilitator.WithConfirmTimeout(time.Second))
	return svmfacilitator.Register(x402.Newx402Facilitator(), scheme, svm.SolanaDevnetCAIP2)
}

func (l *ledger) server(facilitator x402.FacilitatorClient) *x402.X402ResourceServer {
	server := x402.Newx402ResourceServer(x402.WithFacilitatorClient(facilitator))
	svmserver.Register(server, svm.SolanaDevnetCAIP2)
	return server
}

func (l *ledger) client(t *testing.T) *x402.X402Client {
	t.Helper()
	signer, err := svmsigner.NewClientSignerFromPrivateKey(l.payer)
	if err != nil {
		t.Fatalf("Failed to create client signer: %v", err)
	}
	return svmclient.NewSvmClient(svmclient.SvmClientConfig{
		Signer: signer,
		Config: &svmclient.Config{RPC: l.chain},
	})
}

func (l *ledger) resourceConfig(price string) x402.ResourceConfig {
	return x402.ResourceConfig{
		Scheme:  svm.SchemeExact,
		PayTo:   l.payTo.String(),
		Price:   price,
		Network: svm.SolanaDevnetCAIP2,
	}
}
