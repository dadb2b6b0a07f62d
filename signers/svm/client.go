// Package svm provides key-backed signers for the SVM payment mechanism.
package svm

import (
	"context"
	"fmt"
	"strings"

	solana "github.com/gagliardetto/solana-go"

	x402svm "github.com/paygate-dev/x402svm/mechanisms/svm"
)

// SignTransactionFunc defines the callback used to sign Solana transactions.
type SignTransactionFunc func(ctx context.Context, tx *solana.Transaction) error

// ClientSigner implements x402svm.ClientSvmSigner using a signing callback.
// This lets wallets and remote key stores sign without exposing the private key.
type ClientSigner struct {
	publicKey       solana.PublicKey
	signTransaction SignTransactionFunc
}

// NewClientSigner creates a client signer from a public key and signing callback.
func NewClientSigner(publicKey solana.PublicKey, signFunc SignTransactionFunc) (*ClientSigner, error) {
	if publicKey.IsZero() {
		return nil, fmt.Errorf("public key is required")
	}
	if signFunc == nil {
		return nil, fmt.Errorf("sign callback is required")
	}

	return &ClientSigner{
		publicKey:       publicKey,
		signTransaction: signFunc,
	}, nil
}

// NewClientSignerFromPrivateKey creates a client signer from a private key
func NewClientSignerFromPrivateKey(privateKey solana.PrivateKey) (*ClientSigner, error) {
	if len(privateKey) != 64 {
		return nil, fmt.Errorf("invalid private key length %d", len(privateKey))
	}
	return NewClientSigner(privateKey.PublicKey(), func(_ context.Context, tx *solana.Transaction) error {
		return x402svm.SignWith(tx, privateKey)
	})
}

// NewClientSignerFromBase58 creates a client signer from a base58-encoded private key.
//
// Example:
//
//	signer, err := svm.NewClientSignerFromBase58("5J7W...")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client.Register(x402client, signer, nil)
func NewClientSignerFromBase58(privateKeyBase58 string) (*ClientSigner, error) {
	privateKey, err := solana.PrivateKeyFromBase58(strings.TrimSpace(privateKeyBase58))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewClientSignerFromPrivateKey(privateKey)
}

// NewClientSignerFromKeygenFile loads a solana-keygen JSON keypair file
func NewClientSignerFromKeygenFile(path string) (*ClientSigner, error) {
	privateKey, err := LoadKeypair(path)
	if err != nil {
		return nil, err
	}
	return NewClientSignerFromPrivateKey(privateKey)
}

// Address returns the Solana public key of the signer.
func (s *ClientSigner) Address() solana.PublicKey {
	return s.publicKey
}

// SignTransaction partially signs a Solana transaction.
// Only the signer's own slot is written; the fee payer slot stays empty.
func (s *ClientSigner) SignTransaction(ctx context.Context, tx *solana.Transaction) error {
	return s.signTransaction(ctx, tx)
}

// LoadKeypair reads a solana-keygen JSON keypair file
func LoadKeypair(path string) (solana.PrivateKey, error) {
	privateKey, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load keypair %s: %w", path, err)
	}
	return privateKey, nil
}

var _ x402svm.ClientSvmSigner = (*ClientSigner)(nil)
