package svm

import (
	"context"
	"fmt"

	solana "github.com/gagliardetto/solana-go"

	x402svm "github.com/paygate-dev/x402svm/mechanisms/svm"
)

// FacilitatorSigner holds the fee payer key. It co-signs client transactions
// after verification.
type FacilitatorSigner struct {
	privateKey solana.PrivateKey
}

// NewFacilitatorSigner creates a fee payer signer
func NewFacilitatorSigner(privateKey solana.PrivateKey) (*FacilitatorSigner, error) {
	if len(privateKey) != 64 {
		return nil, fmt.Errorf("invalid private key length %d", len(privateKey))
	}
	return &FacilitatorSigner{privateKey: privateKey}, nil
}

// NewFacilitatorSignerFromKeygenFile loads the fee payer from a solana-keygen JSON file
func NewFacilitatorSignerFromKeygenFile(path string) (*FacilitatorSigner, error) {
	privateKey, err := LoadKeypair(path)
	if err != nil {
		return nil, err
	}
	return NewFacilitatorSigner(privateKey)
}

// Address returns the fee payer public key
func (s *FacilitatorSigner) Address() solana.PublicKey {
	return s.privateKey.PublicKey()
}

// SignTransaction fills the fee payer signature slot
func (s *FacilitatorSigner) SignTransaction(ctx context.Context, tx *solana.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return x402svm.SignWith(tx, s.privateKey)
}

var _ x402svm.FacilitatorSvmSigner = (*FacilitatorSigner)(nil)
