package svm

import (
	"context"
	"fmt"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// ExactSvmPayload is the scheme-specific payload carried in PaymentPayload.Payload
type ExactSvmPayload struct {
	// Transaction is the base64 encoded, partially signed transaction
	Transaction string `json:"transaction"`
}

// ToMap converts the payload to the generic map form used on the wire
func (p *ExactSvmPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"transaction": p.Transaction,
	}
}

// PayloadFromMap extracts an exact SVM payload from a generic payload map
func PayloadFromMap(data map[string]interface{}) (*ExactSvmPayload, error) {
	raw, ok := data["transaction"]
	if !ok {
		return nil, fmt.Errorf("missing transaction field in payload")
	}
	tx, ok := raw.(string)
	if !ok || tx == "" {
		return nil, fmt.Errorf("transaction field must be a non-empty string")
	}
	return &ExactSvmPayload{Transaction: tx}, nil
}

// ClientSvmSigner signs transactions on behalf of the paying wallet
type ClientSvmSigner interface {
	// Address returns the payer's public key
	Address() solana.PublicKey

	// SignTransaction adds the payer's signature to tx, leaving other slots untouched
	SignTransaction(ctx context.Context, tx *solana.Transaction) error
}

// FacilitatorSvmSigner is the fee payer that co-signs and submits transactions
type FacilitatorSvmSigner interface {
	Address() solana.PublicKey
	SignTransaction(ctx context.Context, tx *solana.Transaction) error
}

// RPC is the subset of the Solana JSON-RPC API a paying client needs.
// *rpc.Client satisfies it.
type RPC interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
}

// FacilitatorRPC is the subset of the Solana JSON-RPC API the facilitator needs.
// *rpc.Client satisfies it.
type FacilitatorRPC interface {
	RPC
	SimulateTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts *rpc.SimulateTransactionOpts) (*rpc.SimulateTransactionResponse, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

// NewRPCClient returns an RPC client for network, or for rpcURL when set
func NewRPCClient(network, rpcURL string) (*rpc.Client, error) {
	if rpcURL == "" {
		config, err := GetNetworkConfig(network)
		if err != nil {
			return nil, err
		}
		rpcURL = config.RPCURL
	}
	return rpc.New(rpcURL), nil
}
