// Package solanamock provides an in-memory Solana ledger that satisfies the
// RPC interfaces of the SVM mechanism. It tracks a single mint, token balances
// and submitted transactions, which is enough to drive the exact scheme end to end.
package solanamock

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/paygate-dev/x402svm/mechanisms/svm"
)

// Chain is a fake cluster. The zero value is not usable; call NewChain.
type Chain struct {
	mu sync.Mutex

	Mint         solana.PublicKey
	TokenProgram solana.PublicKey
	Decimals     uint8

	blockhash solana.Hash
	balances  map[solana.PublicKey]uint64
	statuses  map[solana.Signature]*rpc.SignatureStatusesResult
	sent      []*solana.Transaction

	// SimulationErr, when set, is returned as the simulation's execution error
	SimulationErr interface{}
	// SendErr, when set, fails SendTransactionWithOpts
	SendErr error
	// RPCErr, when set, fails every call
	RPCErr error
}

// NewChain creates a ledger with a USDC-like mint owned by tokenProgram
func NewChain(mint, tokenProgram solana.PublicKey, decimals uint8) *Chain {
	return &Chain{
		Mint:         mint,
		TokenProgram: tokenProgram,
		Decimals:     decimals,
		blockhash:    solana.Hash(sha256.Sum256([]byte(mint.String()))),
		balances:     make(map[solana.PublicKey]uint64),
		statuses:     make(map[solana.Signature]*rpc.SignatureStatusesResult),
	}
}

// Fund creates (or tops up) owner's associated token account
func (c *Chain) Fund(owner solana.PublicKey, amount uint64) solana.PublicKey {
	ata, err := svm.FindAssociatedTokenAddress(owner, c.Mint, c.TokenProgram)
	if err != nil {
		panic(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[ata] += amount
	return ata
}

// Balance returns the token balance of owner's associated token account
func (c *Chain) Balance(owner solana.PublicKey) uint64 {
	ata, _ := svm.FindAssociatedTokenAddress(owner, c.Mint, c.TokenProgram)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balances[ata]
}

// Sent returns every transaction accepted by SendTransactionWithOpts
func (c *Chain) Sent() []*solana.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*solana.Transaction{}, c.sent...)
}

// GetLatestBlockhash implements svm.RPC
func (c *Chain) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	if c.RPCErr != nil {
		return nil, c.RPCErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return &rpc.GetLatestBlockhashResult{
		Value: &rpc.LatestBlockhashResult{Blockhash: c.blockhash, LastValidBlockHeight: 1000},
	}, nil
}

// GetAccountInfo implements svm.RPC for the mint and token accounts
func (c *Chain) GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
	if c.RPCErr != nil {
		return nil, c.RPCErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if account.Equals(c.Mint) {
		return &rpc.GetAccountInfoResult{
			Value: &rpc.Account{
				Owner: c.TokenProgram,
				Data:  rpc.DataBytesOrJSONFromBytes(MintData(c.Decimals)),
			},
		}, nil
	}
	if _, ok := c.balances[account]; ok {
		return &rpc.GetAccountInfoResult{
			Value: &rpc.Account{
				Owner: c.TokenProgram,
				Data:  rpc.DataBytesOrJSONFromBytes(make([]byte, 165)),
			},
		}, nil
	}
	return nil, rpc.ErrNotFound
}

// SimulateTransactionWithOpts implements svm.FacilitatorRPC
func (c *Chain) SimulateTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts *rpc.SimulateTransactionOpts) (*rpc.SimulateTransactionResponse, error) {
	if c.RPCErr != nil {
		return nil, c.RPCErr
	}
	result := &rpc.SimulateTransactionResult{Logs: []string{"Program log: simulated"}}
	if c.SimulationErr != nil {
		result.Err = c.SimulationErr
	} else if err := c.apply(tx, true); err != nil {
		result.Err = err.Error()
	}
	return &rpc.SimulateTransactionResponse{Value: result}, nil
}

// SendTransactionWithOpts implements svm.FacilitatorRPC. The transaction must be
// fully signed; its transfer is applied immediately and it is marked confirmed.
// Every accepted transaction moves the chain to a new blockhash.
func (c *Chain) SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error) {
	if c.RPCErr != nil {
		return solana.Signature{}, c.RPCErr
	}
	if c.SendErr != nil {
		return solana.Signature{}, c.SendErr
	}
	if err := tx.VerifySignatures(); err != nil {
		return solana.Signature{}, fmt.Errorf("signature verification failed: %w", err)
	}
	sig := tx.Signatures[0]

	c.mu.Lock()
	if _, seen := c.statuses[sig]; seen {
		c.mu.Unlock()
		return solana.Signature{}, fmt.Errorf("transaction %s already processed", sig)
	}
	c.mu.Unlock()

	if err := c.apply(tx, false); err != nil {
		return solana.Signature{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, tx)
	c.blockhash = solana.Hash(sha256.Sum256(sig[:]))
	c.statuses[sig] = &rpc.SignatureStatusesResult{
		Slot:               uint64(len(c.sent)),
		ConfirmationStatus: rpc.ConfirmationStatusConfirmed,
	}
	return sig, nil
}

// GetSignatureStatuses implements svm.FacilitatorRPC
func (c *Chain) GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	if c.RPCErr != nil {
		return nil, c.RPCErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	out := &rpc.GetSignatureStatusesResult{Value: make([]*rpc.SignatureStatusesResult, len(sigs))}
	for i, sig := range sigs {
		out.Value[i] = c.statuses[sig]
	}
	return out, nil
}

// apply executes the TransferChecked instructions in tx against the balances
func (c *Chain) apply(tx *solana.Transaction, dryRun bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	balances := make(map[solana.PublicKey]uint64, len(c.balances))
	for k, v := range c.balances {
		balances[k] = v
	}

	for _, ix := range tx.Message.Instructions {
		programID, err := svm.ProgramID(tx, ix)
		if err != nil {
			return err
		}
		if !svm.IsTokenProgram(programID) {
			continue
		}
		transfer, err := svm.ParseTransferChecked(tx, ix)
		if err != nil {
			return err
		}
		if !transfer.Mint.Equals(c.Mint) || transfer.Decimals != c.Decimals {
			return fmt.Errorf("mint mismatch")
		}
		src, ok := balances[transfer.Source]
		if !ok {
			return fmt.Errorf("source account not found")
		}
		if _, ok := balances[transfer.Destination]; !ok {
			return fmt.Errorf("destination account not found")
		}
		if src < transfer.Amount {
			return fmt.Errorf("insufficient funds")
		}
		balances[transfer.Source] = src - transfer.Amount
		balances[transfer.Destination] += transfer.Amount
	}

	if !dryRun {
		c.balances = balances
	}
	return nil
}

// MintData returns an initialized 82-byte SPL mint account with the given decimals
func MintData(decimals uint8) []byte {
	data := make([]byte, 82)
	data[44] = decimals
	data[45] = 1
	return data
}

var (
	_ svm.RPC            = (*Chain)(nil)
	_ svm.FacilitatorRPC = (*Chain)(nil)
)
