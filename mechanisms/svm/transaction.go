package svm

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
)

// Instruction discriminators
const (
	computeUnitLimitDiscriminator byte = 2
	computeUnitPriceDiscriminator byte = 3
	transferCheckedDiscriminator  byte = 12
)

// TransferDetails is a decoded TransferChecked instruction
type TransferDetails struct {
	TokenProgram solana.PublicKey
	Source       solana.PublicKey
	Mint         solana.PublicKey
	Destination  solana.PublicKey
	Owner        solana.PublicKey
	Amount       uint64
	Decimals     uint8
}

// MintInfo describes an on-chain SPL mint
type MintInfo struct {
	Address      solana.PublicKey
	TokenProgram solana.PublicKey
	Decimals     uint8
}

// EncodeTransaction serializes tx to base64 wire format
func EncodeTransaction(tx *solana.Transaction) (string, error) {
	data, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeTransaction parses a base64 wire-format transaction
func DecodeTransaction(encoded string) (*solana.Transaction, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("transaction is not valid base64: %w", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return tx, nil
}

// CopyTransaction returns a deep copy of tx by round-tripping its wire form
func CopyTransaction(tx *solana.Transaction) (*solana.Transaction, error) {
	data, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize transaction: %w", err)
	}
	copied, err := solana.TransactionFromDecoder(bin.NewBinDecoder(data))
	if err != nil {
		return nil, fmt.Errorf("failed to copy transaction: %w", err)
	}
	return copied, nil
}

// IsTokenProgram reports whether id is SPL Token or Token-2022
func IsTokenProgram(id solana.PublicKey) bool {
	return id.Equals(solana.TokenProgramID) || id.Equals(solana.Token2022ProgramID)
}

// FindAssociatedTokenAddress derives the associated token account of owner for mint
// under the given token program
func FindAssociatedTokenAddress(owner, mint, tokenProgram solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(
		[][]byte{owner[:], tokenProgram[:], mint[:]},
		solana.SPLAssociatedTokenAccountProgramID,
	)
	return addr, err
}

// FetchMint reads a mint account and its owning token program
func FetchMint(ctx context.Context, client RPC, mint solana.PublicKey) (*MintInfo, error) {
	info, err := client.GetAccountInfo(ctx, mint)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, fmt.Errorf("mint %s not found", mint)
		}
		return nil, fmt.Errorf("failed to fetch mint %s: %w", mint, err)
	}
	if info == nil || info.Value == nil {
		return nil, fmt.Errorf("mint %s not found", mint)
	}

	owner := info.Value.Owner
	if !IsTokenProgram(owner) {
		return nil, fmt.Errorf("account %s is not owned by a token program", mint)
	}

	var decoded token.Mint
	if err := bin.NewBinDecoder(info.Value.Data.GetBinary()).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode mint %s: %w", mint, err)
	}
	if !decoded.IsInitialized {
		return nil, fmt.Errorf("mint %s is not initialized", mint)
	}

	return &MintInfo{Address: mint, TokenProgram: owner, Decimals: decoded.Decimals}, nil
}

// ProgramID resolves the program invoked by a compiled instruction
func ProgramID(tx *solana.Transaction, ix solana.CompiledInstruction) (solana.PublicKey, error) {
	idx := int(ix.ProgramIDIndex)
	if idx >= len(tx.Message.AccountKeys) {
		return solana.PublicKey{}, fmt.Errorf("program index %d out of range", idx)
	}
	return tx.Message.AccountKeys[idx], nil
}

// ParseComputeUnitLimit decodes a SetComputeUnitLimit instruction
func ParseComputeUnitLimit(tx *solana.Transaction, ix solana.CompiledInstruction) (uint32, error) {
	if err := expectProgram(tx, ix, solana.ComputeBudget); err != nil {
		return 0, err
	}
	if len(ix.Data) != 5 || ix.Data[0] != computeUnitLimitDiscriminator {
		return 0, fmt.Errorf("not a SetComputeUnitLimit instruction")
	}
	return binary.LittleEndian.Uint32(ix.Data[1:5]), nil
}

// ParseComputeUnitPrice decodes a SetComputeUnitPrice instruction, in micro-lamports
func ParseComputeUnitPrice(tx *solana.Transaction, ix solana.CompiledInstruction) (uint64, error) {
	if err := expectProgram(tx, ix, solana.ComputeBudget); err != nil {
		return 0, err
	}
	if len(ix.Data) != 9 || ix.Data[0] != computeUnitPriceDiscriminator {
		return 0, fmt.Errorf("not a SetComputeUnitPrice instruction")
	}
	return binary.LittleEndian.Uint64(ix.Data[1:9]), nil
}

// ParseTransferChecked decodes a TransferChecked instruction for either token program.
// Accounts are ordered source, mint, destination, owner.
func ParseTransferChecked(tx *solana.Transaction, ix solana.CompiledInstruction) (*TransferDetails, error) {
	programID, err := ProgramID(tx, ix)
	if err != nil {
		return nil, err
	}
	if !IsTokenProgram(programID) {
		return nil, fmt.Errorf("instruction program %s is not a token program", programID)
	}
	if len(ix.Data) != 10 || ix.Data[0] != transferCheckedDiscriminator {
		return nil, fmt.Errorf("not a TransferChecked instruction")
	}
	if len(ix.Accounts) < 4 {
		return nil, fmt.Errorf("TransferChecked needs 4 accounts, got %d", len(ix.Accounts))
	}

	keys := tx.Message.AccountKeys
	resolved := make([]solana.PublicKey, 4)
	for i := 0; i < 4; i++ {
		idx := int(ix.Accounts[i])
		if idx >= len(keys) {
			return nil, fmt.Errorf("account index %d out of range", idx)
		}
		resolved[i] = keys[idx]
	}

	return &TransferDetails{
		TokenProgram: programID,
		Source:       resolved[0],
		Mint:         resolved[1],
		Destination:  resolved[2],
		Owner:        resolved[3],
		Amount:       binary.LittleEndian.Uint64(ix.Data[1:9]),
		Decimals:     ix.Data[9],
	}, nil
}

// SignerIndex returns the position of key in the transaction's signature slots, or -1
func SignerIndex(tx *solana.Transaction, key solana.PublicKey) int {
	n := int(tx.Message.Header.NumRequiredSignatures)
	for i := 0; i < n && i < len(tx.Message.AccountKeys); i++ {
		if tx.Message.AccountKeys[i].Equals(key) {
			return i
		}
	}
	return -1
}

// SetSignature writes sig into the slot belonging to key
func SetSignature(tx *solana.Transaction, key solana.PublicKey, sig solana.Signature) error {
	idx := SignerIndex(tx, key)
	if idx < 0 {
		return fmt.Errorf("%s is not a required signer", key)
	}
	n := int(tx.Message.Header.NumRequiredSignatures)
	if len(tx.Signatures) < n {
		sigs := make([]solana.Signature, n)
		copy(sigs, tx.Signatures)
		tx.Signatures = sigs
	}
	tx.Signatures[idx] = sig
	return nil
}

// SignWith signs the transaction message with key and stores the signature in its slot
func SignWith(tx *solana.Transaction, key solana.PrivateKey) error {
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}
	sig, err := key.Sign(msg)
	if err != nil {
		return fmt.Errorf("failed to sign message: %w", err)
	}
	return SetSignature(tx, key.PublicKey(), sig)
}

func expectProgram(tx *solana.Transaction, ix solana.CompiledInstruction, want solana.PublicKey) error {
	programID, err := ProgramID(tx, ix)
	if err != nil {
		return err
	}
	if !programID.Equals(want) {
		return fmt.Errorf("expected program %s, got %s", want, programID)
	}
	return nil
}
