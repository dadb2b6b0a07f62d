package facilitator

// Rejection reasons reported in VerifyResponse.InvalidReason and SettleResponse.ErrorReason
const (
	ErrUnsupportedNetwork             = "invalid_exact_svm_network"
	ErrInvalidPayload                 = "invalid_exact_svm_payload"
	ErrTransactionDecode              = "invalid_exact_svm_payload_transaction_could_not_be_decoded"
	ErrTransactionAddressLookups      = "invalid_exact_svm_payload_transaction_address_lookup_tables"
	ErrTransactionInstructionsLength  = "invalid_exact_svm_payload_transaction_instructions_length"
	ErrComputeLimitInstruction        = "invalid_exact_svm_payload_transaction_instructions_compute_limit_instruction"
	ErrComputePriceInstruction        = "invalid_exact_svm_payload_transaction_instructions_compute_price_instruction"
	ErrComputePriceTooHigh            = "invalid_exact_svm_payload_transaction_instructions_compute_price_instruction_too_high"
	ErrTransferInstruction            = "invalid_exact_svm_payload_transaction_instruction_not_spl_token_transfer_checked"
	ErrUnknownOptionalInstruction     = "invalid_exact_svm_payload_unknown_optional_instruction"
	ErrMintMismatch                   = "invalid_exact_svm_payload_mint_mismatch"
	ErrRecipientMismatch              = "invalid_exact_svm_payload_recipient_mismatch"
	ErrAmountMismatch                 = "invalid_exact_svm_payload_amount_mismatch"
	ErrFeePayerMismatch               = "invalid_exact_svm_payload_fee_payer_mismatch"
	ErrFeePayerTransferringFunds      = "invalid_exact_svm_payload_transaction_fee_payer_transferring_funds"
	ErrFeePayerInInstructionAccounts  = "invalid_exact_svm_payload_transaction_fee_payer_included_in_instruction_accounts"
	ErrMissingSignature               = "invalid_exact_svm_payload_transaction_missing_signature"
	ErrInvalidSignature               = "invalid_exact_svm_payload_transaction_invalid_signature"
	ErrSimulationFailed               = "invalid_exact_svm_payload_transaction_simulation_failed"
	ErrTransactionFailed              = "transaction_failed"
	ErrTransactionConfirmationTimeout = "transaction_confirmation_timeout"
)
