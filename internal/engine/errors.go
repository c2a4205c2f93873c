package engine

// Error is a stable, typed failure code. Every engine failure maps to
// exactly one of these; none is retryable and none leaves partial state
// behind.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

var (
	// Validation.
	ErrInvalidDepositAmount = &Error{"INVALID_DEPOSIT_AMOUNT", "deposit amount must be greater than zero"}
	ErrAssetTickerTooLong   = &Error{"ASSET_TICKER_TOO_LONG", "asset ticker exceeds maximum length"}
	ErrMaxContractsReached  = &Error{"MAX_CONTRACTS_REACHED", "maximum number of contracts reached"}
	ErrInvalidOptionType    = &Error{"INVALID_OPTION_TYPE", "option type must be call or put"}

	// Authorization.
	ErrUnauthorizedExercise = &Error{"UNAUTHORIZED_EXERCISE", "only the buyer can exercise the contract"}

	// State machine.
	ErrContractNotActive  = &Error{"CONTRACT_NOT_ACTIVE", "contract is not in active state"}
	ErrContractNotExpired = &Error{"CONTRACT_NOT_EXPIRED", "contract has not expired yet"}
	ErrNotExercised       = &Error{"NOT_EXERCISED", "contract must be exercised before settlement"}
	ErrNoPendingBalance   = &Error{"NO_PENDING_BALANCE", "no pending balance to settle"}

	// Funds.
	ErrInsufficientBalance      = &Error{"INSUFFICIENT_BALANCE", "insufficient balance in escrow"}
	ErrInsufficientSellerEscrow = &Error{"INSUFFICIENT_SELLER_ESCROW", "seller escrow has insufficient funds for settlement"}

	// Arithmetic.
	ErrCalculation = &Error{"CALCULATION_ERROR", "calculation error: overflow or division by zero"}

	// Service surface.
	ErrAlreadyInitialized = &Error{"ALREADY_INITIALIZED", "account already initialized"}
	ErrAccountNotFound    = &Error{"ACCOUNT_NOT_FOUND", "account not initialized"}
	ErrContractNotFound   = &Error{"CONTRACT_NOT_FOUND", "contract not found"}
)
