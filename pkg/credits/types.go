package credits

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// AccountID identifies a billing account. The value is issued by the external
// identity provider and is treated as opaque here.
type AccountID struct {
	value string
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// ExecutionMode selects which credential authorizes AI operations for an account.
type ExecutionMode string

const (
	// ModeOwnKey runs operations with the account's own stored credential.
	ModeOwnKey ExecutionMode = "own-key"
	// ModePlatform runs operations with the shared platform credential, paid
	// for by ledger debits.
	ModePlatform ExecutionMode = "platform"
)

// ParseExecutionMode validates a raw execution mode value.
func ParseExecutionMode(raw string) (ExecutionMode, error) {
	switch ExecutionMode(strings.TrimSpace(raw)) {
	case ModeOwnKey:
		return ModeOwnKey, nil
	case ModePlatform:
		return ModePlatform, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidExecutionMode, raw)
	}
}

// String returns the stored mode value.
func (mode ExecutionMode) String() string {
	return string(mode)
}

// TransactionType enumerates ledger mutation kinds.
type TransactionType string

const (
	TransactionPurchase         TransactionType = "purchase"
	TransactionPlatformAI       TransactionType = "platform_ai"
	TransactionPlatformAIRefund TransactionType = "platform_ai_refund"
	TransactionMonthlyFree      TransactionType = "monthly_free"
	TransactionAdminAdjustment  TransactionType = "admin_adjustment"
)

// ParseTransactionType validates a raw transaction type value.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(raw) {
	case TransactionPurchase, TransactionPlatformAI, TransactionPlatformAIRefund, TransactionMonthlyFree, TransactionAdminAdjustment:
		return TransactionType(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

// String returns the stored type value.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// Account is the billing record for one end user.
type Account struct {
	AccountID        string
	Email            string
	DisplayName      string
	FreeCredits      int64
	PurchasedCredits int64
	LastFreeReset    *time.Time
	ExecutionMode    ExecutionMode
	OwnCredential    []byte
	CreatedAt        time.Time
}

// Balance is the two-bucket credit view of an account.
type Balance struct {
	FreeCredits      int64
	PurchasedCredits int64
}

// Total returns the spendable sum of both buckets.
func (balance Balance) Total() int64 {
	return balance.FreeCredits + balance.PurchasedCredits
}

// Transaction is a single immutable line in the per-account history. Entries
// are appended by the service and never mutated afterward.
type Transaction struct {
	TransactionID     string
	AccountID         string
	Type              TransactionType
	Amount            int64
	Description       string
	ExternalPaymentID string
	RelatedResourceID string
	Metadata          string
	CreatedAt         time.Time
}

// Store is the persistence contract used by Service. Increment operations must
// be field-level atomic adds so concurrent mutations of the same account never
// lose an update; the check-then-decrement sequence around them is the
// caller's responsibility.
type Store interface {
	GetAccount(ctx context.Context, accountID AccountID) (Account, error)
	CreateAccount(ctx context.Context, account Account) error
	IncrementFree(ctx context.Context, accountID AccountID, delta int64) error
	IncrementPurchased(ctx context.Context, accountID AccountID, delta int64) error
	SetFreeCredits(ctx context.Context, accountID AccountID, value int64) error
	SetBuckets(ctx context.Context, accountID AccountID, freeCredits int64, purchasedCredits int64) error
	SetLastFreeReset(ctx context.Context, accountID AccountID, at time.Time) error
	UpdateProviderSettings(ctx context.Context, accountID AccountID, mode ExecutionMode, credential []byte) error
	AppendTransaction(ctx context.Context, transaction Transaction) error
	PurchaseExists(ctx context.Context, accountID AccountID, externalPaymentID string) (bool, error)
	ListTransactions(ctx context.Context, accountID AccountID, before time.Time, limit int) ([]Transaction, error)
}
