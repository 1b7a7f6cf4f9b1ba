package credits

import (
	"context"
	"testing"
	"time"
)

// stubStore is an in-memory Store for service tests. Mutations mirror the
// field-level atomic semantics of the real stores.
type stubStore struct {
	accounts     map[string]*Account
	transactions []Transaction
	failWith     error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{accounts: map[string]*Account{}}
}

func newFailingStore(test *testing.T, err error) *stubStore {
	test.Helper()
	return &stubStore{accounts: map[string]*Account{}, failWith: err}
}

func (store *stubStore) addAccount(test *testing.T, account Account) {
	test.Helper()
	copied := account
	store.accounts[account.AccountID] = &copied
}

func (store *stubStore) mustAccount(test *testing.T, accountID AccountID) *Account {
	test.Helper()
	account, ok := store.accounts[accountID.String()]
	if !ok {
		test.Fatalf("account %s not found in stub store", accountID)
	}
	return account
}

func (store *stubStore) transactionsOfType(transactionType TransactionType) []Transaction {
	matches := []Transaction{}
	for _, transaction := range store.transactions {
		if transaction.Type == transactionType {
			matches = append(matches, transaction)
		}
	}
	return matches
}

func (store *stubStore) GetAccount(_ context.Context, accountID AccountID) (Account, error) {
	if store.failWith != nil {
		return Account{}, store.failWith
	}
	account, ok := store.accounts[accountID.String()]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return *account, nil
}

func (store *stubStore) CreateAccount(_ context.Context, account Account) error {
	if store.failWith != nil {
		return store.failWith
	}
	if _, ok := store.accounts[account.AccountID]; ok {
		return ErrAccountExists
	}
	copied := account
	store.accounts[account.AccountID] = &copied
	return nil
}

func (store *stubStore) IncrementFree(_ context.Context, accountID AccountID, delta int64) error {
	if store.failWith != nil {
		return store.failWith
	}
	account, ok := store.accounts[accountID.String()]
	if !ok {
		return ErrAccountNotFound
	}
	account.FreeCredits += delta
	return nil
}

func (store *stubStore) IncrementPurchased(_ context.Context, accountID AccountID, delta int64) error {
	if store.failWith != nil {
		return store.failWith
	}
	account, ok := store.accounts[accountID.String()]
	if !ok {
		return ErrAccountNotFound
	}
	account.PurchasedCredits += delta
	return nil
}

func (store *stubStore) SetFreeCredits(_ context.Context, accountID AccountID, value int64) error {
	if store.failWith != nil {
		return store.failWith
	}
	account, ok := store.accounts[accountID.String()]
	if !ok {
		return ErrAccountNotFound
	}
	account.FreeCredits = value
	return nil
}

func (store *stubStore) SetBuckets(_ context.Context, accountID AccountID, freeCredits int64, purchasedCredits int64) error {
	if store.failWith != nil {
		return store.failWith
	}
	account, ok := store.accounts[accountID.String()]
	if !ok {
		return ErrAccountNotFound
	}
	account.FreeCredits = freeCredits
	account.PurchasedCredits = purchasedCredits
	return nil
}

func (store *stubStore) SetLastFreeReset(_ context.Context, accountID AccountID, at time.Time) error {
	if store.failWith != nil {
		return store.failWith
	}
	account, ok := store.accounts[accountID.String()]
	if !ok {
		return ErrAccountNotFound
	}
	copied := at
	account.LastFreeReset = &copied
	return nil
}

func (store *stubStore) UpdateProviderSettings(_ context.Context, accountID AccountID, mode ExecutionMode, credential []byte) error {
	if store.failWith != nil {
		return store.failWith
	}
	account, ok := store.accounts[accountID.String()]
	if !ok {
		return ErrAccountNotFound
	}
	account.ExecutionMode = mode
	account.OwnCredential = credential
	return nil
}

func (store *stubStore) AppendTransaction(_ context.Context, transaction Transaction) error {
	if store.failWith != nil {
		return store.failWith
	}
	if transaction.Type == TransactionPurchase {
		for _, existing := range store.transactions {
			if existing.AccountID == transaction.AccountID && existing.ExternalPaymentID == transaction.ExternalPaymentID {
				return ErrDuplicatePurchase
			}
		}
	}
	store.transactions = append(store.transactions, transaction)
	return nil
}

func (store *stubStore) PurchaseExists(_ context.Context, accountID AccountID, externalPaymentID string) (bool, error) {
	if store.failWith != nil {
		return false, store.failWith
	}
	for _, transaction := range store.transactions {
		if transaction.AccountID == accountID.String() && transaction.Type == TransactionPurchase && transaction.ExternalPaymentID == externalPaymentID {
			return true, nil
		}
	}
	return false, nil
}

func (store *stubStore) ListTransactions(_ context.Context, accountID AccountID, before time.Time, limit int) ([]Transaction, error) {
	if store.failWith != nil {
		return nil, store.failWith
	}
	matches := []Transaction{}
	for _, transaction := range store.transactions {
		if transaction.AccountID == accountID.String() && transaction.CreatedAt.Before(before) {
			matches = append(matches, transaction)
		}
	}
	if limit > 0 && len(matches) > limit {
		matches = matches[len(matches)-limit:]
	}
	return matches, nil
}

func mustAccountID(test *testing.T, raw string) AccountID {
	test.Helper()
	accountID, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id %q: %v", raw, err)
	}
	return accountID
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() time.Time { return time.Date(2024, time.March, 15, 12, 0, 0, 0, time.UTC) }, options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

func mustNewServiceAt(test *testing.T, store Store, at time.Time, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() time.Time { return at }, options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

func seedAccount(test *testing.T, store *stubStore, id string, free int64, purchased int64, lastReset *time.Time) AccountID {
	test.Helper()
	accountID := mustAccountID(test, id)
	store.addAccount(test, Account{
		AccountID:        id,
		Email:            id + "@example.com",
		DisplayName:      "Test User",
		FreeCredits:      free,
		PurchasedCredits: purchased,
		LastFreeReset:    lastReset,
		ExecutionMode:    ModePlatform,
		CreatedAt:        time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
	})
	return accountID
}

func timePtr(value time.Time) *time.Time {
	return &value
}
