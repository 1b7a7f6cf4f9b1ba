package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/groeimetai/CVeetje-sub004/pkg/credits"
)

// Store is an in-memory credits.Store used by tests and local development.
// It mirrors the field-level atomic semantics of the SQL stores: every
// mutation happens under one lock acquisition.
type Store struct {
	mu           sync.Mutex
	accounts     map[string]credits.Account
	transactions []credits.Transaction
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{accounts: map[string]credits.Account{}}
}

// Seed inserts or replaces an account without transaction bookkeeping.
func (store *Store) Seed(account credits.Account) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.accounts[account.AccountID] = account
}

// Transactions returns a copy of the appended history.
func (store *Store) Transactions() []credits.Transaction {
	store.mu.Lock()
	defer store.mu.Unlock()
	copied := make([]credits.Transaction, len(store.transactions))
	copy(copied, store.transactions)
	return copied
}

func (store *Store) GetAccount(_ context.Context, accountID credits.AccountID) (credits.Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[accountID.String()]
	if !ok {
		return credits.Account{}, credits.ErrAccountNotFound
	}
	return account, nil
}

func (store *Store) CreateAccount(_ context.Context, account credits.Account) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, ok := store.accounts[account.AccountID]; ok {
		return credits.ErrAccountExists
	}
	store.accounts[account.AccountID] = account
	return nil
}

func (store *Store) IncrementFree(_ context.Context, accountID credits.AccountID, delta int64) error {
	return store.mutate(accountID, func(account *credits.Account) {
		account.FreeCredits += delta
	})
}

func (store *Store) IncrementPurchased(_ context.Context, accountID credits.AccountID, delta int64) error {
	return store.mutate(accountID, func(account *credits.Account) {
		account.PurchasedCredits += delta
	})
}

func (store *Store) SetFreeCredits(_ context.Context, accountID credits.AccountID, value int64) error {
	return store.mutate(accountID, func(account *credits.Account) {
		account.FreeCredits = value
	})
}

func (store *Store) SetBuckets(_ context.Context, accountID credits.AccountID, freeCredits int64, purchasedCredits int64) error {
	return store.mutate(accountID, func(account *credits.Account) {
		account.FreeCredits = freeCredits
		account.PurchasedCredits = purchasedCredits
	})
}

func (store *Store) SetLastFreeReset(_ context.Context, accountID credits.AccountID, at time.Time) error {
	return store.mutate(accountID, func(account *credits.Account) {
		copied := at
		account.LastFreeReset = &copied
	})
}

func (store *Store) UpdateProviderSettings(_ context.Context, accountID credits.AccountID, mode credits.ExecutionMode, credential []byte) error {
	return store.mutate(accountID, func(account *credits.Account) {
		account.ExecutionMode = mode
		account.OwnCredential = credential
	})
}

func (store *Store) mutate(accountID credits.AccountID, apply func(account *credits.Account)) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[accountID.String()]
	if !ok {
		return credits.ErrAccountNotFound
	}
	apply(&account)
	store.accounts[accountID.String()] = account
	return nil
}

func (store *Store) AppendTransaction(_ context.Context, transaction credits.Transaction) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if transaction.Type == credits.TransactionPurchase {
		for _, existing := range store.transactions {
			if existing.AccountID == transaction.AccountID && existing.Type == credits.TransactionPurchase && existing.ExternalPaymentID == transaction.ExternalPaymentID {
				return credits.ErrDuplicatePurchase
			}
		}
	}
	store.transactions = append(store.transactions, transaction)
	return nil
}

func (store *Store) PurchaseExists(_ context.Context, accountID credits.AccountID, externalPaymentID string) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, transaction := range store.transactions {
		if transaction.AccountID == accountID.String() && transaction.Type == credits.TransactionPurchase && transaction.ExternalPaymentID == externalPaymentID {
			return true, nil
		}
	}
	return false, nil
}

func (store *Store) ListTransactions(_ context.Context, accountID credits.AccountID, before time.Time, limit int) ([]credits.Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	matches := []credits.Transaction{}
	for index := len(store.transactions) - 1; index >= 0; index-- {
		transaction := store.transactions[index]
		if transaction.AccountID != accountID.String() || !transaction.CreatedAt.Before(before) {
			continue
		}
		matches = append(matches, transaction)
		if limit > 0 && len(matches) == limit {
			break
		}
	}
	return matches, nil
}
