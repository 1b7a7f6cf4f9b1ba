package gormstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/groeimetai/CVeetje-sub004/pkg/credits"
	"gorm.io/gorm"
)

func newTestStore(test *testing.T) *Store {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	store := New(db)
	if err := store.Migrate(); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return store
}

func seedAccount(test *testing.T, store *Store, id string) credits.AccountID {
	test.Helper()
	accountID, err := credits.NewAccountID(id)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	createErr := store.CreateAccount(context.Background(), credits.Account{
		AccountID:     id,
		Email:         id + "@example.com",
		DisplayName:   "Store Test",
		FreeCredits:   5,
		ExecutionMode: credits.ModePlatform,
		CreatedAt:     time.Now().UTC(),
	})
	if createErr != nil {
		test.Fatalf("create account: %v", createErr)
	}
	return accountID
}

func TestCreateAccountDuplicate(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	seedAccount(test, store, "dup-user")

	err := store.CreateAccount(context.Background(), credits.Account{
		AccountID:     "dup-user",
		Email:         "dup-user@example.com",
		DisplayName:   "Store Test",
		ExecutionMode: credits.ModePlatform,
	})
	if !errors.Is(err, credits.ErrAccountExists) {
		test.Fatalf("expected ErrAccountExists, got %v", err)
	}
}

func TestGetAccountNotFound(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	accountID, _ := credits.NewAccountID("nobody")

	_, err := store.GetAccount(context.Background(), accountID)
	if !errors.Is(err, credits.ErrAccountNotFound) {
		test.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestIncrementsAreAppliedInPlace(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	accountID := seedAccount(test, store, "incr-user")
	ctx := context.Background()

	if err := store.IncrementFree(ctx, accountID, -3); err != nil {
		test.Fatalf("increment free: %v", err)
	}
	if err := store.IncrementPurchased(ctx, accountID, 10); err != nil {
		test.Fatalf("increment purchased: %v", err)
	}
	account, err := store.GetAccount(ctx, accountID)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if account.FreeCredits != 2 || account.PurchasedCredits != 10 {
		test.Fatalf("expected free=2 purchased=10, got %+v", account)
	}
}

func TestIncrementUnknownAccount(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	accountID, _ := credits.NewAccountID("missing")

	if err := store.IncrementFree(context.Background(), accountID, 1); !errors.Is(err, credits.ErrAccountNotFound) {
		test.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestAppendPurchaseTransactionEnforcesUniquePaymentID(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	accountID := seedAccount(test, store, "pay-user")
	ctx := context.Background()

	first := credits.Transaction{
		AccountID:         accountID.String(),
		Type:              credits.TransactionPurchase,
		Amount:            25,
		Description:       "pro pack",
		ExternalPaymentID: "pi_123",
		CreatedAt:         time.Now().UTC(),
	}
	if err := store.AppendTransaction(ctx, first); err != nil {
		test.Fatalf("first append: %v", err)
	}
	err := store.AppendTransaction(ctx, first)
	if !errors.Is(err, credits.ErrDuplicatePurchase) {
		test.Fatalf("expected ErrDuplicatePurchase, got %v", err)
	}

	exists, err := store.PurchaseExists(ctx, accountID, "pi_123")
	if err != nil || !exists {
		test.Fatalf("expected purchase to exist: exists=%v err=%v", exists, err)
	}
	exists, err = store.PurchaseExists(ctx, accountID, "pi_unknown")
	if err != nil || exists {
		test.Fatalf("expected unknown payment id to be absent: exists=%v err=%v", exists, err)
	}
}

func TestTransactionsWithoutPaymentIDDoNotConflict(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	accountID := seedAccount(test, store, "free-user")
	ctx := context.Background()

	for index := 0; index < 3; index++ {
		err := store.AppendTransaction(ctx, credits.Transaction{
			AccountID:   accountID.String(),
			Type:        credits.TransactionPlatformAI,
			Amount:      -1,
			Description: "parse_job_post (1 free)",
			CreatedAt:   time.Now().UTC(),
		})
		if err != nil {
			test.Fatalf("append %d: %v", index, err)
		}
	}
}

func TestListTransactionsOrdersNewestFirst(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	accountID := seedAccount(test, store, "list-user")
	ctx := context.Background()
	base := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)

	for index := 0; index < 3; index++ {
		err := store.AppendTransaction(ctx, credits.Transaction{
			AccountID:   accountID.String(),
			Type:        credits.TransactionPlatformAI,
			Amount:      -1,
			Description: "older to newer",
			CreatedAt:   base.Add(time.Duration(index) * time.Hour),
		})
		if err != nil {
			test.Fatalf("append %d: %v", index, err)
		}
	}

	transactions, err := store.ListTransactions(ctx, accountID, base.Add(24*time.Hour), 2)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(transactions) != 2 {
		test.Fatalf("expected limit of 2, got %d", len(transactions))
	}
	if !transactions[0].CreatedAt.After(transactions[1].CreatedAt) {
		test.Fatalf("expected newest first ordering")
	}
}

func TestUpdateProviderSettingsRoundTrip(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	accountID := seedAccount(test, store, "settings-user")
	ctx := context.Background()

	credential := []byte("sealed-key-material")
	if err := store.UpdateProviderSettings(ctx, accountID, credits.ModeOwnKey, credential); err != nil {
		test.Fatalf("update settings: %v", err)
	}
	account, err := store.GetAccount(ctx, accountID)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if account.ExecutionMode != credits.ModeOwnKey {
		test.Fatalf("expected own-key mode, got %s", account.ExecutionMode)
	}
	if string(account.OwnCredential) != string(credential) {
		test.Fatalf("credential blob not persisted")
	}
}

func TestSetLastFreeResetStampsUTC(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	accountID := seedAccount(test, store, "reset-user")
	ctx := context.Background()

	at := time.Date(2024, time.April, 1, 9, 30, 0, 0, time.UTC)
	if err := store.SetLastFreeReset(ctx, accountID, at); err != nil {
		test.Fatalf("set last reset: %v", err)
	}
	account, err := store.GetAccount(ctx, accountID)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if account.LastFreeReset == nil || !account.LastFreeReset.Equal(at) {
		test.Fatalf("expected last reset %v, got %v", at, account.LastFreeReset)
	}
}
