package credits

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestDebitSpendsFreeBucketFirst(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := seedAccount(test, store, "user-split", 3, 5, nil)
	service := mustNewService(test, store)

	balance, err := service.Debit(context.Background(), accountID, 4, "parse_job_post", "doc-1")
	if err != nil {
		test.Fatalf("debit: %v", err)
	}
	if balance.FreeCredits != 0 || balance.PurchasedCredits != 4 {
		test.Fatalf("expected free=0 purchased=4, got %+v", balance)
	}

	debits := store.transactionsOfType(TransactionPlatformAI)
	if len(debits) != 1 {
		test.Fatalf("expected 1 platform_ai transaction, got %d", len(debits))
	}
	if debits[0].Amount != -4 {
		test.Fatalf("expected amount -4, got %d", debits[0].Amount)
	}
	if !strings.Contains(debits[0].Description, "3 free") {
		test.Fatalf("expected free bucket named first in %q", debits[0].Description)
	}
	if debits[0].RelatedResourceID != "doc-1" {
		test.Fatalf("expected related resource id on transaction, got %q", debits[0].RelatedResourceID)
	}
}

func TestDebitInsufficientLeavesBalancesUnchanged(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := seedAccount(test, store, "user-poor", 1, 1, nil)
	service := mustNewService(test, store)

	_, err := service.Debit(context.Background(), accountID, 3, "generate_document", "")
	if !errors.Is(err, ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	var detailed InsufficientCreditsError
	if !errors.As(err, &detailed) {
		test.Fatalf("expected InsufficientCreditsError, got %T", err)
	}
	if detailed.Total != 2 || detailed.Cost != 3 {
		test.Fatalf("expected total=2 cost=3, got %+v", detailed)
	}
	account := store.mustAccount(test, accountID)
	if account.FreeCredits != 1 || account.PurchasedCredits != 1 {
		test.Fatalf("balances mutated on failed debit: %+v", account)
	}
	if len(store.transactions) != 0 {
		test.Fatalf("expected no transactions on failed debit, got %d", len(store.transactions))
	}
}

func TestDebitRejectsNonPositiveCost(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := seedAccount(test, store, "user-zero", 5, 0, nil)
	service := mustNewService(test, store)

	_, err := service.Debit(context.Background(), accountID, 0, "noop", "")
	if !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestDebitUnknownAccount(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)

	_, err := service.Debit(context.Background(), mustAccountID(test, "ghost"), 1, "parse_job_post", "")
	if !errors.Is(err, ErrAccountNotFound) {
		test.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestRefundAlwaysTargetsFreeBucket(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := seedAccount(test, store, "user-refund", 0, 2, nil)
	service := mustNewService(test, store)

	if _, err := service.Debit(context.Background(), accountID, 2, "generate_document", ""); err != nil {
		test.Fatalf("debit: %v", err)
	}
	if err := service.Refund(context.Background(), accountID, 2, "generate_document"); err != nil {
		test.Fatalf("refund: %v", err)
	}

	account := store.mustAccount(test, accountID)
	if account.FreeCredits != 2 || account.PurchasedCredits != 0 {
		test.Fatalf("expected refund to land on free bucket, got free=%d purchased=%d", account.FreeCredits, account.PurchasedCredits)
	}
	refunds := store.transactionsOfType(TransactionPlatformAIRefund)
	if len(refunds) != 1 || refunds[0].Amount != 2 {
		test.Fatalf("expected one +2 refund transaction, got %+v", refunds)
	}
}

type countingNotifier struct {
	calls     int
	remaining []int64
}

func (notifier *countingNotifier) NotifyLowBalance(_ context.Context, _ Account, remaining int64) {
	notifier.calls++
	notifier.remaining = append(notifier.remaining, remaining)
}

func TestDebitNotifiesAtThreshold(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := seedAccount(test, store, "user-threshold", 3, 0, nil)
	notifier := &countingNotifier{}
	service := mustNewService(test, store, WithLowBalanceNotifier(notifier))

	if _, err := service.Debit(context.Background(), accountID, 1, "parse_job_post", ""); err != nil {
		test.Fatalf("debit: %v", err)
	}
	if notifier.calls != 1 {
		test.Fatalf("expected notification at remaining=2, got %d calls", notifier.calls)
	}
	if notifier.remaining[0] != 2 {
		test.Fatalf("expected remaining 2, got %d", notifier.remaining[0])
	}
}

func TestEndToEndScenario(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := seedAccount(test, store, "user-scenario", 5, 0, nil)
	notifier := &countingNotifier{}
	service := mustNewService(test, store, WithLowBalanceNotifier(notifier))
	ctx := context.Background()

	for index := 0; index < 3; index++ {
		if _, err := service.Debit(ctx, accountID, 1, "parse_job_post", ""); err != nil {
			test.Fatalf("debit %d: %v", index, err)
		}
	}
	account := store.mustAccount(test, accountID)
	if account.FreeCredits != 2 {
		test.Fatalf("expected free=2 after three debits, got %d", account.FreeCredits)
	}
	if notifier.calls != 1 {
		test.Fatalf("expected exactly one low-balance notification, got %d", notifier.calls)
	}

	// Fourth operation debits, the external call fails, orchestrator refunds.
	if _, err := service.Debit(ctx, accountID, 1, "parse_job_post", ""); err != nil {
		test.Fatalf("fourth debit: %v", err)
	}
	if err := service.Refund(ctx, accountID, 1, "parse_job_post"); err != nil {
		test.Fatalf("refund: %v", err)
	}
	account = store.mustAccount(test, accountID)
	if account.FreeCredits != 2 || account.PurchasedCredits != 0 {
		test.Fatalf("expected free=2 purchased=0 after refund, got %+v", account)
	}
}

func TestConservationOfTransactionAmounts(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	ctx := context.Background()
	accountID := mustAccountID(test, "user-conservation")

	if _, err := service.GetOrCreateAccount(ctx, accountID, "user@example.com", "User"); err != nil {
		test.Fatalf("create: %v", err)
	}
	if credited, err := service.CreditPurchase(ctx, accountID, "pay_1", 10, "starter pack"); err != nil || !credited {
		test.Fatalf("purchase: credited=%v err=%v", credited, err)
	}
	if _, err := service.Debit(ctx, accountID, 7, "generate_document", ""); err != nil {
		test.Fatalf("debit: %v", err)
	}
	if err := service.Refund(ctx, accountID, 7, "generate_document"); err != nil {
		test.Fatalf("refund: %v", err)
	}

	var transactionSum int64
	for _, transaction := range store.transactions {
		transactionSum += transaction.Amount
	}
	account := store.mustAccount(test, accountID)
	if transactionSum != account.FreeCredits+account.PurchasedCredits {
		test.Fatalf("conservation violated: sum=%d balance=%d", transactionSum, account.FreeCredits+account.PurchasedCredits)
	}
}

func TestBucketsNeverNegativeAcrossSequences(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	accountID := seedAccount(test, store, "user-invariant", 2, 1, nil)
	service := mustNewService(test, store)
	ctx := context.Background()

	steps := []struct {
		cost    int64
		wantErr bool
	}{
		{cost: 2, wantErr: false},
		{cost: 1, wantErr: false},
		{cost: 1, wantErr: true},
		{cost: 5, wantErr: true},
	}
	for index, step := range steps {
		_, err := service.Debit(ctx, accountID, step.cost, "parse_job_post", "")
		if step.wantErr != (err != nil) {
			test.Fatalf("step %d: wantErr=%v got %v", index, step.wantErr, err)
		}
		account := store.mustAccount(test, accountID)
		if account.FreeCredits < 0 || account.PurchasedCredits < 0 {
			test.Fatalf("step %d: bucket went negative: %+v", index, account)
		}
	}
}
