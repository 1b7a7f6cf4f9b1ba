package credits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Service contains the ledger domain logic over a Store.
//
// The Store's bucket increments are individually atomic, but the
// check-then-decrement sequence inside Debit is not atomic as a whole: two
// concurrent debits can both observe a sufficient balance and both proceed.
// Accepted at this product's volume.
type Service struct {
	store    Store
	nowFn    func() time.Time
	logger   OperationLogger
	notifier LowBalanceNotifier
	policy   Policy
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, policy: DefaultPolicy()}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.policy.MonthlyFreeCredits < 0 || service.policy.LowBalanceThreshold < 0 {
		return nil, fmt.Errorf("%w: negative policy constants", ErrInvalidServiceConfig)
	}
	return service, nil
}

// Policy returns the constants the service operates with.
func (service *Service) Policy() Policy {
	return service.policy
}

// GetOrCreateAccount loads the account, creating it with the initial free
// allowance on first sight of a verified identity.
func (service *Service) GetOrCreateAccount(ctx context.Context, accountID AccountID, email string, displayName string) (Account, error) {
	account, err := service.store.GetAccount(ctx, accountID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return Account{}, err
	}

	now := service.nowFn()
	account = Account{
		AccountID:        accountID.String(),
		Email:            email,
		DisplayName:      displayName,
		FreeCredits:      service.policy.MonthlyFreeCredits,
		PurchasedCredits: 0,
		LastFreeReset:    &now,
		ExecutionMode:    ModePlatform,
		CreatedAt:        now,
	}
	createErr := service.store.CreateAccount(ctx, account)
	if errors.Is(createErr, ErrAccountExists) {
		// Lost a creation race; the winner's row is authoritative.
		return service.store.GetAccount(ctx, accountID)
	}
	if createErr == nil {
		createErr = service.store.AppendTransaction(ctx, Transaction{
			AccountID:   accountID.String(),
			Type:        TransactionMonthlyFree,
			Amount:      service.policy.MonthlyFreeCredits,
			Description: descriptionInitialAllowance,
			CreatedAt:   now,
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationCreate,
		AccountID: accountID,
		Amount:    service.policy.MonthlyFreeCredits,
		Type:      TransactionMonthlyFree,
		Error:     createErr,
	})
	if createErr != nil {
		return Account{}, createErr
	}
	return account, nil
}

// Account loads an account without creating it.
func (service *Service) Account(ctx context.Context, accountID AccountID) (Account, error) {
	return service.store.GetAccount(ctx, accountID)
}

// Balance returns the current two-bucket balance.
func (service *Service) Balance(ctx context.Context, accountID AccountID) (Balance, error) {
	account, err := service.store.GetAccount(ctx, accountID)
	if err != nil {
		return Balance{}, err
	}
	return Balance{FreeCredits: account.FreeCredits, PurchasedCredits: account.PurchasedCredits}, nil
}

// Debit charges cost credits for a platform-mode operation, spending the free
// bucket before the purchased bucket. The transaction row is appended before
// Debit returns; the low-balance notification runs after it and never fails
// the debit.
func (service *Service) Debit(ctx context.Context, accountID AccountID, cost int64, operationName string, relatedResourceID string) (Balance, error) {
	balance, operationError := service.debit(ctx, accountID, cost, operationName, relatedResourceID)
	service.logOperation(ctx, OperationLog{
		Operation: operationDebit,
		AccountID: accountID,
		Amount:    -cost,
		Type:      TransactionPlatformAI,
		Error:     operationError,
	})
	return balance, operationError
}

func (service *Service) debit(ctx context.Context, accountID AccountID, cost int64, operationName string, relatedResourceID string) (Balance, error) {
	if cost <= 0 {
		return Balance{}, fmt.Errorf("%w: cost must be greater than zero", ErrInvalidAmount)
	}
	account, err := service.store.GetAccount(ctx, accountID)
	if err != nil {
		return Balance{}, err
	}
	total := account.FreeCredits + account.PurchasedCredits
	if total < cost {
		return Balance{}, InsufficientCreditsError{Total: total, Cost: cost}
	}

	fromFree := cost
	if account.FreeCredits < fromFree {
		fromFree = account.FreeCredits
	}
	fromPurchased := cost - fromFree
	if fromFree > 0 {
		if err := service.store.IncrementFree(ctx, accountID, -fromFree); err != nil {
			return Balance{}, err
		}
	}
	if fromPurchased > 0 {
		if err := service.store.IncrementPurchased(ctx, accountID, -fromPurchased); err != nil {
			return Balance{}, err
		}
	}
	if err := service.store.AppendTransaction(ctx, Transaction{
		AccountID:         accountID.String(),
		Type:              TransactionPlatformAI,
		Amount:            -cost,
		Description:       debitDescription(operationName, fromFree, fromPurchased),
		RelatedResourceID: relatedResourceID,
		Metadata:          marshalMetadata(map[string]string{"operation": operationName}),
		CreatedAt:         service.nowFn(),
	}); err != nil {
		return Balance{}, err
	}

	remaining := Balance{
		FreeCredits:      account.FreeCredits - fromFree,
		PurchasedCredits: account.PurchasedCredits - fromPurchased,
	}
	if service.notifier != nil && remaining.Total() <= service.policy.LowBalanceThreshold {
		service.notifier.NotifyLowBalance(ctx, account, remaining.Total())
	}
	return remaining, nil
}

// Refund returns the cost of a failed operation to the free bucket. The
// original debit may have drawn on the purchased bucket; refunds always land
// on free, matching the observed billing behavior.
func (service *Service) Refund(ctx context.Context, accountID AccountID, amount int64, operationName string) error {
	operationError := service.refund(ctx, accountID, amount, operationName)
	service.logOperation(ctx, OperationLog{
		Operation: operationRefund,
		AccountID: accountID,
		Amount:    amount,
		Type:      TransactionPlatformAIRefund,
		Error:     operationError,
	})
	return operationError
}

func (service *Service) refund(ctx context.Context, accountID AccountID, amount int64, operationName string) error {
	if amount <= 0 {
		return fmt.Errorf("%w: refund must be greater than zero", ErrInvalidAmount)
	}
	if _, err := service.store.GetAccount(ctx, accountID); err != nil {
		return err
	}
	if err := service.store.IncrementFree(ctx, accountID, amount); err != nil {
		return err
	}
	return service.store.AppendTransaction(ctx, Transaction{
		AccountID:   accountID.String(),
		Type:        TransactionPlatformAIRefund,
		Amount:      amount,
		Description: fmt.Sprintf("refund for failed %s", operationName),
		Metadata:    marshalMetadata(map[string]string{"operation": operationName}),
		CreatedAt:   service.nowFn(),
	})
}

// EnsureMonthlyReset tops up the free bucket when a new calendar period has
// started. It is triggered on session start, not by a timer, and calling it
// twice in the same period is a no-op on the second call. The reset is an
// overwrite, not a floor: a free balance above the allowance is reduced.
func (service *Service) EnsureMonthlyReset(ctx context.Context, accountID AccountID) (bool, error) {
	reset, operationError := service.ensureMonthlyReset(ctx, accountID)
	if reset || operationError != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationReset,
			AccountID: accountID,
			Amount:    service.policy.MonthlyFreeCredits,
			Type:      TransactionMonthlyFree,
			Error:     operationError,
		})
	}
	return reset, operationError
}

func (service *Service) ensureMonthlyReset(ctx context.Context, accountID AccountID) (bool, error) {
	account, err := service.store.GetAccount(ctx, accountID)
	if err != nil {
		return false, err
	}
	now := service.nowFn()

	previousFree := account.FreeCredits
	if account.LastFreeReset == nil {
		// Missing bookkeeping counts as due; audit delta is computed from zero.
		previousFree = 0
	} else {
		lastReset := account.LastFreeReset.UTC()
		nowUTC := now.UTC()
		samePeriod := lastReset.Month() == nowUTC.Month() && lastReset.Year() == nowUTC.Year()
		if samePeriod || nowUTC.Day() < service.policy.ResetDay {
			return false, nil
		}
	}

	if err := service.store.SetFreeCredits(ctx, accountID, service.policy.MonthlyFreeCredits); err != nil {
		return false, err
	}
	if err := service.store.SetLastFreeReset(ctx, accountID, now); err != nil {
		return false, err
	}
	grantedDelta := service.policy.MonthlyFreeCredits - previousFree
	if grantedDelta > 0 {
		if err := service.store.AppendTransaction(ctx, Transaction{
			AccountID:   accountID.String(),
			Type:        TransactionMonthlyFree,
			Amount:      grantedDelta,
			Description: descriptionMonthlyReset,
			CreatedAt:   now,
		}); err != nil {
			return false, err
		}
	}
	return true, nil
}

// CreditPurchase credits the purchased bucket for a confirmed external
// payment at most once per payment id. It reports whether this call performed
// the credit; a repeat delivery reports false with no error.
func (service *Service) CreditPurchase(ctx context.Context, accountID AccountID, externalPaymentID string, amount int64, description string) (bool, error) {
	credited, operationError := service.creditPurchase(ctx, accountID, externalPaymentID, amount, description)
	service.logOperation(ctx, OperationLog{
		Operation: operationPurchase,
		AccountID: accountID,
		Amount:    amount,
		Type:      TransactionPurchase,
		Error:     operationError,
	})
	return credited, operationError
}

func (service *Service) creditPurchase(ctx context.Context, accountID AccountID, externalPaymentID string, amount int64, description string) (bool, error) {
	if amount <= 0 {
		return false, fmt.Errorf("%w: purchase must be greater than zero", ErrInvalidAmount)
	}
	if externalPaymentID == "" {
		return false, fmt.Errorf("%w: external payment id is required", ErrInvalidAmount)
	}
	if _, err := service.store.GetAccount(ctx, accountID); err != nil {
		return false, err
	}
	exists, err := service.store.PurchaseExists(ctx, accountID, externalPaymentID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	if err := service.store.IncrementPurchased(ctx, accountID, amount); err != nil {
		return false, err
	}
	err = service.store.AppendTransaction(ctx, Transaction{
		AccountID:         accountID.String(),
		Type:              TransactionPurchase,
		Amount:            amount,
		Description:       description,
		ExternalPaymentID: externalPaymentID,
		CreatedAt:         service.nowFn(),
	})
	if errors.Is(err, ErrDuplicatePurchase) {
		// A concurrent delivery won the unique-index race after our existence
		// check; back out the second increment.
		if undoErr := service.store.IncrementPurchased(ctx, accountID, -amount); undoErr != nil {
			return false, undoErr
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// AdminAdjust overwrites both buckets with absolute values, bypassing the
// debit/credit routines. The adjustment transactions record the raw deltas
// between old and new values for audit.
func (service *Service) AdminAdjust(ctx context.Context, accountID AccountID, freeCredits int64, purchasedCredits int64, note string) (Balance, error) {
	balance, operationError := service.adminAdjust(ctx, accountID, freeCredits, purchasedCredits, note)
	service.logOperation(ctx, OperationLog{
		Operation: operationAdjust,
		AccountID: accountID,
		Amount:    balance.Total(),
		Type:      TransactionAdminAdjustment,
		Error:     operationError,
	})
	return balance, operationError
}

func (service *Service) adminAdjust(ctx context.Context, accountID AccountID, freeCredits int64, purchasedCredits int64, note string) (Balance, error) {
	if freeCredits < 0 || purchasedCredits < 0 {
		return Balance{}, fmt.Errorf("%w: buckets cannot go negative", ErrInvalidAmount)
	}
	account, err := service.store.GetAccount(ctx, accountID)
	if err != nil {
		return Balance{}, err
	}
	if err := service.store.SetBuckets(ctx, accountID, freeCredits, purchasedCredits); err != nil {
		return Balance{}, err
	}
	now := service.nowFn()
	if delta := freeCredits - account.FreeCredits; delta != 0 {
		if err := service.store.AppendTransaction(ctx, Transaction{
			AccountID:   accountID.String(),
			Type:        TransactionAdminAdjustment,
			Amount:      delta,
			Description: adjustmentDescription("free", note),
			CreatedAt:   now,
		}); err != nil {
			return Balance{}, err
		}
	}
	if delta := purchasedCredits - account.PurchasedCredits; delta != 0 {
		if err := service.store.AppendTransaction(ctx, Transaction{
			AccountID:   accountID.String(),
			Type:        TransactionAdminAdjustment,
			Amount:      delta,
			Description: adjustmentDescription("purchased", note),
			CreatedAt:   now,
		}); err != nil {
			return Balance{}, err
		}
	}
	return Balance{FreeCredits: freeCredits, PurchasedCredits: purchasedCredits}, nil
}

// UpdateProviderSettings stores the account's execution mode and, for own-key
// mode, the encrypted credential blob.
func (service *Service) UpdateProviderSettings(ctx context.Context, accountID AccountID, mode ExecutionMode, credential []byte) error {
	if _, err := ParseExecutionMode(mode.String()); err != nil {
		return err
	}
	if _, err := service.store.GetAccount(ctx, accountID); err != nil {
		return err
	}
	operationError := service.store.UpdateProviderSettings(ctx, accountID, mode, credential)
	service.logOperation(ctx, OperationLog{
		Operation: operationSettings,
		AccountID: accountID,
		Error:     operationError,
	})
	return operationError
}

// ListTransactions lists ledger history for an account before a cutoff time.
func (service *Service) ListTransactions(ctx context.Context, accountID AccountID, before time.Time, limit int) ([]Transaction, error) {
	if before.IsZero() {
		before = service.nowFn().Add(time.Second)
	}
	return service.store.ListTransactions(ctx, accountID, before, limit)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func debitDescription(operationName string, fromFree int64, fromPurchased int64) string {
	switch {
	case fromPurchased == 0:
		return fmt.Sprintf("%s (%d free)", operationName, fromFree)
	case fromFree == 0:
		return fmt.Sprintf("%s (%d purchased)", operationName, fromPurchased)
	default:
		return fmt.Sprintf("%s (%d free + %d purchased)", operationName, fromFree, fromPurchased)
	}
}

func marshalMetadata(metadata map[string]string) string {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func adjustmentDescription(bucket string, note string) string {
	if note == "" {
		return fmt.Sprintf("admin adjustment (%s)", bucket)
	}
	return fmt.Sprintf("admin adjustment (%s): %s", bucket, note)
}
