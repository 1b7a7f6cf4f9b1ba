package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/groeimetai/CVeetje-sub004/pkg/credits"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	errorOperationStore   = "store"
	errorSubjectAccount   = "account"
	errorSubjectTx        = "transaction"
	errorCodeCreate       = "create"
	errorCodeDuplicate    = "duplicate"
	errorCodeGet          = "get"
	errorCodeIncrement    = "increment"
	errorCodeInsert       = "insert"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeLookup       = "lookup"
	errorCodeUpdate       = "update"
)

// Store implements credits.Store using GORM. Bucket mutations are expressed
// as SQL-side arithmetic so concurrent requests against the same account
// cannot lose an update.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the schema. Used for sqlite deployments and
// tests; postgres schemas are managed externally.
func (store *Store) Migrate() error {
	return store.db.AutoMigrate(&Account{}, &CreditTransaction{})
}

func (store *Store) GetAccount(ctx context.Context, accountID credits.AccountID) (credits.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, credits.ErrAccountNotFound)
		}
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	account, err := mapAccount(model)
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

func (store *Store) CreateAccount(ctx context.Context, account credits.Account) error {
	model := Account{
		AccountID:        account.AccountID,
		Email:            account.Email,
		DisplayName:      account.DisplayName,
		FreeCredits:      account.FreeCredits,
		PurchasedCredits: account.PurchasedCredits,
		LastFreeReset:    account.LastFreeReset,
		ExecutionMode:    account.ExecutionMode.String(),
		OwnCredential:    account.OwnCredential,
		CreatedAt:        account.CreatedAt,
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, credits.ErrAccountExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) IncrementFree(ctx context.Context, accountID credits.AccountID, delta int64) error {
	return store.incrementColumn(ctx, accountID, "free_credits", delta)
}

func (store *Store) IncrementPurchased(ctx context.Context, accountID credits.AccountID, delta int64) error {
	return store.incrementColumn(ctx, accountID, "purchased_credits", delta)
}

func (store *Store) incrementColumn(ctx context.Context, accountID credits.AccountID, column string, delta int64) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID.String()).
		UpdateColumn(column, gorm.Expr(column+" + ?", delta))
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeIncrement, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeIncrement, credits.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) SetFreeCredits(ctx context.Context, accountID credits.AccountID, value int64) error {
	return store.updateColumns(ctx, accountID, map[string]interface{}{"free_credits": value})
}

func (store *Store) SetBuckets(ctx context.Context, accountID credits.AccountID, freeCredits int64, purchasedCredits int64) error {
	return store.updateColumns(ctx, accountID, map[string]interface{}{
		"free_credits":      freeCredits,
		"purchased_credits": purchasedCredits,
	})
}

func (store *Store) SetLastFreeReset(ctx context.Context, accountID credits.AccountID, at time.Time) error {
	return store.updateColumns(ctx, accountID, map[string]interface{}{"last_free_reset": at.UTC()})
}

func (store *Store) UpdateProviderSettings(ctx context.Context, accountID credits.AccountID, mode credits.ExecutionMode, credential []byte) error {
	return store.updateColumns(ctx, accountID, map[string]interface{}{
		"execution_mode": mode.String(),
		"own_credential": credential,
	})
}

func (store *Store) updateColumns(ctx context.Context, accountID credits.AccountID, values map[string]interface{}) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID.String()).
		UpdateColumns(values)
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, credits.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) AppendTransaction(ctx context.Context, transaction credits.Transaction) error {
	model := CreditTransaction{
		TransactionID:     transaction.TransactionID,
		AccountID:         transaction.AccountID,
		Type:              transaction.Type.String(),
		Amount:            transaction.Amount,
		Description:       transaction.Description,
		ExternalPaymentID: optionalString(transaction.ExternalPaymentID),
		RelatedResourceID: optionalString(transaction.RelatedResourceID),
		Metadata:          datatypesJSON(transaction.Metadata),
		CreatedAt:         transaction.CreatedAt,
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectTx, errorCodeDuplicate, credits.ErrDuplicatePurchase)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) PurchaseExists(ctx context.Context, accountID credits.AccountID, externalPaymentID string) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Where("account_id = ? AND type = ? AND external_payment_id = ?", accountID.String(), credits.TransactionPurchase.String(), externalPaymentID).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectTx, errorCodeLookup, err)
	}
	return count > 0, nil
}

func (store *Store) ListTransactions(ctx context.Context, accountID credits.AccountID, before time.Time, limit int) ([]credits.Transaction, error) {
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND created_at < ?", accountID.String(), before.UTC()).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTx, errorCodeList, err)
	}

	transactions := make([]credits.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTx, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func mapAccount(model Account) (credits.Account, error) {
	mode, err := credits.ParseExecutionMode(model.ExecutionMode)
	if err != nil {
		return credits.Account{}, err
	}
	return credits.Account{
		AccountID:        model.AccountID,
		Email:            model.Email,
		DisplayName:      model.DisplayName,
		FreeCredits:      model.FreeCredits,
		PurchasedCredits: model.PurchasedCredits,
		LastFreeReset:    model.LastFreeReset,
		ExecutionMode:    mode,
		OwnCredential:    model.OwnCredential,
		CreatedAt:        model.CreatedAt,
	}, nil
}

func mapTransaction(row CreditTransaction) (credits.Transaction, error) {
	transactionType, err := credits.ParseTransactionType(row.Type)
	if err != nil {
		return credits.Transaction{}, err
	}
	return credits.Transaction{
		TransactionID:     row.TransactionID,
		AccountID:         row.AccountID,
		Type:              transactionType,
		Amount:            row.Amount,
		Description:       row.Description,
		ExternalPaymentID: stringOrEmpty(row.ExternalPaymentID),
		RelatedResourceID: stringOrEmpty(row.RelatedResourceID),
		Metadata:          string(row.Metadata),
		CreatedAt:         row.CreatedAt,
	}, nil
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
