package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/groeimetai/CVeetje-sub004/pkg/credits"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolationCode = "23505"
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
	errorCodeSchema       = "schema"
	errorCodeUpdate       = "update"

	sqlSchema = `
		create table if not exists accounts (
			account_id text primary key,
			email text not null,
			display_name text not null,
			free_credits bigint not null default 0,
			purchased_credits bigint not null default 0,
			last_free_reset timestamptz,
			execution_mode text not null default 'platform',
			own_credential bytea,
			created_at timestamptz not null default now(),
			updated_at timestamptz not null default now()
		);
		create table if not exists credit_transactions (
			transaction_id uuid primary key default gen_random_uuid(),
			account_id text not null,
			type text not null,
			amount bigint not null,
			description text not null,
			external_payment_id text,
			related_resource_id text,
			metadata jsonb not null default '{}'::jsonb,
			created_at timestamptz not null default now()
		);
		create index if not exists idx_transactions_account_created
			on credit_transactions(account_id, created_at);
		create unique index if not exists uniq_account_payment
			on credit_transactions(account_id, external_payment_id)
			where external_payment_id is not null;
	`

	sqlSelectAccount = `
		select account_id, email, display_name, free_credits, purchased_credits,
			last_free_reset, execution_mode, own_credential, created_at
		from accounts
		where account_id = $1
	`

	sqlInsertAccount = `
		insert into accounts(
			account_id, email, display_name, free_credits, purchased_credits,
			last_free_reset, execution_mode, own_credential, created_at, updated_at
		)
		values($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`

	sqlIncrementFree = `
		update accounts
		set free_credits = free_credits + $2, updated_at = now()
		where account_id = $1
	`

	sqlIncrementPurchased = `
		update accounts
		set purchased_credits = purchased_credits + $2, updated_at = now()
		where account_id = $1
	`

	sqlSetFreeCredits = `
		update accounts
		set free_credits = $2, updated_at = now()
		where account_id = $1
	`

	sqlSetBuckets = `
		update accounts
		set free_credits = $2, purchased_credits = $3, updated_at = now()
		where account_id = $1
	`

	sqlSetLastFreeReset = `
		update accounts
		set last_free_reset = $2, updated_at = now()
		where account_id = $1
	`

	sqlUpdateProviderSettings = `
		update accounts
		set execution_mode = $2, own_credential = $3, updated_at = now()
		where account_id = $1
	`

	sqlInsertTransaction = `
		insert into credit_transactions(
			account_id, type, amount, description,
			external_payment_id, related_resource_id, metadata, created_at
		)
		values(
			$1, $2, $3, $4,
			nullif($5,''), nullif($6,''),
			coalesce(nullif($7,''),'{}')::jsonb,
			$8
		)
	`

	sqlPurchaseExists = `
		select exists(
			select 1 from credit_transactions
			where account_id = $1 and type = 'purchase' and external_payment_id = $2
		)
	`

	sqlListTransactionsBefore = `
		select
			transaction_id::text,
			account_id,
			type,
			amount,
			description,
			coalesce(external_payment_id,''),
			coalesce(related_resource_id,''),
			coalesce(metadata::text,'{}'),
			created_at
		from credit_transactions
		where account_id = $1 and created_at < $2
		order by created_at desc
		limit $3
	`
)

// Store implements credits.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema creates the tables and indexes when they do not exist yet.
func (store *Store) EnsureSchema(ctx context.Context) error {
	if _, err := store.pool.Exec(ctx, sqlSchema); err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeSchema, err)
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, accountID credits.AccountID) (credits.Account, error) {
	var (
		account       credits.Account
		modeValue     string
		lastFreeReset *time.Time
	)
	err := store.pool.QueryRow(ctx, sqlSelectAccount, accountID.String()).Scan(
		&account.AccountID,
		&account.Email,
		&account.DisplayName,
		&account.FreeCredits,
		&account.PurchasedCredits,
		&lastFreeReset,
		&modeValue,
		&account.OwnCredential,
		&account.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, credits.ErrAccountNotFound)
		}
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	mode, err := credits.ParseExecutionMode(modeValue)
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	account.ExecutionMode = mode
	account.LastFreeReset = lastFreeReset
	return account, nil
}

func (store *Store) CreateAccount(ctx context.Context, account credits.Account) error {
	createdAt := account.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := store.pool.Exec(ctx, sqlInsertAccount,
		account.AccountID,
		account.Email,
		account.DisplayName,
		account.FreeCredits,
		account.PurchasedCredits,
		account.LastFreeReset,
		account.ExecutionMode.String(),
		account.OwnCredential,
		createdAt,
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, credits.ErrAccountExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) IncrementFree(ctx context.Context, accountID credits.AccountID, delta int64) error {
	return store.execAccountUpdate(ctx, errorCodeIncrement, sqlIncrementFree, accountID.String(), delta)
}

func (store *Store) IncrementPurchased(ctx context.Context, accountID credits.AccountID, delta int64) error {
	return store.execAccountUpdate(ctx, errorCodeIncrement, sqlIncrementPurchased, accountID.String(), delta)
}

func (store *Store) SetFreeCredits(ctx context.Context, accountID credits.AccountID, value int64) error {
	return store.execAccountUpdate(ctx, errorCodeUpdate, sqlSetFreeCredits, accountID.String(), value)
}

func (store *Store) SetBuckets(ctx context.Context, accountID credits.AccountID, freeCredits int64, purchasedCredits int64) error {
	return store.execAccountUpdate(ctx, errorCodeUpdate, sqlSetBuckets, accountID.String(), freeCredits, purchasedCredits)
}

func (store *Store) SetLastFreeReset(ctx context.Context, accountID credits.AccountID, at time.Time) error {
	return store.execAccountUpdate(ctx, errorCodeUpdate, sqlSetLastFreeReset, accountID.String(), at.UTC())
}

func (store *Store) UpdateProviderSettings(ctx context.Context, accountID credits.AccountID, mode credits.ExecutionMode, credential []byte) error {
	return store.execAccountUpdate(ctx, errorCodeUpdate, sqlUpdateProviderSettings, accountID.String(), mode.String(), credential)
}

func (store *Store) execAccountUpdate(ctx context.Context, code string, sql string, arguments ...interface{}) error {
	commandTag, err := store.pool.Exec(ctx, sql, arguments...)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, code, err)
	}
	if commandTag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, code, credits.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) AppendTransaction(ctx context.Context, transaction credits.Transaction) error {
	createdAt := transaction.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := store.pool.Exec(ctx, sqlInsertTransaction,
		transaction.AccountID,
		transaction.Type.String(),
		transaction.Amount,
		transaction.Description,
		transaction.ExternalPaymentID,
		transaction.RelatedResourceID,
		transaction.Metadata,
		createdAt,
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectTx, errorCodeDuplicate, credits.ErrDuplicatePurchase)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) PurchaseExists(ctx context.Context, accountID credits.AccountID, externalPaymentID string) (bool, error) {
	var exists bool
	err := store.pool.QueryRow(ctx, sqlPurchaseExists, accountID.String(), externalPaymentID).Scan(&exists)
	if err != nil {
		return false, wrapStoreError(errorSubjectTx, errorCodeLookup, err)
	}
	return exists, nil
}

func (store *Store) ListTransactions(ctx context.Context, accountID credits.AccountID, before time.Time, limit int) ([]credits.Transaction, error) {
	rows, err := store.pool.Query(ctx, sqlListTransactionsBefore, accountID.String(), before.UTC(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTx, errorCodeList, err)
	}
	defer rows.Close()

	transactions := []credits.Transaction{}
	for rows.Next() {
		var (
			transaction credits.Transaction
			typeValue   string
		)
		err := rows.Scan(
			&transaction.TransactionID,
			&transaction.AccountID,
			&typeValue,
			&transaction.Amount,
			&transaction.Description,
			&transaction.ExternalPaymentID,
			&transaction.RelatedResourceID,
			&transaction.Metadata,
			&transaction.CreatedAt,
		)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTx, errorCodeList, err)
		}
		transactionType, err := credits.ParseTransactionType(typeValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTx, errorCodeInvalid, err)
		}
		transaction.Type = transactionType
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTx, errorCodeList, err)
	}
	return transactions, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}
