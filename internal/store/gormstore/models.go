package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. The primary key is the externally
// issued identity id, not a generated uuid.
type Account struct {
	AccountID        string `gorm:"primaryKey"`
	Email            string `gorm:"not null"`
	DisplayName      string `gorm:"not null"`
	FreeCredits      int64  `gorm:"not null;default:0"`
	PurchasedCredits int64  `gorm:"not null;default:0"`
	LastFreeReset    *time.Time
	ExecutionMode    string    `gorm:"not null;default:platform"`
	OwnCredential    []byte    `gorm:""`
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// CreditTransaction mirrors the credit_transactions table. Rows are append-only.
type CreditTransaction struct {
	TransactionID     string  `gorm:"type:uuid;primaryKey"`
	AccountID         string  `gorm:"not null;index:idx_transactions_account_created,priority:1;index:uniq_account_payment,unique,priority:1"`
	Type              string  `gorm:"not null"`
	Amount            int64   `gorm:"not null"`
	Description       string  `gorm:"not null"`
	ExternalPaymentID *string `gorm:"index:uniq_account_payment,unique,priority:2"`
	RelatedResourceID *string
	Metadata          datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt         time.Time      `gorm:"not null;index:idx_transactions_account_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}
