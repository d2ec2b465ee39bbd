// Package domain holds the usage credit model. A usage credit is one grant of
// prepaid usage allowance; how much of it remains is always derived from the
// ledger entries that reference it.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusPosted Status = "posted"
	StatusVoid   Status = "void"
)

type CreditType string

const (
	CreditTypeGrant   CreditType = "grant"
	CreditTypePayment CreditType = "payment"
)

// SourceReferenceType names the kind of record that produced a credit.
type SourceReferenceType string

const (
	SourceReferenceBillingPeriodTransition SourceReferenceType = "billing_period_transition"
	SourceReferenceManual                  SourceReferenceType = "manual"
)

// UsageCredit is immutable once inserted. The triple (SourceReferenceID,
// SourceReferenceType, BillingPeriodID) is unique, with a NULL billing period
// treated as its own value.
type UsageCredit struct {
	ID                  snowflake.ID        `gorm:"primaryKey;autoIncrement:false"`
	OrgID               snowflake.ID        `gorm:"not null;index"`
	SubscriptionID      snowflake.ID        `gorm:"not null;index"`
	UsageMeterID        snowflake.ID        `gorm:"not null;index"`
	Livemode            bool                `gorm:"not null"`
	Status              Status              `gorm:"type:text;not null"`
	CreditType          CreditType          `gorm:"type:text;not null"`
	IssuedAmount        int64               `gorm:"not null"`
	ExpiresAt           *time.Time          `gorm:""`
	BillingPeriodID     *snowflake.ID       `gorm:""`
	SourceReferenceType SourceReferenceType `gorm:"type:text;not null"`
	SourceReferenceID   snowflake.ID        `gorm:"not null"`
	PaymentID           *snowflake.ID       `gorm:""`
	CreatedAt           time.Time           `gorm:"not null"`
}

// TableName sets the database table name.
func (UsageCredit) TableName() string { return "usage_credits" }
