package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// LedgerEntryDirection represents debit or credit postings.
type LedgerEntryDirection string

const (
	LedgerEntryDirectionDebit  LedgerEntryDirection = "debit"
	LedgerEntryDirectionCredit LedgerEntryDirection = "credit"
)

type LedgerEntryStatus string

const (
	LedgerEntryStatusPosted  LedgerEntryStatus = "posted"
	LedgerEntryStatusPending LedgerEntryStatus = "pending"
)

// LedgerEntryType discriminates entries and fixes which source column is set.
type LedgerEntryType string

const (
	// ======================
	// Credit lifecycle
	// ======================
	EntryTypeCreditGrantRecognized LedgerEntryType = "credit_grant_recognized"
	EntryTypeCreditGrantExpired    LedgerEntryType = "credit_grant_expired"

	// ======================
	// Usage
	// ======================
	EntryTypeUsageCost LedgerEntryType = "usage_cost"

	// ======================
	// Credit applications
	// ======================
	EntryTypeCreditApplicationDebitFromCreditBalance LedgerEntryType = "usage_credit_application_debit_from_credit_balance"
	EntryTypeCreditApplicationCreditTowardsUsageCost LedgerEntryType = "usage_credit_application_credit_towards_usage_cost"
)

type LedgerTransactionType string

const (
	TransactionTypeBillingPeriodTransition LedgerTransactionType = "billing_period_transition"
	TransactionTypeUsageEventProcessed     LedgerTransactionType = "usage_event_processed"
	TransactionTypeAdminAdjustment         LedgerTransactionType = "admin_adjustment"
)

// InitiatingSourceType names the record a transaction was started for.
type InitiatingSourceType string

const (
	InitiatingSourceBillingPeriod InitiatingSourceType = "billing_period"
	InitiatingSourceSubscription  InitiatingSourceType = "subscription"
	InitiatingSourceUsageEvent    InitiatingSourceType = "usage_event"
)

// LedgerAccount is the balance-bearing bucket for one subscription and one
// usage meter. A nil UsageMeterID marks the non-metered account.
type LedgerAccount struct {
	ID             snowflake.ID  `gorm:"primaryKey;autoIncrement:false"`
	OrgID          snowflake.ID  `gorm:"not null;index"`
	SubscriptionID snowflake.ID  `gorm:"not null;index"`
	UsageMeterID   *snowflake.ID `gorm:""`
	Livemode       bool          `gorm:"not null"`
	CreatedAt      time.Time     `gorm:"not null"`
}

// TableName sets the database table name.
func (LedgerAccount) TableName() string { return "ledger_accounts" }

// LedgerTransaction is the immutable header grouping the entries of one business event.
type LedgerTransaction struct {
	ID                   snowflake.ID          `gorm:"primaryKey;autoIncrement:false"`
	OrgID                snowflake.ID          `gorm:"not null;index"`
	SubscriptionID       snowflake.ID          `gorm:"not null;index"`
	Type                 LedgerTransactionType `gorm:"type:text;not null"`
	Livemode             bool                  `gorm:"not null"`
	InitiatingSourceType InitiatingSourceType  `gorm:"type:text;not null"`
	InitiatingSourceID   snowflake.ID          `gorm:"not null;index"`
	Description          string                `gorm:"type:text"`
	Metadata             datatypes.JSONMap     `gorm:"type:jsonb"`
	CreatedAt            time.Time             `gorm:"not null"`
}

// TableName sets the database table name.
func (LedgerTransaction) TableName() string { return "ledger_transactions" }

// LedgerEntry is one signed, append-only posting. Only DiscardedAt may change
// after insert. Source columns are exclusive except on credit application
// entries, which pair the application id with the drawn credit or usage event.
type LedgerEntry struct {
	ID                        snowflake.ID         `gorm:"primaryKey;autoIncrement:false"`
	LedgerTransactionID       snowflake.ID         `gorm:"not null;index"`
	LedgerAccountID           snowflake.ID         `gorm:"not null;index"`
	OrgID                     snowflake.ID         `gorm:"not null"`
	SubscriptionID            snowflake.ID         `gorm:"not null;index"`
	Livemode                  bool                 `gorm:"not null"`
	Status                    LedgerEntryStatus    `gorm:"type:text;not null"`
	EntryTimestamp            time.Time            `gorm:"not null"`
	Direction                 LedgerEntryDirection `gorm:"type:text;not null"`
	EntryType                 LedgerEntryType      `gorm:"type:text;not null"`
	Amount                    int64                `gorm:"not null"`
	Description               string               `gorm:"type:text"`
	DiscardedAt               *time.Time           `gorm:""`
	BillingPeriodID           *snowflake.ID        `gorm:""`
	SourceUsageCreditID       *snowflake.ID        `gorm:"index"`
	SourceUsageEventID        *snowflake.ID        `gorm:""`
	SourceCreditApplicationID *snowflake.ID        `gorm:""`
	CreatedAt                 time.Time            `gorm:"not null"`
}

// TableName sets the database table name.
func (LedgerEntry) TableName() string { return "ledger_entries" }

// SignedAmount returns the amount as it contributes to a balance.
func (e LedgerEntry) SignedAmount() int64 {
	if e.Direction == LedgerEntryDirectionDebit {
		return -e.Amount
	}
	return e.Amount
}

// Counts reports whether the entry participates in balances.
func (e LedgerEntry) Counts() bool {
	return e.Status == LedgerEntryStatusPosted && e.DiscardedAt == nil
}

// UsageCreditBalance is the remaining balance of one usage credit within one account.
type UsageCreditBalance struct {
	LedgerAccountID snowflake.ID
	UsageCreditID   snowflake.ID
	Balance         int64
	ExpiresAt       *time.Time
}

// LapsedBy reports whether an expiring credit still holds a balance at or
// after its expiry.
func (b UsageCreditBalance) LapsedBy(at time.Time) bool {
	return b.Balance > 0 && b.ExpiresAt != nil && !b.ExpiresAt.After(at)
}

// AccountBalance is the derived balance of a ledger account.
type AccountBalance struct {
	LedgerAccountID snowflake.ID
	Balance         int64
}
