package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// LedgerAccountFilter narrows SelectLedgerAccounts. Zero values are ignored.
type LedgerAccountFilter struct {
	SubscriptionID snowflake.ID
	UsageMeterIDs  []snowflake.ID
	IDs            []snowflake.ID
}

// BalanceFilter narrows balance aggregation to accounts and optionally one credit.
type BalanceFilter struct {
	LedgerAccountIDs []snowflake.ID
	UsageCreditID    *snowflake.ID
}

// Repository is the ledger data-access layer. Every method runs on the handle
// it is given and never commits.
type Repository interface {
	InsertLedgerTransaction(ctx context.Context, db *gorm.DB, tx LedgerTransaction) (LedgerTransaction, error)
	SelectLedgerAccounts(ctx context.Context, db *gorm.DB, filter LedgerAccountFilter) ([]LedgerAccount, error)
	FindOrCreateLedgerAccountsForSubscriptionAndUsageMeters(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, usageMeterIDs []snowflake.ID) ([]LedgerAccount, error)
	BulkInsertLedgerEntries(ctx context.Context, db *gorm.DB, entries []LedgerEntry) ([]LedgerEntry, error)
	AggregateAvailableBalanceForUsageCredit(ctx context.Context, db *gorm.DB, filter BalanceFilter, asOf *time.Time) ([]UsageCreditBalance, error)
	AggregateLedgerAccountBalances(ctx context.Context, db *gorm.DB, accountIDs []snowflake.ID, asOf *time.Time) ([]AccountBalance, error)
	DiscardLedgerEntries(ctx context.Context, db *gorm.DB, entryIDs []snowflake.ID, at time.Time) (int64, error)
	ListEntriesByTransaction(ctx context.Context, db *gorm.DB, transactionID snowflake.ID) ([]LedgerEntry, error)
	ExistsTransactionForSource(ctx context.Context, db *gorm.DB, sourceType InitiatingSourceType, sourceID snowflake.ID) (bool, error)
}
