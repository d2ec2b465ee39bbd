package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Service is the ledger entry point. A nil tx makes the service open and
// commit its own transaction; otherwise all writes join tx.
type Service interface {
	ProcessBillingPeriodTransition(ctx context.Context, tx *gorm.DB, cmd TransitionCommand) (TransitionResult, error)
	GetAccountBalances(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, asOf *time.Time) ([]AccountBalance, error)
	GetUsageCreditBalances(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, asOf *time.Time) ([]UsageCreditBalance, error)
	DiscardEntries(ctx context.Context, tx *gorm.DB, entryIDs []snowflake.ID) (int64, error)
}
