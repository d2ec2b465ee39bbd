package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// BulkInsertOrDoNothingBySourceReferenceAndBillingPeriod inserts credits and
	// returns only the rows that were actually written. Credits that collide on
	// the source reference key are skipped silently.
	BulkInsertOrDoNothingBySourceReferenceAndBillingPeriod(ctx context.Context, db *gorm.DB, credits []UsageCredit) ([]UsageCredit, error)
	FindByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]UsageCredit, error)
	ListBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]UsageCredit, error)
}
