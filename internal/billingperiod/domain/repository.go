package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, period *BillingPeriod) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*BillingPeriod, error)
	FindPrevious(ctx context.Context, db *gorm.DB, period BillingPeriod) (*BillingPeriod, error)
	ListAwaitingTransition(ctx context.Context, db *gorm.DB, query AwaitingTransitionQuery) ([]BillingPeriod, error)
}

// AwaitingTransitionQuery pages started periods in (StartDate, ID) order.
// After is the last period of the previous page; nil starts at the oldest.
type AwaitingTransitionQuery struct {
	Now   time.Time
	After *BillingPeriod
	Limit int
}
