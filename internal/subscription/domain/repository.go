package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	InsertFeatureItems(ctx context.Context, db *gorm.DB, items []SubscriptionFeatureItem) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	ListFeatureItems(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, at time.Time) ([]SubscriptionFeatureItem, error)
	// ListNonRenewingAwaitingGrant pages by id; afterID 0 starts at the first row.
	ListNonRenewingAwaitingGrant(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]Subscription, error)
}
