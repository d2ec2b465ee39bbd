package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	"github.com/smallbiznis/creditledger/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (
			id, org_id, customer_id, status, renews, livemode, start_at, ended_at,
			metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		subscription.ID,
		subscription.OrgID,
		subscription.CustomerID,
		subscription.Status,
		subscription.Renews,
		subscription.Livemode,
		subscription.StartAt,
		subscription.EndedAt,
		subscription.Metadata,
		subscription.CreatedAt,
		subscription.UpdatedAt,
	).Error
}

func (r *repo) InsertFeatureItems(ctx context.Context, db *gorm.DB, items []subscriptiondomain.SubscriptionFeatureItem) error {
	for _, item := range items {
		if !item.RenewalFrequency.Valid() {
			return subscriptiondomain.ErrInvalidRenewalFrequency
		}
		if err := db.WithContext(ctx).Exec(
			`INSERT INTO subscription_feature_items (
				id, org_id, subscription_id, feature_code, usage_meter_id, amount,
				renewal_frequency, expired_at, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID,
			item.OrgID,
			item.SubscriptionID,
			item.FeatureCode,
			item.UsageMeterID,
			item.Amount,
			item.RenewalFrequency,
			item.ExpiredAt,
			item.CreatedAt,
			item.UpdatedAt,
		).Error; err != nil {
			return err
		}
	}
	return nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return findSubscription(ctx, db, id, false)
}

// FindByIDForUpdate row-locks the subscription for the rest of the transaction.
// SQLite has no row locks; its single writer serializes instead.
func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return findSubscription(ctx, db, id, true)
}

func findSubscription(ctx context.Context, conn *gorm.DB, id snowflake.ID, forUpdate bool) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	query := `SELECT id, org_id, customer_id, status, renews, livemode, start_at, ended_at,
		 metadata, created_at, updated_at
		 FROM subscriptions WHERE id = ?`
	if forUpdate && !db.IsSQLite(conn) {
		query += " FOR UPDATE"
	}
	err := conn.WithContext(ctx).Raw(query, id).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) ListFeatureItems(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, at time.Time) ([]subscriptiondomain.SubscriptionFeatureItem, error) {
	var items []subscriptiondomain.SubscriptionFeatureItem
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, subscription_id, feature_code, usage_meter_id, amount,
		 renewal_frequency, expired_at, created_at, updated_at
		 FROM subscription_feature_items
		 WHERE subscription_id = ? AND (expired_at IS NULL OR expired_at > ?)
		 ORDER BY id ASC`,
		subscriptionID,
		at,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// ListNonRenewingAwaitingGrant returns live non-renewing subscriptions that have
// not yet received their one-time grant transaction.
func (r *repo) ListNonRenewingAwaitingGrant(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]subscriptiondomain.Subscription, error) {
	if limit <= 0 {
		limit = 50
	}
	var subscriptions []subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT s.id, s.org_id, s.customer_id, s.status, s.renews, s.livemode, s.start_at,
		 s.ended_at, s.metadata, s.created_at, s.updated_at
		 FROM subscriptions s
		 WHERE s.renews = ?
		 AND s.status IN (?, ?, ?)
		 AND s.id > ?
		 AND NOT EXISTS (
			SELECT 1 FROM ledger_transactions lt
			WHERE lt.subscription_id = s.id
			AND lt.initiating_source_type = ?
			AND lt.initiating_source_id = s.id
		 )
		 ORDER BY s.id ASC
		 LIMIT ?`,
		false,
		subscriptiondomain.SubscriptionStatusActive,
		subscriptiondomain.SubscriptionStatusTrialing,
		subscriptiondomain.SubscriptionStatusPastDue,
		afterID,
		initiatingSourceSubscription,
		limit,
	).Scan(&subscriptions).Error
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}

// Mirrors the ledger's initiating source type for non-renewing grants.
const initiatingSourceSubscription = "subscription"
