package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	billingperioddomain "github.com/smallbiznis/creditledger/internal/billingperiod/domain"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	"gorm.io/gorm"
)

const billingPeriodColumns = `id, org_id, subscription_id, start_date, end_date, status, livemode,
	created_at, updated_at`

type repo struct{}

func Provide() billingperioddomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, period *billingperioddomain.BillingPeriod) error {
	if err := period.Validate(); err != nil {
		return err
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO billing_periods (`+billingPeriodColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		period.ID,
		period.OrgID,
		period.SubscriptionID,
		period.StartDate,
		period.EndDate,
		period.Status,
		period.Livemode,
		period.CreatedAt,
		period.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*billingperioddomain.BillingPeriod, error) {
	var period billingperioddomain.BillingPeriod
	err := db.WithContext(ctx).Raw(
		`SELECT `+billingPeriodColumns+` FROM billing_periods WHERE id = ?`,
		id,
	).Scan(&period).Error
	if err != nil {
		return nil, err
	}
	if period.ID == 0 {
		return nil, nil
	}
	return &period, nil
}

// FindPrevious returns the latest period of the same subscription that starts
// before the given one, or nil for the first period.
func (r *repo) FindPrevious(ctx context.Context, db *gorm.DB, period billingperioddomain.BillingPeriod) (*billingperioddomain.BillingPeriod, error) {
	var previous billingperioddomain.BillingPeriod
	err := db.WithContext(ctx).Raw(
		`SELECT `+billingPeriodColumns+` FROM billing_periods
		 WHERE subscription_id = ? AND start_date < ? AND id <> ?
		 ORDER BY start_date DESC, id DESC
		 LIMIT 1`,
		period.SubscriptionID,
		period.StartDate,
		period.ID,
	).Scan(&previous).Error
	if err != nil {
		return nil, err
	}
	if previous.ID == 0 {
		return nil, nil
	}
	return &previous, nil
}

// ListAwaitingTransition returns started periods of live renewing subscriptions
// that have no transition transaction yet, oldest first. Rows at or before
// query.After are skipped so a page of stuck periods never hides later ones.
func (r *repo) ListAwaitingTransition(ctx context.Context, db *gorm.DB, query billingperioddomain.AwaitingTransitionQuery) ([]billingperioddomain.BillingPeriod, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = 50
	}

	sql := `SELECT bp.id, bp.org_id, bp.subscription_id, bp.start_date, bp.end_date, bp.status,
		 bp.livemode, bp.created_at, bp.updated_at
		 FROM billing_periods bp
		 JOIN subscriptions s ON s.id = bp.subscription_id
		 WHERE bp.start_date <= ?
		 AND bp.status <> ?
		 AND s.renews = ?
		 AND s.status IN (?, ?, ?)
		 AND NOT EXISTS (
			SELECT 1 FROM ledger_transactions lt
			WHERE lt.initiating_source_type = ?
			AND lt.initiating_source_id = bp.id
		 )`
	args := []any{
		query.Now,
		billingperioddomain.BillingPeriodStatusClosed,
		true,
		subscriptiondomain.SubscriptionStatusActive,
		subscriptiondomain.SubscriptionStatusTrialing,
		subscriptiondomain.SubscriptionStatusPastDue,
		initiatingSourceBillingPeriod,
	}
	if after := query.After; after != nil {
		sql += `
		 AND (bp.start_date > ? OR (bp.start_date >= ? AND bp.id > ?))`
		args = append(args, after.StartDate, after.StartDate, after.ID)
	}
	sql += `
		 ORDER BY bp.start_date ASC, bp.id ASC
		 LIMIT ?`
	args = append(args, limit)

	var periods []billingperioddomain.BillingPeriod
	if err := db.WithContext(ctx).Raw(sql, args...).Scan(&periods).Error; err != nil {
		return nil, err
	}
	return periods, nil
}

// Mirrors the ledger's initiating source type for standard transitions.
const initiatingSourceBillingPeriod = "billing_period"
