// Package ledgertest provides an in-memory SQLite schema and fixtures for
// ledger tests.
package ledgertest

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	billingperioddomain "github.com/smallbiznis/creditledger/internal/billingperiod/domain"
	billingperiodrepo "github.com/smallbiznis/creditledger/internal/billingperiod/repository"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/creditledger/internal/subscription/repository"
	usagecreditdomain "github.com/smallbiznis/creditledger/internal/usagecredit/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Partial unique indexes cannot be declared with gorm tags.
var partialIndexes = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_usage_credits_source_reference_period
		ON usage_credits (source_reference_id, source_reference_type, billing_period_id)
		WHERE billing_period_id IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_usage_credits_source_reference_evergreen
		ON usage_credits (source_reference_id, source_reference_type)
		WHERE billing_period_id IS NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_ledger_accounts_subscription_meter
		ON ledger_accounts (subscription_id, usage_meter_id)
		WHERE usage_meter_id IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_ledger_accounts_subscription_unmetered
		ON ledger_accounts (subscription_id)
		WHERE usage_meter_id IS NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_ledger_entries_credit_expiration
		ON ledger_entries (source_usage_credit_id, COALESCE(billing_period_id, 0))
		WHERE entry_type = 'credit_grant_expired' AND discarded_at IS NULL`,
}

var dbSeq atomic.Int64

// OpenDB returns an isolated in-memory database with the full schema.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.SubscriptionFeatureItem{},
		&billingperioddomain.BillingPeriod{},
		&usagecreditdomain.UsageCredit{},
		&ledgerdomain.LedgerAccount{},
		&ledgerdomain.LedgerTransaction{},
		&ledgerdomain.LedgerEntry{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	for _, stmt := range partialIndexes {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create index: %v", err)
		}
	}
	return db
}

// Node returns a snowflake node for generating ids.
func Node(t testing.TB) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}

// Fixture seeds subscriptions, periods and feature items through the real repositories.
type Fixture struct {
	DB    *gorm.DB
	Node  *snowflake.Node
	OrgID snowflake.ID
}

func NewFixture(t testing.TB) *Fixture {
	t.Helper()
	node := Node(t)
	return &Fixture{DB: OpenDB(t), Node: node, OrgID: node.Generate()}
}

// Date returns a whole-second UTC time.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func (f *Fixture) Subscription(t testing.TB, renews bool) subscriptiondomain.Subscription {
	t.Helper()
	now := Date(2026, time.January, 1)
	sub := subscriptiondomain.Subscription{
		ID:         f.Node.Generate(),
		OrgID:      f.OrgID,
		CustomerID: f.Node.Generate(),
		Status:     subscriptiondomain.SubscriptionStatusActive,
		Renews:     renews,
		StartAt:    now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := subscriptionrepo.Provide().Insert(t.Context(), f.DB, &sub); err != nil {
		t.Fatalf("insert subscription: %v", err)
	}
	return sub
}

func (f *Fixture) Period(t testing.TB, sub subscriptiondomain.Subscription, start, end time.Time) billingperioddomain.BillingPeriod {
	t.Helper()
	period := billingperioddomain.BillingPeriod{
		ID:             f.Node.Generate(),
		OrgID:          sub.OrgID,
		SubscriptionID: sub.ID,
		StartDate:      start,
		EndDate:        end,
		Status:         billingperioddomain.BillingPeriodStatusActive,
		Livemode:       sub.Livemode,
		CreatedAt:      start,
		UpdatedAt:      start,
	}
	if err := billingperiodrepo.Provide().Insert(t.Context(), f.DB, &period); err != nil {
		t.Fatalf("insert billing period: %v", err)
	}
	return period
}

// FeatureItem seeds a metered item; pass a zero meter for a non-metered toggle.
func (f *Fixture) FeatureItem(
	t testing.TB,
	sub subscriptiondomain.Subscription,
	meterID snowflake.ID,
	amount int64,
	frequency subscriptiondomain.RenewalFrequency,
) subscriptiondomain.SubscriptionFeatureItem {
	t.Helper()
	item := subscriptiondomain.SubscriptionFeatureItem{
		ID:               f.Node.Generate(),
		OrgID:            sub.OrgID,
		SubscriptionID:   sub.ID,
		FeatureCode:      "feature_" + f.Node.Generate().String(),
		Amount:           amount,
		RenewalFrequency: frequency,
		CreatedAt:        sub.CreatedAt,
		UpdatedAt:        sub.CreatedAt,
	}
	if meterID != 0 {
		id := meterID
		item.UsageMeterID = &id
	}
	if err := subscriptionrepo.Provide().InsertFeatureItems(t.Context(), f.DB, []subscriptiondomain.SubscriptionFeatureItem{item}); err != nil {
		t.Fatalf("insert feature item: %v", err)
	}
	return item
}
