// Package domain contains persistence models for subscriptions and their feature items.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "ACTIVE"
	SubscriptionStatusTrialing SubscriptionStatus = "TRIALING"
	SubscriptionStatusPastDue  SubscriptionStatus = "PAST_DUE"
	SubscriptionStatusCanceled SubscriptionStatus = "CANCELED"
	SubscriptionStatusEnded    SubscriptionStatus = "ENDED"
)

// RenewalFrequency controls whether a feature item is granted once or every period.
type RenewalFrequency string

const (
	RenewalFrequencyOnce               RenewalFrequency = "once"
	RenewalFrequencyEveryBillingPeriod RenewalFrequency = "every_billing_period"
)

func (f RenewalFrequency) Valid() bool {
	return f == RenewalFrequencyOnce || f == RenewalFrequencyEveryBillingPeriod
}

var (
	ErrInvalidSubscription     = errors.New("invalid_subscription")
	ErrInvalidRenewalFrequency = errors.New("invalid_renewal_frequency")
)

// Subscription captures a customer's billing agreement. Renews is false for
// non-renewing plans, which have no billing periods.
type Subscription struct {
	ID         snowflake.ID       `gorm:"primaryKey;autoIncrement:false"`
	OrgID      snowflake.ID       `gorm:"not null;index"`
	CustomerID snowflake.ID       `gorm:"not null;index"`
	Status     SubscriptionStatus `gorm:"type:text;not null"`
	Renews     bool               `gorm:"not null"`
	Livemode   bool               `gorm:"not null"`
	StartAt    time.Time          `gorm:"not null"`
	EndedAt    *time.Time
	Metadata   datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt  time.Time         `gorm:"not null"`
	UpdatedAt  time.Time         `gorm:"not null"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// IsActive reports whether the subscription still accrues entitlements.
func (s Subscription) IsActive() bool {
	switch s.Status {
	case SubscriptionStatusActive, SubscriptionStatusTrialing, SubscriptionStatusPastDue:
		return true
	default:
		return false
	}
}

// SubscriptionFeatureItem is an entitlement on a subscription. Items with a
// usage meter grant Amount units of usage credit; items without one are
// feature toggles and never reach the ledger.
type SubscriptionFeatureItem struct {
	ID               snowflake.ID     `gorm:"primaryKey;autoIncrement:false"`
	OrgID            snowflake.ID     `gorm:"not null;index"`
	SubscriptionID   snowflake.ID     `gorm:"not null;index"`
	FeatureCode      string           `gorm:"type:text;not null"`
	UsageMeterID     *snowflake.ID    `gorm:"index"`
	Amount           int64            `gorm:"not null"`
	RenewalFrequency RenewalFrequency `gorm:"type:text;not null"`
	ExpiredAt        *time.Time
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

// TableName sets the database table name.
func (SubscriptionFeatureItem) TableName() string { return "subscription_feature_items" }

// IsMetered reports whether the item grants usage credits.
func (i SubscriptionFeatureItem) IsMetered() bool {
	return i.UsageMeterID != nil && *i.UsageMeterID != 0
}
