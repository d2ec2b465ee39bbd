package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// BillingPeriodStatus represents the lifecycle of a billing period.
type BillingPeriodStatus string

const (
	BillingPeriodStatusUpcoming BillingPeriodStatus = "UPCOMING"
	BillingPeriodStatusActive   BillingPeriodStatus = "ACTIVE"
	BillingPeriodStatusClosed   BillingPeriodStatus = "CLOSED"
)

var ErrInvalidPeriod = errors.New("invalid_billing_period")

// BillingPeriod is a contiguous [StartDate, EndDate) window of a renewing subscription.
type BillingPeriod struct {
	ID             snowflake.ID        `gorm:"primaryKey;autoIncrement:false"`
	OrgID          snowflake.ID        `gorm:"not null;index"`
	SubscriptionID snowflake.ID        `gorm:"not null;index"`
	StartDate      time.Time           `gorm:"not null"`
	EndDate        time.Time           `gorm:"not null"`
	Status         BillingPeriodStatus `gorm:"type:text;not null"`
	Livemode       bool                `gorm:"not null"`
	CreatedAt      time.Time           `gorm:"not null"`
	UpdatedAt      time.Time           `gorm:"not null"`
}

// TableName sets the database table name.
func (BillingPeriod) TableName() string { return "billing_periods" }

// Validate checks the period window.
func (p BillingPeriod) Validate() error {
	if p.ID == 0 || p.SubscriptionID == 0 {
		return ErrInvalidPeriod
	}
	if !p.EndDate.After(p.StartDate) {
		return ErrInvalidPeriod
	}
	return nil
}
