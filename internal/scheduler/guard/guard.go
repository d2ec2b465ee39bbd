package guard

import (
	"errors"
	"time"

	billingperioddomain "github.com/smallbiznis/creditledger/internal/billingperiod/domain"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
)

var (
	ErrSubscriptionNotActive  = errors.New("subscription_not_active")
	ErrSubscriptionRenews     = errors.New("subscription_renews")
	ErrSubscriptionNotRenews  = errors.New("subscription_does_not_renew")
	ErrPeriodNotStarted       = errors.New("billing_period_not_started")
	ErrPeriodClosed           = errors.New("billing_period_closed")
	ErrPeriodSubscriptionDiff = errors.New("billing_period_subscription_mismatch")
)

// EnsureSubscriptionCanTransition checks a locked subscription row before a
// transition is written for it.
func EnsureSubscriptionCanTransition(sub subscriptiondomain.Subscription, wantRenews bool) error {
	if !sub.IsActive() {
		return ErrSubscriptionNotActive
	}
	if sub.Renews != wantRenews {
		if sub.Renews {
			return ErrSubscriptionRenews
		}
		return ErrSubscriptionNotRenews
	}
	return nil
}

func EnsurePeriodCanTransition(period billingperioddomain.BillingPeriod, sub subscriptiondomain.Subscription, now time.Time) error {
	if period.SubscriptionID != sub.ID {
		return ErrPeriodSubscriptionDiff
	}
	if period.Status == billingperioddomain.BillingPeriodStatusClosed {
		return ErrPeriodClosed
	}
	if now.Before(period.StartDate) {
		return ErrPeriodNotStarted
	}
	return nil
}

// IsIneligible reports whether err is a guard rejection rather than a failure.
func IsIneligible(err error) bool {
	switch {
	case errors.Is(err, ErrSubscriptionNotActive),
		errors.Is(err, ErrSubscriptionRenews),
		errors.Is(err, ErrSubscriptionNotRenews),
		errors.Is(err, ErrPeriodNotStarted),
		errors.Is(err, ErrPeriodClosed),
		errors.Is(err, ErrPeriodSubscriptionDiff):
		return true
	default:
		return false
	}
}
