package domain

import (
	"github.com/bwmarrin/snowflake"
	billingperioddomain "github.com/smallbiznis/creditledger/internal/billingperiod/domain"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	usagecreditdomain "github.com/smallbiznis/creditledger/internal/usagecredit/domain"
)

type PayloadKind string

const (
	PayloadKindStandard    PayloadKind = "standard"
	PayloadKindNonRenewing PayloadKind = "non_renewing"
)

// Payload is implemented only by StandardPayload and NonRenewingPayload.
// Consumers switch on the concrete type.
type Payload interface {
	Kind() PayloadKind
	isTransitionPayload()
}

// StandardPayload moves a renewing subscription into NewBillingPeriod.
// PreviousBillingPeriod is nil for the first period.
type StandardPayload struct {
	PreviousBillingPeriod *billingperioddomain.BillingPeriod
	NewBillingPeriod      billingperioddomain.BillingPeriod
}

func (StandardPayload) Kind() PayloadKind   { return PayloadKindStandard }
func (StandardPayload) isTransitionPayload() {}

// NonRenewingPayload grants a non-renewing subscription its evergreen credits.
type NonRenewingPayload struct{}

func (NonRenewingPayload) Kind() PayloadKind   { return PayloadKindNonRenewing }
func (NonRenewingPayload) isTransitionPayload() {}

// TransitionCommand is the input of ProcessBillingPeriodTransition.
type TransitionCommand struct {
	Subscription             subscriptiondomain.Subscription
	SubscriptionFeatureItems []subscriptiondomain.SubscriptionFeatureItem
	Payload                  Payload
}

// TransitionResult is the header and every entry written for one transition.
type TransitionResult struct {
	LedgerTransaction LedgerTransaction
	LedgerEntries     []LedgerEntry
	UsageCredits      []usagecreditdomain.UsageCredit
}

// GrantResult is the output of the grant step.
type GrantResult struct {
	UsageCredits  []usagecreditdomain.UsageCredit
	LedgerEntries []LedgerEntry
}

// Validate checks the command shape before anything is written.
func (c TransitionCommand) Validate() error {
	if c.Subscription.ID == 0 {
		return NewValidationError("subscription.id", "is required")
	}
	if c.Subscription.OrgID == 0 {
		return NewValidationError("subscription.org_id", "is required")
	}

	switch p := c.Payload.(type) {
	case StandardPayload:
		if err := validateStandardPayload(c.Subscription.ID, p); err != nil {
			return err
		}
	case *StandardPayload:
		if p == nil {
			return NewValidationError("payload", "is required")
		}
		if err := validateStandardPayload(c.Subscription.ID, *p); err != nil {
			return err
		}
	case NonRenewingPayload, *NonRenewingPayload:
	case nil:
		return NewValidationError("payload", "is required")
	default:
		return NewValidationError("payload", "unknown payload type")
	}

	for _, item := range c.SubscriptionFeatureItems {
		if item.ID == 0 {
			return NewValidationError("subscription_feature_items.id", "is required")
		}
		if item.Amount < 0 {
			return NewValidationError("subscription_feature_items.amount", "must not be negative")
		}
		if !item.RenewalFrequency.Valid() {
			return NewValidationError("subscription_feature_items.renewal_frequency", "unknown renewal frequency "+string(item.RenewalFrequency))
		}
	}
	return nil
}

func validateStandardPayload(subscriptionID snowflake.ID, p StandardPayload) error {
	period := p.NewBillingPeriod
	if period.ID == 0 {
		return NewValidationError("new_billing_period", "is required")
	}
	if !period.EndDate.After(period.StartDate) {
		return NewValidationError("new_billing_period.end_date", "must be after start_date")
	}
	if period.SubscriptionID != 0 && period.SubscriptionID != subscriptionID {
		return NewValidationError("new_billing_period.subscription_id", "belongs to another subscription")
	}
	if prev := p.PreviousBillingPeriod; prev != nil {
		if prev.ID == period.ID {
			return NewValidationError("previous_billing_period", "must differ from new_billing_period")
		}
		if prev.SubscriptionID != 0 && prev.SubscriptionID != subscriptionID {
			return NewValidationError("previous_billing_period.subscription_id", "belongs to another subscription")
		}
		if prev.EndDate.After(period.StartDate) {
			return NewValidationError("previous_billing_period.end_date", "must not be after new_billing_period.start_date")
		}
	}
	return nil
}

// AsStandard returns the standard payload when the command carries one.
func (c TransitionCommand) AsStandard() (StandardPayload, bool) {
	switch p := c.Payload.(type) {
	case StandardPayload:
		return p, true
	case *StandardPayload:
		if p != nil {
			return *p, true
		}
	}
	return StandardPayload{}, false
}
