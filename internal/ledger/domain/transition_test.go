package domain

import (
	"errors"
	"testing"
	"time"

	billingperioddomain "github.com/smallbiznis/creditledger/internal/billingperiod/domain"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
)

func period(id, subscriptionID int64, start, end time.Time) billingperioddomain.BillingPeriod {
	return billingperioddomain.BillingPeriod{
		ID:             snowflakeID(id),
		SubscriptionID: snowflakeID(subscriptionID),
		StartDate:      start,
		EndDate:        end,
	}
}

func TestTransitionCommandValidate(t *testing.T) {
	jan := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	feb := jan.AddDate(0, 1, 0)
	mar := feb.AddDate(0, 1, 0)
	sub := subscriptiondomain.Subscription{ID: 10, OrgID: 1}
	prev := period(20, 10, jan, feb)
	overlapping := period(21, 10, jan, mar)
	foreign := period(22, 99, jan, feb)
	var nilStandard *StandardPayload

	cases := []struct {
		name    string
		cmd     TransitionCommand
		wantErr bool
	}{
		{"standard first period", TransitionCommand{Subscription: sub, Payload: StandardPayload{NewBillingPeriod: period(30, 10, feb, mar)}}, false},
		{"standard pointer payload", TransitionCommand{Subscription: sub, Payload: &StandardPayload{PreviousBillingPeriod: &prev, NewBillingPeriod: period(30, 10, feb, mar)}}, false},
		{"non renewing", TransitionCommand{Subscription: sub, Payload: NonRenewingPayload{}}, false},
		{"nil payload", TransitionCommand{Subscription: sub}, true},
		{"nil standard pointer", TransitionCommand{Subscription: sub, Payload: nilStandard}, true},
		{"missing subscription", TransitionCommand{Payload: NonRenewingPayload{}}, true},
		{"missing org", TransitionCommand{Subscription: subscriptiondomain.Subscription{ID: 10}, Payload: NonRenewingPayload{}}, true},
		{"missing new period", TransitionCommand{Subscription: sub, Payload: StandardPayload{}}, true},
		{"empty window", TransitionCommand{Subscription: sub, Payload: StandardPayload{NewBillingPeriod: period(30, 10, feb, feb)}}, true},
		{"previous overlaps", TransitionCommand{Subscription: sub, Payload: StandardPayload{PreviousBillingPeriod: &overlapping, NewBillingPeriod: period(30, 10, feb, mar)}}, true},
		{"previous of other subscription", TransitionCommand{Subscription: sub, Payload: StandardPayload{PreviousBillingPeriod: &foreign, NewBillingPeriod: period(30, 10, feb, mar)}}, true},
		{"previous equals new", TransitionCommand{Subscription: sub, Payload: StandardPayload{PreviousBillingPeriod: &prev, NewBillingPeriod: prev}}, true},
		{"negative amount", TransitionCommand{Subscription: sub, Payload: NonRenewingPayload{}, SubscriptionFeatureItems: []subscriptiondomain.SubscriptionFeatureItem{
			{ID: 5, Amount: -1, RenewalFrequency: subscriptiondomain.RenewalFrequencyOnce},
		}}, true},
		{"unknown frequency", TransitionCommand{Subscription: sub, Payload: NonRenewingPayload{}, SubscriptionFeatureItems: []subscriptiondomain.SubscriptionFeatureItem{
			{ID: 5, Amount: 1, RenewalFrequency: "weekly"},
		}}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cmd.Validate()
			if tc.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestAsStandard(t *testing.T) {
	cmd := TransitionCommand{Payload: NonRenewingPayload{}}
	if _, ok := cmd.AsStandard(); ok {
		t.Fatalf("non-renewing payload must not be standard")
	}
	cmd.Payload = &StandardPayload{NewBillingPeriod: billingperioddomain.BillingPeriod{ID: 7}}
	standard, ok := cmd.AsStandard()
	if !ok || standard.NewBillingPeriod.ID != 7 {
		t.Fatalf("expected standard payload, got %+v", standard)
	}
	if cmd.Payload.Kind() != PayloadKindStandard {
		t.Fatalf("unexpected kind %s", cmd.Payload.Kind())
	}
}
