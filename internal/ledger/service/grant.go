package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	usagecreditdomain "github.com/smallbiznis/creditledger/internal/usagecredit/domain"
	"github.com/samber/lo"
	"gorm.io/gorm"
)

// grantCredits issues one usage credit per owed entitlement and recognizes each
// newly inserted credit with a credit entry. Entitlements already granted for
// the same billing period are skipped by the credit store.
func (s *Service) grantCredits(
	ctx context.Context,
	tx *gorm.DB,
	accounts accountsByMeter,
	header ledgerdomain.LedgerTransaction,
	cmd ledgerdomain.TransitionCommand,
) (ledgerdomain.GrantResult, error) {
	empty := ledgerdomain.GrantResult{
		UsageCredits:  []usagecreditdomain.UsageCredit{},
		LedgerEntries: []ledgerdomain.LedgerEntry{},
	}

	standard, isStandard := cmd.AsStandard()
	isInitialGrant := !isStandard || standard.PreviousBillingPeriod == nil

	items := meteredItems(cmd.SubscriptionFeatureItems)
	if !isInitialGrant {
		items = lo.Filter(items, func(item subscriptiondomain.SubscriptionFeatureItem, _ int) bool {
			return item.RenewalFrequency == subscriptiondomain.RenewalFrequencyEveryBillingPeriod
		})
	}
	if len(items) == 0 {
		return empty, nil
	}

	if missing := accounts.missing(meteredUsageMeterIDs(items)); len(missing) > 0 {
		created, err := s.repo.FindOrCreateLedgerAccountsForSubscriptionAndUsageMeters(ctx, tx, cmd.Subscription.ID, missing)
		if err != nil {
			return ledgerdomain.GrantResult{}, err
		}
		accounts.merge(created)
		if still := accounts.missing(missing); len(still) > 0 {
			return ledgerdomain.GrantResult{}, ledgerdomain.NewNotFoundError("ledger_account", still[0].String())
		}
	}

	now := s.clock.Now()
	sub := cmd.Subscription
	credits := make([]usagecreditdomain.UsageCredit, 0, len(items))
	for _, item := range items {
		credit := usagecreditdomain.UsageCredit{
			ID:                  s.genID.Generate(),
			OrgID:               sub.OrgID,
			SubscriptionID:      sub.ID,
			UsageMeterID:        *item.UsageMeterID,
			Livemode:            sub.Livemode,
			Status:              usagecreditdomain.StatusPosted,
			CreditType:          usagecreditdomain.CreditTypeGrant,
			IssuedAmount:        item.Amount,
			SourceReferenceType: usagecreditdomain.SourceReferenceBillingPeriodTransition,
			SourceReferenceID:   item.ID,
			CreatedAt:           now,
		}
		if isStandard {
			periodID := standard.NewBillingPeriod.ID
			credit.BillingPeriodID = &periodID
			if item.RenewalFrequency == subscriptiondomain.RenewalFrequencyEveryBillingPeriod {
				expiresAt := standard.NewBillingPeriod.EndDate.UTC()
				credit.ExpiresAt = &expiresAt
			}
		}
		credits = append(credits, credit)
	}

	inserted, err := s.usageCredits.BulkInsertOrDoNothingBySourceReferenceAndBillingPeriod(ctx, tx, credits)
	if err != nil {
		return ledgerdomain.GrantResult{}, err
	}
	if len(inserted) == 0 {
		return empty, nil
	}

	entryTimestamp := grantTimestamp(cmd, now)
	entries := make([]ledgerdomain.LedgerEntry, 0, len(inserted))
	for _, credit := range inserted {
		account, ok := accounts[credit.UsageMeterID]
		if !ok {
			return ledgerdomain.GrantResult{}, ledgerdomain.NewNotFoundError("ledger_account", credit.UsageMeterID.String())
		}
		creditID := credit.ID
		entries = append(entries, ledgerdomain.LedgerEntry{
			ID:                  s.genID.Generate(),
			LedgerTransactionID: header.ID,
			LedgerAccountID:     account.ID,
			OrgID:               sub.OrgID,
			SubscriptionID:      sub.ID,
			Livemode:            sub.Livemode,
			Status:              ledgerdomain.LedgerEntryStatusPosted,
			EntryTimestamp:      entryTimestamp,
			Direction:           ledgerdomain.LedgerEntryDirectionCredit,
			EntryType:           ledgerdomain.EntryTypeCreditGrantRecognized,
			Amount:              credit.IssuedAmount,
			Description:         fmt.Sprintf("Usage credit %s granted", creditID),
			BillingPeriodID:     cloneID(credit.BillingPeriodID),
			SourceUsageCreditID: &creditID,
			CreatedAt:           now,
		})
	}

	written, err := s.repo.BulkInsertLedgerEntries(ctx, tx, entries)
	if err != nil {
		return ledgerdomain.GrantResult{}, err
	}
	return ledgerdomain.GrantResult{UsageCredits: inserted, LedgerEntries: written}, nil
}

// grantTimestamp places period grants at the start of the period they fund.
func grantTimestamp(cmd ledgerdomain.TransitionCommand, now time.Time) time.Time {
	if standard, ok := cmd.AsStandard(); ok {
		return standard.NewBillingPeriod.StartDate.UTC()
	}
	return now
}

func cloneID(id *snowflake.ID) *snowflake.ID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}
