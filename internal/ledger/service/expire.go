package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	"github.com/samber/lo"
	"gorm.io/gorm"
)

// expireCredits debits the remaining balance of every credit that lapsed by the
// start of the new period. Balances come from the full entry history, so a
// credit expired by an earlier run has nothing left and is skipped. A credit
// that regains balance after a correction is debited again under the period
// that closes now.
func (s *Service) expireCredits(
	ctx context.Context,
	tx *gorm.DB,
	header ledgerdomain.LedgerTransaction,
	cmd ledgerdomain.TransitionCommand,
) ([]ledgerdomain.LedgerEntry, error) {
	standard, ok := cmd.AsStandard()
	if !ok {
		return []ledgerdomain.LedgerEntry{}, nil
	}

	accounts, err := s.repo.SelectLedgerAccounts(ctx, tx, ledgerdomain.LedgerAccountFilter{SubscriptionID: cmd.Subscription.ID})
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return []ledgerdomain.LedgerEntry{}, nil
	}

	cutoff := expirationCutoff(standard)
	balances, err := s.repo.AggregateAvailableBalanceForUsageCredit(ctx, tx,
		ledgerdomain.BalanceFilter{LedgerAccountIDs: accountIDs(accounts)}, &cutoff)
	if err != nil {
		return nil, err
	}

	newStart := standard.NewBillingPeriod.StartDate
	lapsed := lo.Filter(balances, func(b ledgerdomain.UsageCreditBalance, _ int) bool {
		return b.LapsedBy(newStart)
	})
	if len(lapsed) == 0 {
		return []ledgerdomain.LedgerEntry{}, nil
	}

	var billingPeriodID *snowflake.ID
	if prev := standard.PreviousBillingPeriod; prev != nil {
		id := prev.ID
		billingPeriodID = &id
	}

	now := s.clock.Now()
	sub := cmd.Subscription
	entries := make([]ledgerdomain.LedgerEntry, 0, len(lapsed))
	for _, balance := range lapsed {
		creditID := balance.UsageCreditID
		entries = append(entries, ledgerdomain.LedgerEntry{
			ID:                  s.genID.Generate(),
			LedgerTransactionID: header.ID,
			LedgerAccountID:     balance.LedgerAccountID,
			OrgID:               sub.OrgID,
			SubscriptionID:      sub.ID,
			Livemode:            sub.Livemode,
			Status:              ledgerdomain.LedgerEntryStatusPosted,
			EntryTimestamp:      cutoff,
			Direction:           ledgerdomain.LedgerEntryDirectionDebit,
			EntryType:           ledgerdomain.EntryTypeCreditGrantExpired,
			Amount:              balance.Balance,
			Description:         fmt.Sprintf("Usage credit %s expired with %d remaining", creditID, balance.Balance),
			BillingPeriodID:     cloneID(billingPeriodID),
			SourceUsageCreditID: &creditID,
			CreatedAt:           now,
		})
	}

	return s.repo.BulkInsertLedgerEntries(ctx, tx, entries)
}

// expirationCutoff is the end of the previous period, or the start of the new
// one for a first period.
func expirationCutoff(standard ledgerdomain.StandardPayload) time.Time {
	if prev := standard.PreviousBillingPeriod; prev != nil {
		return prev.EndDate.UTC()
	}
	return standard.NewBillingPeriod.StartDate.UTC()
}
