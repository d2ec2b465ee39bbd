package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	"github.com/samber/lo"
	"gorm.io/gorm"
)

type accountsByMeter map[snowflake.ID]ledgerdomain.LedgerAccount

func (m accountsByMeter) merge(accounts []ledgerdomain.LedgerAccount) {
	for _, account := range accounts {
		if account.UsageMeterID == nil {
			continue
		}
		m[*account.UsageMeterID] = account
	}
}

func (m accountsByMeter) missing(meterIDs []snowflake.ID) []snowflake.ID {
	return lo.Filter(meterIDs, func(id snowflake.ID, _ int) bool {
		_, ok := m[id]
		return !ok
	})
}

// resolveAccounts loads the subscription's accounts and creates the ones
// missing for meters referenced by the command's feature items.
func (s *Service) resolveAccounts(ctx context.Context, tx *gorm.DB, cmd ledgerdomain.TransitionCommand) (accountsByMeter, error) {
	existing, err := s.repo.SelectLedgerAccounts(ctx, tx, ledgerdomain.LedgerAccountFilter{SubscriptionID: cmd.Subscription.ID})
	if err != nil {
		return nil, err
	}
	accounts := accountsByMeter{}
	accounts.merge(existing)

	// Always resolved, even for an empty meter set, so an unknown subscription
	// surfaces as not found.
	resolved, err := s.repo.FindOrCreateLedgerAccountsForSubscriptionAndUsageMeters(
		ctx, tx, cmd.Subscription.ID, accounts.missing(meteredUsageMeterIDs(cmd.SubscriptionFeatureItems)),
	)
	if err != nil {
		return nil, err
	}
	accounts.merge(resolved)
	return accounts, nil
}

func meteredItems(items []subscriptiondomain.SubscriptionFeatureItem) []subscriptiondomain.SubscriptionFeatureItem {
	return lo.Filter(items, func(item subscriptiondomain.SubscriptionFeatureItem, _ int) bool {
		return item.IsMetered()
	})
}

func meteredUsageMeterIDs(items []subscriptiondomain.SubscriptionFeatureItem) []snowflake.ID {
	return lo.Uniq(lo.Map(meteredItems(items), func(item subscriptiondomain.SubscriptionFeatureItem, _ int) snowflake.ID {
		return *item.UsageMeterID
	}))
}

func accountIDs(accounts []ledgerdomain.LedgerAccount) []snowflake.ID {
	return lo.Map(accounts, func(account ledgerdomain.LedgerAccount, _ int) snowflake.ID { return account.ID })
}
