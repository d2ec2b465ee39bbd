package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/smallbiznis/creditledger/internal/clock"
	billingperioddomain "github.com/smallbiznis/creditledger/internal/billingperiod/domain"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	"github.com/smallbiznis/creditledger/internal/ledger/ledgertest"
	ledgerrepo "github.com/smallbiznis/creditledger/internal/ledger/repository"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	usagecreditdomain "github.com/smallbiznis/creditledger/internal/usagecredit/domain"
	usagecreditrepo "github.com/smallbiznis/creditledger/internal/usagecredit/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type harness struct {
	*ledgertest.Fixture
	svc   *Service
	repo  ledgerdomain.Repository
	clock *clock.FakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	f := ledgertest.NewFixture(t)
	clk := clock.NewFakeClock(ledgertest.Date(2026, time.January, 1))
	repo := ledgerrepo.Provide(f.Node)
	svc := NewService(Params{
		DB:           f.DB,
		Log:          zap.NewNop(),
		GenID:        f.Node,
		Clock:        clk,
		Repo:         repo,
		UsageCredits: usagecreditrepo.Provide(),
	}).(*Service)
	return &harness{Fixture: f, svc: svc, repo: repo, clock: clk}
}

func standardCommand(
	sub subscriptiondomain.Subscription,
	previous *billingperioddomain.BillingPeriod,
	next billingperioddomain.BillingPeriod,
	items ...subscriptiondomain.SubscriptionFeatureItem,
) ledgerdomain.TransitionCommand {
	return ledgerdomain.TransitionCommand{
		Subscription:             sub,
		SubscriptionFeatureItems: items,
		Payload: ledgerdomain.StandardPayload{
			PreviousBillingPeriod: previous,
			NewBillingPeriod:      next,
		},
	}
}

func nonRenewingCommand(sub subscriptiondomain.Subscription, items ...subscriptiondomain.SubscriptionFeatureItem) ledgerdomain.TransitionCommand {
	return ledgerdomain.TransitionCommand{
		Subscription:             sub,
		SubscriptionFeatureItems: items,
		Payload:                  ledgerdomain.NonRenewingPayload{},
	}
}

func (h *harness) creditBalances(t *testing.T, subscriptionID snowflake.ID) map[snowflake.ID]int64 {
	t.Helper()
	balances, err := h.svc.GetUsageCreditBalances(context.Background(), nil, subscriptionID, nil)
	require.NoError(t, err)
	out := map[snowflake.ID]int64{}
	for _, b := range balances {
		out[b.UsageCreditID] = b.Balance
	}
	return out
}

func (h *harness) totalBalance(t *testing.T, subscriptionID snowflake.ID) int64 {
	t.Helper()
	balances, err := h.svc.GetAccountBalances(context.Background(), nil, subscriptionID, nil)
	require.NoError(t, err)
	var total int64
	for _, b := range balances {
		total += b.Balance
	}
	return total
}

func entriesOfType(entries []ledgerdomain.LedgerEntry, entryType ledgerdomain.LedgerEntryType) []ledgerdomain.LedgerEntry {
	var out []ledgerdomain.LedgerEntry
	for _, e := range entries {
		if e.EntryType == entryType {
			out = append(out, e)
		}
	}
	return out
}

func countRows(t *testing.T, db *gorm.DB, model any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(model).Count(&n).Error)
	return n
}

func TestInitialStandardTransitionGrantsExpiringCredit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.Subscription(t, true)
	meterID := h.Node.Generate()
	item := h.FeatureItem(t, sub, meterID, 1000, subscriptiondomain.RenewalFrequencyEveryBillingPeriod)
	period := h.Period(t, sub, ledgertest.Date(2026, time.January, 1), ledgertest.Date(2026, time.February, 1))

	result, err := h.svc.ProcessBillingPeriodTransition(ctx, nil, standardCommand(sub, nil, period, item))
	require.NoError(t, err)

	assert.Equal(t, ledgerdomain.InitiatingSourceBillingPeriod, result.LedgerTransaction.InitiatingSourceType)
	assert.Equal(t, period.ID, result.LedgerTransaction.InitiatingSourceID)
	assert.Equal(t, ledgerdomain.TransactionTypeBillingPeriodTransition, result.LedgerTransaction.Type)

	require.Len(t, result.UsageCredits, 1)
	credit := result.UsageCredits[0]
	assert.Equal(t, int64(1000), credit.IssuedAmount)
	require.NotNil(t, credit.ExpiresAt)
	assert.True(t, credit.ExpiresAt.Equal(period.EndDate))
	require.NotNil(t, credit.BillingPeriodID)
	assert.Equal(t, period.ID, *credit.BillingPeriodID)
	assert.Equal(t, item.ID, credit.SourceReferenceID)
	assert.Equal(t, usagecreditdomain.SourceReferenceBillingPeriodTransition, credit.SourceReferenceType)

	require.Len(t, result.LedgerEntries, 1)
	entry := result.LedgerEntries[0]
	assert.Equal(t, ledgerdomain.EntryTypeCreditGrantRecognized, entry.EntryType)
	assert.Equal(t, ledgerdomain.LedgerEntryDirectionCredit, entry.Direction)
	assert.Equal(t, int64(1000), entry.Amount)
	assert.Equal(t, result.LedgerTransaction.ID, entry.LedgerTransactionID)
	require.NotNil(t, entry.SourceUsageCreditID)
	assert.Equal(t, credit.ID, *entry.SourceUsageCreditID)
	assert.True(t, entry.EntryTimestamp.Equal(period.StartDate))

	assert.Equal(t, int64(1000), h.totalBalance(t, sub.ID))
}

func TestGrantIsIdempotentAcrossRetries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.Subscription(t, true)
	item := h.FeatureItem(t, sub, h.Node.Generate(), 1000, subscriptiondomain.RenewalFrequencyEveryBillingPeriod)
	period := h.Period(t, sub, ledgertest.Date(2026, time.January, 1), ledgertest.Date(2026, time.February, 1))
	cmd := standardCommand(sub, nil, period, item)

	first, err := h.svc.ProcessBillingPeriodTransition(ctx, nil, cmd)
	require.NoError(t, err)
	require.Len(t, first.LedgerEntries, 1)

	second, err := h.svc.ProcessBillingPeriodTransition(ctx, nil, cmd)
	require.NoError(t, err)
	assert.Empty(t, second.UsageCredits)
	assert.Empty(t, second.LedgerEntries)

	assert.Equal(t, int64(1), countRows(t, h.DB, &usagecreditdomain.UsageCredit{}))
	assert.Equal(t, int64(1000), h.totalBalance(t, sub.ID))
}

func TestGrantStepReturnsNothingForAlreadyGrantedItems(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.Subscription(t, true)
	item := h.FeatureItem(t, sub, h.Node.Generate(), 250, subscriptiondomain.RenewalFrequencyOnce)
	period := h.Period(t, sub, ledgertest.Date(2026, time.January, 1), ledgertest.Date(2026, time.February, 1))
	cmd := standardCommand(sub, nil, period, item)

	err := h.DB.Transaction(func(tx *gorm.DB) error {
		header, err := h.repo.InsertLedgerTransaction(ctx, tx, h.svc.buildTransactionHeader(cmd))
		require.NoError(t, err)
		accounts, err := h.svc.resolveAccounts(ctx, tx, cmd)
		require.NoError(t, err)

		first, err := h.svc.grantCredits(ctx, tx, accounts, header, cmd)
		require.NoError(t, err)
		require.Len(t, first.UsageCredits, 1)
		assert.Nil(t, first.UsageCredits[0].ExpiresAt, "one-time grants never expire")

		second, err := h.svc.grantCredits(ctx, tx, accounts, header, cmd)
		require.NoError(t, err)
		assert.Empty(t, second.UsageCredits)
		assert.Empty(t, second.LedgerEntries)
		return nil
	})
	require.NoError(t, err)
}

func TestRenewalFrequencyGating(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.Subscription(t, true)
	once := h.FeatureItem(t, sub, h.Node.Generate(), 200, subscriptiondomain.RenewalFrequencyOnce)
	every := h.FeatureItem(t, sub, h.Node.Generate(), 1000, subscriptiondomain.RenewalFrequencyEveryBillingPeriod)
	jan := h.Period(t, sub, ledgertest.Date(2026, time.January, 1), ledgertest.Date(2026, time.February, 1))
	feb := h.Period(t, sub, ledgertest.Date(2026, time.February, 1), ledgertest.Date(2026, time.March, 1))

	initial, err := h.svc.ProcessBillingPeriodTransition(ctx, nil, standardCommand(sub, nil, jan, once, every))
	require.NoError(t, err)
	require.Len(t, initial.UsageCredits, 2)

	renewal, err := h.svc.ProcessBillingPeriodTransition(ctx, nil, standardCommand(sub, &jan, feb, once, every))
	require.NoError(t, err)
	require.Len(t, renewal.UsageCredits, 1)
	assert.Equal(t, every.ID, renewal.UsageCredits[0].SourceReferenceID)
	require.NotNil(t, renewal.UsageCredits[0].ExpiresAt)
	assert.True(t, renewal.UsageCredits[0].ExpiresAt.Equal(feb.EndDate))

	grants := entriesOfType(renewal.LedgerEntries, ledgerdomain.EntryTypeCreditGrantRecognized)
	require.Len(t, grants, 1)
	assert.Equal(t, int64(1000), grants[0].Amount)
}

func TestNonRenewingGrantsAreEvergreenAndIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.Subscription(t, false)
	once := h.FeatureItem(t, sub, h.Node.Generate(), 300, subscriptiondomain.RenewalFrequencyOnce)
	every := h.FeatureItem(t, sub, h.Node.Generate(), 700, subscriptiondomain.RenewalFrequencyEveryBillingPeriod)
	cmd := nonRenewingCommand(sub, once, every)

	first, err := h.svc.ProcessBillingPeriodTransition(ctx, nil, cmd)
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.InitiatingSourceSubscription, first.LedgerTransaction.InitiatingSourceType)
	assert.Equal(t, sub.ID, first.LedgerTransaction.InitiatingSourceID)
	require.Len(t, first.UsageCredits, 2)
	for _, credit := range first.UsageCredits {
		assert.Nil(t, credit.ExpiresAt)
		assert.Nil(t, credit.BillingPeriodID)
	}
	for _, entry := range first.LedgerEntries {
		assert.True(t, entry.EntryTimestamp.Equal(h.clock.Now()))
		assert.Nil(t, entry.BillingPeriodID)
	}

	second, err := h.svc.ProcessBillingPeriodTransition(ctx, nil, cmd)
	require.NoError(t, err)
	assert.Empty(t, second.UsageCredits)
	assert.Empty(t, second.LedgerEntries)
	assert.Equal(t, int64(1000), h.totalBalance(t, sub.ID))
}

func TestExpirationDebitsOnlyRemainingBalance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.Subscription(t, true)
	meterID := h.Node.Generate()
	item := h.FeatureItem(t, sub, meterID, 1000, subscriptiondomain.RenewalFrequencyEveryBillingPeriod)
	jan := h.Period(t, sub, ledgertest.Date(2026, time.January, 1), ledgertest.Date(2026, time.February, 1))
	feb := h.Period(t, sub, ledgertest.Date(2026, time.February, 1), ledgertest.Date(2026, time.March, 1))

	initial, err := h.svc.ProcessBillingPeriodTransition(ctx, nil, standardCommand(sub, nil, jan, item))
	require.NoError(t, err)
	janCredit := initial.UsageCredits[0]
	grant := initial.LedgerEntries[0]

	usageTx, err := h.repo.InsertLedgerTransaction(ctx, h.DB, ledgerdomain.LedgerTransaction{
		OrgID:                sub.OrgID,
		SubscriptionID:       sub.ID,
		Type:                 ledgerdomain.TransactionTypeUsageEventProcessed,
		InitiatingSourceType: ledgerdomain.InitiatingSourceUsageEvent,
		InitiatingSourceID:   h.Node.Generate(),
	})
	require.NoError(t, err)
	applicationID := h.Node.Generate()
	creditID := janCredit.ID
	_, err = h.repo.BulkInsertLedgerEntries(ctx, h.DB, []ledgerdomain.LedgerEntry{{
		LedgerTransactionID:       usageTx.ID,
		LedgerAccountID:           grant.LedgerAccountID,
		OrgID:                     sub.OrgID,
		SubscriptionID:            sub.ID,
		Status:                    ledgerdomain.LedgerEntryStatusPosted,
		EntryTimestamp:            ledgertest.Date(2026, time.January, 15),
		Direction:                 ledgerdomain.LedgerEntryDirectionDebit,
		EntryType:                 ledgerdomain.EntryTypeCreditApplicationDebitFromCreditBalance,
		Amount:                    400,
		SourceCreditApplicationID: &applicationID,
		SourceUsageCreditID:       &creditID,
	}})
	require.NoError(t, err)

	renewal, err := h.svc.ProcessBillingPeriodTransition(ctx, nil, standardCommand(sub, &jan, feb, item))
	require.NoError(t, err)

	expired := entriesOfType(renewal.LedgerEntries, ledgerdomain.EntryTypeCreditGrantExpired)
	require.Len(t, expired, 1)
	assert.Equal(t, int64(600), expired[0].Amount)
	assert.Equal(t, ledgerdomain.LedgerEntryDirectionDebit, expired[0].Direction)
	require.NotNil(t, expired[0].SourceUsageCreditID)
	assert.Equal(t, janCredit.ID, *expired[0].SourceUsageCreditID)
	assert.True(t, expired[0].EntryTimestamp.Equal(jan.EndDate))

	// Grants come first in the combined result.
	assert.Equal(t, ledgerdomain.EntryTypeCreditGrantRecognized, renewal.LedgerEntries[0].EntryType)
	assert.Equal(t, ledgerdomain.EntryTypeCreditGrantExpired, renewal.LedgerEntries[len(renewal.LedgerEntries)-1].EntryType)

	balances := h.creditBalances(t, sub.ID)
	assert.Equal(t, int64(0), balances[janCredit.ID])
	assert.Equal(t, int64(1000), balances[renewal.UsageCredits[0].ID])
	assert.Equal(t, int64(1000), h.totalBalance(t, sub.ID))
}

func TestDiscardedApplicationAfterExpiryIsExpiredNextPeriod(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.Subscription(t, true)
	item := h.FeatureItem(t, sub, h.Node.Generate(), 1000, subscriptiondomain.RenewalFrequencyEveryBillingPeriod)
	jan := h.Period(t, sub, ledgertest.Date(2026, time.January, 1), ledgertest.Date(2026, time.February, 1))
	feb := h.Period(t, sub, ledgertest.Date(2026, time.February, 1), ledgertest.Date(2026, time.March, 1))
	mar := h.Period(t, sub, ledgertest.Date(2026, time.March, 1), ledgertest.Date(2026, time.April, 1))

	initial, err := h.svc.ProcessBillingPeriodTransition(ctx, nil, standardCommand(sub, nil, jan, item))
	require.NoError(t, err)
	janCredit := initial.UsageCredits[0]

	usageTx, err := h.repo.InsertLedgerTransaction(ctx, h.DB, ledgerdomain.LedgerTransaction{
		OrgID:                sub.OrgID,
		SubscriptionID:       sub.ID,
		Type:                 ledgerdomain.TransactionTypeUsageEventProcessed,
		InitiatingSourceType: ledgerdomain.InitiatingSourceUsageEvent,
		InitiatingSourceID:   h.Node.Generate(),
	})
	require.NoError(t, err)
	applied, err := h.repo.BulkInsertLedgerEntries(ctx, h.DB, []ledgerdomain.LedgerEntry{{
		LedgerTransactionID:       usageTx.ID,
		LedgerAccountID:           initial.LedgerEntries[0].LedgerAccountID,
		OrgID:                     sub.OrgID,
		SubscriptionID:            sub.ID,
		Status:                    ledgerdomain.LedgerEntryStatusPosted,
		EntryTimestamp:            ledgertest.Date(2026, time.January, 15),
		Direction:                 ledgerdomain.LedgerEntryDirectionDebit,
		EntryType:                 ledgerdomain.EntryTypeCreditApplicationDebitFromCreditBalance,
		Amount:                    400,
		SourceCreditApplicationID: ptrID(h.Node.Generate()),
		SourceUsageCreditID:       ptrID(janCredit.ID),
	}})
	require.NoError(t, err)

	renewal, err := h.svc.ProcessBillingPeriodTransition(ctx, nil, standardCommand(sub, &jan, feb, item))
	require.NoError(t, err)
	expired := entriesOfType(renewal.LedgerEntries, ledgerdomain.EntryTypeCreditGrantExpired)
	require.Len(t, expired, 1)
	require.Equal(t, int64(600), expired[0].Amount)

	// Correcting the application restores 400 on a credit that already expired.
	_, err = h.svc.DiscardEntries(ctx, nil, []snowflake.ID{applied[0].ID})
	require.NoError(t, err)
	require.Equal(t, int64(400), h.creditBalances(t, sub.ID)[janCredit.ID])

	next, err := h.svc.ProcessBillingPeriodTransition(ctx, nil, standardCommand(sub, &feb, mar, item))
	require.NoError(t, err)
	require.Len(t, next.UsageCredits, 1)

	residual := lo.Filter(entriesOfType(next.LedgerEntries, ledgerdomain.EntryTypeCreditGrantExpired),
		func(e ledgerdomain.LedgerEntry, _ int) bool { return *e.SourceUsageCreditID == janCredit.ID })
	require.Len(t, residual, 1)
	assert.Equal(t, int64(400), residual[0].Amount)
	require.NotNil(t, residual[0].BillingPeriodID)
	assert.Equal(t, feb.ID, *residual[0].BillingPeriodID)

	balances := h.creditBalances(t, sub.ID)
	assert.Equal(t, int64(0), balances[janCredit.ID])
	assert.Equal(t, int64(0), balances[renewal.UsageCredits[0].ID])
	assert.Equal(t, int64(1000), h.totalBalance(t, sub.ID))
}

func TestUnusedCreditExpiresAtPriorPeriodEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.Subscription(t, true)
	item := h.FeatureItem(t, sub, h.Node.Generate(), 500, subscriptiondomain.RenewalFrequencyEveryBillingPeriod)
	jan := h.Period(t, sub, ledgertest.Date(2026, time.January, 1), ledgertest.Date(2026, time.February, 1))
	feb := h.Period(t, sub, ledgertest.Date(2026, time.February, 1), ledgertest.Date(2026, time.March, 1))

	_, err := h.svc.ProcessBillingPeriodTransition(ctx, nil, standardCommand(sub, nil, jan, item))
	require.NoError(t, err)

	cmd := standardCommand(sub, &jan, feb, item)
	renewal, err := h.svc.ProcessBillingPeriodTransition(ctx, nil, cmd)
	require.NoError(t, err)
	expired := entriesOfType(renewal.LedgerEntries, ledgerdomain.EntryTypeCreditGrantExpired)
	require.Len(t, expired, 1)
	assert.Equal(t, int64(500), expired[0].Amount)

	retry, err := h.svc.ProcessBillingPeriodTransition(ctx, nil, cmd)
	require.NoError(t, err)
	assert.Empty(t, retry.LedgerEntries, "a retried transition finds nothing left to grant or expire")
	assert.Equal(t, int64(500), h.totalBalance(t, sub.ID))
}

func TestEvergreenCreditsNeverExpire(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.Subscription(t, true)
	item := h.FeatureItem(t, sub, h.Node.Generate(), 300, subscriptiondomain.RenewalFrequencyOnce)

	var previous *billingperioddomain.BillingPeriod
	start := ledgertest.Date(2026, time.January, 1)
	for i := 0; i < 4; i++ {
		end := start.AddDate(0, 1, 0)
		period := h.Period(t, sub, start, end)
		result, err := h.svc.ProcessBillingPeriodTransition(ctx, nil, standardCommand(sub, previous, period, item))
		require.NoError(t, err)
		assert.Empty(t, entriesOfType(result.LedgerEntries, ledgerdomain.EntryTypeCreditGrantExpired))
		previous = &period
		start = end
	}
	assert.Equal(t, int64(300), h.totalBalance(t, sub.ID))
}

func TestNonMeteredItemsAreIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.Subscription(t, true)
	toggle := h.FeatureItem(t, sub, 0, 1, subscriptiondomain.RenewalFrequencyEveryBillingPeriod)
	period := h.Period(t, sub, ledgertest.Date(2026, time.January, 1), ledgertest.Date(2026, time.February, 1))

	result, err := h.svc.ProcessBillingPeriodTransition(ctx, nil, standardCommand(sub, nil, period, toggle))
	require.NoError(t, err)
	assert.Empty(t, result.UsageCredits)
	assert.Empty(t, result.LedgerEntries)
	assert.Equal(t, int64(0), countRows(t, h.DB, &ledgerdomain.LedgerAccount{}))
}

func TestInvalidCommandsAreRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.Subscription(t, true)
	period := h.Period(t, sub, ledgertest.Date(2026, time.January, 1), ledgertest.Date(2026, time.February, 1))
	negative := subscriptiondomain.SubscriptionFeatureItem{
		ID:               h.Node.Generate(),
		Amount:           -1,
		RenewalFrequency: subscriptiondomain.RenewalFrequencyOnce,
	}

	cases := map[string]ledgerdomain.TransitionCommand{
		"missing payload":    {Subscription: sub},
		"missing new period": {Subscription: sub, Payload: ledgerdomain.StandardPayload{}},
		"negative amount":    standardCommand(sub, nil, period, negative),
		"missing subscription": {
			Payload: ledgerdomain.NonRenewingPayload{},
		},
	}
	for name, cmd := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.svc.ProcessBillingPeriodTransition(ctx, nil, cmd)
			require.Error(t, err)
			assert.ErrorIs(t, err, ledgerdomain.ErrValidation)
			var validation *ledgerdomain.ValidationError
			assert.ErrorAs(t, err, &validation)
		})
	}
	assert.Equal(t, int64(0), countRows(t, h.DB, &ledgerdomain.LedgerTransaction{}))
}

func TestUnknownSubscriptionRollsBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ghost := subscriptiondomain.Subscription{ID: h.Node.Generate(), OrgID: h.OrgID, Status: subscriptiondomain.SubscriptionStatusActive}
	item := subscriptiondomain.SubscriptionFeatureItem{
		ID:               h.Node.Generate(),
		UsageMeterID:     ptrID(h.Node.Generate()),
		Amount:           100,
		RenewalFrequency: subscriptiondomain.RenewalFrequencyOnce,
	}

	_, err := h.svc.ProcessBillingPeriodTransition(ctx, nil, nonRenewingCommand(ghost, item))
	require.Error(t, err)
	assert.True(t, ledgerdomain.IsNotFound(err))
	var notFound *ledgerdomain.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "subscription", notFound.Resource)

	assert.Equal(t, int64(0), countRows(t, h.DB, &ledgerdomain.LedgerTransaction{}))
	assert.Equal(t, int64(0), countRows(t, h.DB, &usagecreditdomain.UsageCredit{}))
}

func TestCallerTransactionControlsCommit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.Subscription(t, true)
	item := h.FeatureItem(t, sub, h.Node.Generate(), 1000, subscriptiondomain.RenewalFrequencyEveryBillingPeriod)
	period := h.Period(t, sub, ledgertest.Date(2026, time.January, 1), ledgertest.Date(2026, time.February, 1))

	errAbort := assert.AnError
	err := h.DB.Transaction(func(tx *gorm.DB) error {
		result, err := h.svc.ProcessBillingPeriodTransition(ctx, tx, standardCommand(sub, nil, period, item))
		require.NoError(t, err)
		require.Len(t, result.LedgerEntries, 1)
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	assert.Equal(t, int64(0), countRows(t, h.DB, &ledgerdomain.LedgerEntry{}))
	assert.Equal(t, int64(0), countRows(t, h.DB, &usagecreditdomain.UsageCredit{}))
	assert.Equal(t, int64(0), countRows(t, h.DB, &ledgerdomain.LedgerAccount{}))
}

func TestBalanceConservation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.Subscription(t, true)
	a := h.FeatureItem(t, sub, h.Node.Generate(), 1000, subscriptiondomain.RenewalFrequencyEveryBillingPeriod)
	b := h.FeatureItem(t, sub, h.Node.Generate(), 50, subscriptiondomain.RenewalFrequencyOnce)

	var previous *billingperioddomain.BillingPeriod
	start := ledgertest.Date(2026, time.January, 1)
	for i := 0; i < 3; i++ {
		end := start.AddDate(0, 1, 0)
		period := h.Period(t, sub, start, end)
		_, err := h.svc.ProcessBillingPeriodTransition(ctx, nil, standardCommand(sub, previous, period, a, b))
		require.NoError(t, err)
		previous = &period
		start = end
	}

	var entries []ledgerdomain.LedgerEntry
	require.NoError(t, h.DB.Where("subscription_id = ?", sub.ID).Find(&entries).Error)
	expected := map[snowflake.ID]int64{}
	for _, entry := range entries {
		if entry.Counts() {
			expected[entry.LedgerAccountID] += entry.SignedAmount()
		}
	}

	balances, err := h.svc.GetAccountBalances(ctx, nil, sub.ID, nil)
	require.NoError(t, err)
	require.Len(t, balances, 2)
	for _, balance := range balances {
		assert.Equal(t, expected[balance.LedgerAccountID], balance.Balance)
	}
	// One live 1000 credit plus the evergreen 50.
	assert.Equal(t, int64(1050), h.totalBalance(t, sub.ID))
}

func TestDiscardEntriesRemovesThemFromBalances(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.Subscription(t, false)
	item := h.FeatureItem(t, sub, h.Node.Generate(), 800, subscriptiondomain.RenewalFrequencyOnce)

	result, err := h.svc.ProcessBillingPeriodTransition(ctx, nil, nonRenewingCommand(sub, item))
	require.NoError(t, err)
	require.Len(t, result.LedgerEntries, 1)
	require.Equal(t, int64(800), h.totalBalance(t, sub.ID))

	ids := []snowflake.ID{result.LedgerEntries[0].ID}
	discarded, err := h.svc.DiscardEntries(ctx, nil, ids)
	require.NoError(t, err)
	assert.Equal(t, int64(1), discarded)
	assert.Equal(t, int64(0), h.totalBalance(t, sub.ID))

	again, err := h.svc.DiscardEntries(ctx, nil, ids)
	require.NoError(t, err)
	assert.Equal(t, int64(0), again)

	_, err = h.svc.DiscardEntries(ctx, nil, nil)
	assert.ErrorIs(t, err, ledgerdomain.ErrValidation)
}

func TestBalancesAsOfExcludeLaterEntries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.Subscription(t, true)
	item := h.FeatureItem(t, sub, h.Node.Generate(), 100, subscriptiondomain.RenewalFrequencyEveryBillingPeriod)
	jan := h.Period(t, sub, ledgertest.Date(2026, time.January, 1), ledgertest.Date(2026, time.February, 1))

	_, err := h.svc.ProcessBillingPeriodTransition(ctx, nil, standardCommand(sub, nil, jan, item))
	require.NoError(t, err)

	before := ledgertest.Date(2025, time.December, 31)
	balances, err := h.svc.GetAccountBalances(ctx, nil, sub.ID, &before)
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.Equal(t, int64(0), balances[0].Balance)

	after := ledgertest.Date(2026, time.January, 2)
	balances, err = h.svc.GetAccountBalances(ctx, nil, sub.ID, &after)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balances[0].Balance)
}

func ptrID(id snowflake.ID) *snowflake.ID { return &id }
