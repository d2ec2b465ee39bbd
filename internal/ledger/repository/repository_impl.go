package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cockroachdb/errors"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	usagecreditdomain "github.com/smallbiznis/creditledger/internal/usagecredit/domain"
	"github.com/smallbiznis/creditledger/pkg/db"
	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const entryInsertBatchSize = 500

type repo struct {
	genID *snowflake.Node
}

func Provide(genID *snowflake.Node) ledgerdomain.Repository {
	return &repo{genID: genID}
}

func (r *repo) InsertLedgerTransaction(ctx context.Context, db *gorm.DB, tx ledgerdomain.LedgerTransaction) (ledgerdomain.LedgerTransaction, error) {
	if tx.ID == 0 {
		tx.ID = r.genID.Generate()
	}
	if tx.SubscriptionID == 0 {
		return ledgerdomain.LedgerTransaction{}, ledgerdomain.NewValidationError("subscription_id", "is required")
	}
	if tx.InitiatingSourceID == 0 || tx.InitiatingSourceType == "" {
		return ledgerdomain.LedgerTransaction{}, ledgerdomain.NewValidationError("initiating_source", "is required")
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	if err := db.WithContext(ctx).Create(&tx).Error; err != nil {
		return ledgerdomain.LedgerTransaction{}, errors.Wrap(err, "insert ledger transaction")
	}
	return tx, nil
}

func (r *repo) SelectLedgerAccounts(ctx context.Context, db *gorm.DB, filter ledgerdomain.LedgerAccountFilter) ([]ledgerdomain.LedgerAccount, error) {
	query := db.WithContext(ctx).Model(&ledgerdomain.LedgerAccount{})
	if filter.SubscriptionID != 0 {
		query = query.Where("subscription_id = ?", filter.SubscriptionID)
	}
	if len(filter.UsageMeterIDs) > 0 {
		query = query.Where("usage_meter_id IN ?", filter.UsageMeterIDs)
	}
	if len(filter.IDs) > 0 {
		query = query.Where("id IN ?", filter.IDs)
	}

	var accounts []ledgerdomain.LedgerAccount
	if err := query.Order("id ASC").Find(&accounts).Error; err != nil {
		return nil, errors.Wrap(err, "select ledger accounts")
	}
	return accounts, nil
}

type subscriptionRef struct {
	ID       snowflake.ID
	OrgID    snowflake.ID
	Livemode bool
}

// FindOrCreateLedgerAccountsForSubscriptionAndUsageMeters returns one account per
// requested meter. Rows created by a concurrent caller are picked up by the
// re-select instead of failing the insert.
func (r *repo) FindOrCreateLedgerAccountsForSubscriptionAndUsageMeters(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, usageMeterIDs []snowflake.ID) ([]ledgerdomain.LedgerAccount, error) {
	var subscription subscriptionRef
	if err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, livemode FROM subscriptions WHERE id = ?`,
		subscriptionID,
	).Scan(&subscription).Error; err != nil {
		return nil, errors.Wrap(err, "load subscription")
	}
	if subscription.ID == 0 {
		return nil, ledgerdomain.NewNotFoundError("subscription", subscriptionID.String())
	}

	meterIDs := lo.Uniq(lo.Filter(usageMeterIDs, func(id snowflake.ID, _ int) bool { return id != 0 }))
	if len(meterIDs) == 0 {
		return []ledgerdomain.LedgerAccount{}, nil
	}

	filter := ledgerdomain.LedgerAccountFilter{SubscriptionID: subscriptionID, UsageMeterIDs: meterIDs}
	existing, err := r.SelectLedgerAccounts(ctx, db, filter)
	if err != nil {
		return nil, err
	}

	found := accountsByMeter(existing)
	now := time.Now().UTC()
	missing := make([]ledgerdomain.LedgerAccount, 0, len(meterIDs))
	for _, meterID := range meterIDs {
		if _, ok := found[meterID]; ok {
			continue
		}
		id := meterID
		missing = append(missing, ledgerdomain.LedgerAccount{
			ID:             r.genID.Generate(),
			OrgID:          subscription.OrgID,
			SubscriptionID: subscription.ID,
			UsageMeterID:   &id,
			Livemode:       subscription.Livemode,
			CreatedAt:      now,
		})
	}
	if len(missing) == 0 {
		return orderedAccounts(found, meterIDs), nil
	}

	if err := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&missing).Error; err != nil {
		return nil, errors.Wrap(err, "insert ledger accounts")
	}

	accounts, err := r.SelectLedgerAccounts(ctx, db, filter)
	if err != nil {
		return nil, err
	}
	found = accountsByMeter(accounts)
	for _, meterID := range meterIDs {
		if _, ok := found[meterID]; !ok {
			return nil, ledgerdomain.NewNotFoundError("ledger_account", meterID.String())
		}
	}
	return orderedAccounts(found, meterIDs), nil
}

func accountsByMeter(accounts []ledgerdomain.LedgerAccount) map[snowflake.ID]ledgerdomain.LedgerAccount {
	out := make(map[snowflake.ID]ledgerdomain.LedgerAccount, len(accounts))
	for _, account := range accounts {
		if account.UsageMeterID == nil {
			continue
		}
		out[*account.UsageMeterID] = account
	}
	return out
}

func orderedAccounts(found map[snowflake.ID]ledgerdomain.LedgerAccount, meterIDs []snowflake.ID) []ledgerdomain.LedgerAccount {
	out := make([]ledgerdomain.LedgerAccount, 0, len(meterIDs))
	for _, meterID := range meterIDs {
		if account, ok := found[meterID]; ok {
			out = append(out, account)
		}
	}
	return out
}

func (r *repo) BulkInsertLedgerEntries(ctx context.Context, conn *gorm.DB, entries []ledgerdomain.LedgerEntry) ([]ledgerdomain.LedgerEntry, error) {
	if len(entries) == 0 {
		return []ledgerdomain.LedgerEntry{}, nil
	}

	now := time.Now().UTC()
	rows := make([]ledgerdomain.LedgerEntry, len(entries))
	for i, entry := range entries {
		if entry.ID == 0 {
			entry.ID = r.genID.Generate()
		}
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = now
		}
		if err := entry.Validate(); err != nil {
			return nil, err
		}
		rows[i] = entry
	}

	if err := conn.WithContext(ctx).CreateInBatches(&rows, entryInsertBatchSize).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, errors.Mark(errors.Wrap(err, "insert ledger entries"), ledgerdomain.ErrConcurrentTransition)
		}
		return nil, errors.Wrap(err, "insert ledger entries")
	}
	return rows, nil
}

type creditBalanceRow struct {
	LedgerAccountID snowflake.ID
	UsageCreditID   snowflake.ID
	Balance         int64
}

// AggregateAvailableBalanceForUsageCredit folds posted, non-discarded entries
// into one balance per (account, credit). Credits with no entries yield no row.
func (r *repo) AggregateAvailableBalanceForUsageCredit(ctx context.Context, db *gorm.DB, filter ledgerdomain.BalanceFilter, asOf *time.Time) ([]ledgerdomain.UsageCreditBalance, error) {
	if len(filter.LedgerAccountIDs) == 0 {
		return []ledgerdomain.UsageCreditBalance{}, nil
	}

	query := db.WithContext(ctx).
		Model(&ledgerdomain.LedgerEntry{}).
		Select(`ledger_account_id, source_usage_credit_id AS usage_credit_id,
			CAST(SUM(CASE WHEN direction = ? THEN amount ELSE -amount END) AS BIGINT) AS balance`,
			ledgerdomain.LedgerEntryDirectionCredit).
		Where("ledger_account_id IN ?", filter.LedgerAccountIDs).
		Where("source_usage_credit_id IS NOT NULL").
		Where("status = ?", ledgerdomain.LedgerEntryStatusPosted).
		Where("discarded_at IS NULL")
	if filter.UsageCreditID != nil {
		query = query.Where("source_usage_credit_id = ?", *filter.UsageCreditID)
	}
	if asOf != nil {
		query = query.Where("entry_timestamp <= ?", asOf.UTC())
	}

	var rows []creditBalanceRow
	if err := query.
		Group("ledger_account_id, source_usage_credit_id").
		Order("source_usage_credit_id ASC").
		Scan(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "aggregate usage credit balances")
	}
	if len(rows) == 0 {
		return []ledgerdomain.UsageCreditBalance{}, nil
	}

	creditIDs := lo.Uniq(lo.Map(rows, func(row creditBalanceRow, _ int) snowflake.ID { return row.UsageCreditID }))
	var credits []usagecreditdomain.UsageCredit
	if err := db.WithContext(ctx).
		Select("id", "expires_at").
		Where("id IN ?", creditIDs).
		Find(&credits).Error; err != nil {
		return nil, errors.Wrap(err, "load usage credit expiry")
	}
	expiry := lo.SliceToMap(credits, func(c usagecreditdomain.UsageCredit) (snowflake.ID, *time.Time) {
		return c.ID, c.ExpiresAt
	})

	balances := make([]ledgerdomain.UsageCreditBalance, 0, len(rows))
	for _, row := range rows {
		balances = append(balances, ledgerdomain.UsageCreditBalance{
			LedgerAccountID: row.LedgerAccountID,
			UsageCreditID:   row.UsageCreditID,
			Balance:         row.Balance,
			ExpiresAt:       expiry[row.UsageCreditID],
		})
	}
	return balances, nil
}

type accountBalanceRow struct {
	LedgerAccountID snowflake.ID
	Balance         int64
}

// AggregateLedgerAccountBalances returns one balance per requested account,
// zero for accounts without counted entries.
func (r *repo) AggregateLedgerAccountBalances(ctx context.Context, db *gorm.DB, accountIDs []snowflake.ID, asOf *time.Time) ([]ledgerdomain.AccountBalance, error) {
	accountIDs = lo.Uniq(accountIDs)
	if len(accountIDs) == 0 {
		return []ledgerdomain.AccountBalance{}, nil
	}

	query := db.WithContext(ctx).
		Model(&ledgerdomain.LedgerEntry{}).
		Select(`ledger_account_id,
			CAST(SUM(CASE WHEN direction = ? THEN amount ELSE -amount END) AS BIGINT) AS balance`,
			ledgerdomain.LedgerEntryDirectionCredit).
		Where("ledger_account_id IN ?", accountIDs).
		Where("status = ?", ledgerdomain.LedgerEntryStatusPosted).
		Where("discarded_at IS NULL")
	if asOf != nil {
		query = query.Where("entry_timestamp <= ?", asOf.UTC())
	}

	var rows []accountBalanceRow
	if err := query.Group("ledger_account_id").Scan(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "aggregate ledger account balances")
	}
	byAccount := lo.SliceToMap(rows, func(row accountBalanceRow) (snowflake.ID, int64) {
		return row.LedgerAccountID, row.Balance
	})

	balances := make([]ledgerdomain.AccountBalance, 0, len(accountIDs))
	for _, id := range accountIDs {
		balances = append(balances, ledgerdomain.AccountBalance{
			LedgerAccountID: id,
			Balance:         byAccount[id],
		})
	}
	return balances, nil
}

// DiscardLedgerEntries soft-voids entries. Already discarded entries keep their
// original timestamp.
func (r *repo) DiscardLedgerEntries(ctx context.Context, db *gorm.DB, entryIDs []snowflake.ID, at time.Time) (int64, error) {
	if len(entryIDs) == 0 {
		return 0, nil
	}
	result := db.WithContext(ctx).
		Model(&ledgerdomain.LedgerEntry{}).
		Where("id IN ?", lo.Uniq(entryIDs)).
		Where("discarded_at IS NULL").
		Update("discarded_at", at.UTC())
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "discard ledger entries")
	}
	return result.RowsAffected, nil
}

func (r *repo) ListEntriesByTransaction(ctx context.Context, db *gorm.DB, transactionID snowflake.ID) ([]ledgerdomain.LedgerEntry, error) {
	var entries []ledgerdomain.LedgerEntry
	if err := db.WithContext(ctx).
		Where("ledger_transaction_id = ?", transactionID).
		Order("id ASC").
		Find(&entries).Error; err != nil {
		return nil, errors.Wrap(err, "list ledger entries")
	}
	return entries, nil
}

// ExistsTransactionForSource reports whether a transaction was already written
// for the initiating record.
func (r *repo) ExistsTransactionForSource(
	ctx context.Context,
	db *gorm.DB,
	sourceType ledgerdomain.InitiatingSourceType,
	sourceID snowflake.ID,
) (bool, error) {
	if sourceID == 0 {
		return false, nil
	}
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM ledger_transactions
		 WHERE initiating_source_type = ? AND initiating_source_id = ?`,
		sourceType,
		sourceID,
	).Scan(&count).Error
	if err != nil {
		return false, errors.Wrap(err, "check ledger transaction source")
	}
	return count > 0, nil
}
