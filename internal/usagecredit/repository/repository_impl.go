package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/cockroachdb/errors"
	usagecreditdomain "github.com/smallbiznis/creditledger/internal/usagecredit/domain"
	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() usagecreditdomain.Repository {
	return &repo{}
}

func (r *repo) BulkInsertOrDoNothingBySourceReferenceAndBillingPeriod(ctx context.Context, db *gorm.DB, credits []usagecreditdomain.UsageCredit) ([]usagecreditdomain.UsageCredit, error) {
	if len(credits) == 0 {
		return []usagecreditdomain.UsageCredit{}, nil
	}
	for _, credit := range credits {
		if credit.ID == 0 {
			return nil, errors.New("usage credit id is required")
		}
		if credit.IssuedAmount < 0 {
			return nil, errors.Newf("usage credit %s has negative issued amount", credit.ID)
		}
	}

	// The partial unique indexes on the source reference are the only unique
	// constraints besides the primary key, so a bare DO NOTHING targets them.
	rows := append([]usagecreditdomain.UsageCredit(nil), credits...)
	if err := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "insert usage credits")
	}

	ids := lo.Map(credits, func(c usagecreditdomain.UsageCredit, _ int) snowflake.ID { return c.ID })
	inserted, err := r.FindByIDs(ctx, db, ids)
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

// FindByIDs returns credits ordered by id.
func (r *repo) FindByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]usagecreditdomain.UsageCredit, error) {
	if len(ids) == 0 {
		return []usagecreditdomain.UsageCredit{}, nil
	}
	var credits []usagecreditdomain.UsageCredit
	if err := db.WithContext(ctx).
		Where("id IN ?", lo.Uniq(ids)).
		Order("id ASC").
		Find(&credits).Error; err != nil {
		return nil, errors.Wrap(err, "find usage credits")
	}
	return credits, nil
}

func (r *repo) ListBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]usagecreditdomain.UsageCredit, error) {
	var credits []usagecreditdomain.UsageCredit
	if err := db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("id ASC").
		Find(&credits).Error; err != nil {
		return nil, errors.Wrap(err, "list usage credits")
	}
	return credits, nil
}
