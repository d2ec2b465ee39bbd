package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cockroachdb/errors"
	"github.com/smallbiznis/creditledger/internal/clock"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	obslogger "github.com/smallbiznis/creditledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	usagecreditdomain "github.com/smallbiznis/creditledger/internal/usagecredit/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Repo         ledgerdomain.Repository
	UsageCredits usagecreditdomain.Repository
	ObsMetrics   *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	clock        clock.Clock
	repo         ledgerdomain.Repository
	usageCredits usagecreditdomain.Repository
	obsMetrics   *obsmetrics.Metrics
	tracer       trace.Tracer
}

func NewService(p Params) ledgerdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("ledger.service"),
		genID:        p.GenID,
		clock:        clk,
		repo:         p.Repo,
		usageCredits: p.UsageCredits,
		obsMetrics:   p.ObsMetrics,
		tracer:       otel.Tracer("github.com/smallbiznis/creditledger/internal/ledger"),
	}
}

// ProcessBillingPeriodTransition writes the transaction header, grants owed
// credits and then expires lapsed ones. Grants run first so a credit issued by
// this transition is never considered for expiry by the same transition.
func (s *Service) ProcessBillingPeriodTransition(ctx context.Context, tx *gorm.DB, cmd ledgerdomain.TransitionCommand) (ledgerdomain.TransitionResult, error) {
	kind := payloadKind(cmd)
	if err := cmd.Validate(); err != nil {
		s.obsMetrics.RecordTransitionFailure(ctx, kind, obsmetrics.SchedulerJobReasonValidation)
		return ledgerdomain.TransitionResult{}, err
	}

	ctx, span := s.tracer.Start(ctx, "ledger.ProcessBillingPeriodTransition",
		trace.WithAttributes(
			attribute.String("ledger.payload", kind),
			attribute.String("ledger.subscription_id", cmd.Subscription.ID.String()),
		),
	)
	defer span.End()

	log := obslogger.WithSubscription(obslogger.WithContext(ctx, s.log), cmd.Subscription.OrgID, cmd.Subscription.ID).
		With(zap.String("payload", kind))
	started := time.Now()

	var (
		result ledgerdomain.TransitionResult
		err    error
	)
	if tx == nil {
		err = s.db.WithContext(ctx).Transaction(func(inner *gorm.DB) error {
			var txErr error
			result, txErr = s.processTransition(ctx, inner, cmd)
			return txErr
		})
	} else {
		result, err = s.processTransition(ctx, tx, cmd)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transition failed")
		s.obsMetrics.RecordTransitionFailure(ctx, kind, obsmetrics.ClassifySchedulerJobReason(err))
		log.Warn("billing period transition failed", zap.Error(err))
		return ledgerdomain.TransitionResult{}, err
	}

	s.obsMetrics.RecordTransition(ctx, kind, time.Since(started))
	s.recordEntryMetrics(ctx, result)
	span.SetAttributes(
		attribute.String("ledger.transaction_id", result.LedgerTransaction.ID.String()),
		attribute.Int("ledger.entries", len(result.LedgerEntries)),
	)
	log.Info("billing period transition processed",
		zap.String("ledger_transaction_id", result.LedgerTransaction.ID.String()),
		zap.Int("usage_credits", len(result.UsageCredits)),
		zap.Int("ledger_entries", len(result.LedgerEntries)),
	)
	return result, nil
}

func (s *Service) processTransition(ctx context.Context, tx *gorm.DB, cmd ledgerdomain.TransitionCommand) (ledgerdomain.TransitionResult, error) {
	header, err := s.repo.InsertLedgerTransaction(ctx, tx, s.buildTransactionHeader(cmd))
	if err != nil {
		return ledgerdomain.TransitionResult{}, err
	}

	accounts, err := s.resolveAccounts(ctx, tx, cmd)
	if err != nil {
		return ledgerdomain.TransitionResult{}, err
	}

	granted, err := s.grantCredits(ctx, tx, accounts, header, cmd)
	if err != nil {
		return ledgerdomain.TransitionResult{}, errors.Wrap(err, "grant usage credits")
	}

	expired, err := s.expireCredits(ctx, tx, header, cmd)
	if err != nil {
		return ledgerdomain.TransitionResult{}, errors.Wrap(err, "expire usage credits")
	}

	entries := make([]ledgerdomain.LedgerEntry, 0, len(granted.LedgerEntries)+len(expired))
	entries = append(entries, granted.LedgerEntries...)
	entries = append(entries, expired...)

	return ledgerdomain.TransitionResult{
		LedgerTransaction: header,
		LedgerEntries:     entries,
		UsageCredits:      granted.UsageCredits,
	}, nil
}

func (s *Service) buildTransactionHeader(cmd ledgerdomain.TransitionCommand) ledgerdomain.LedgerTransaction {
	sub := cmd.Subscription
	header := ledgerdomain.LedgerTransaction{
		ID:             s.genID.Generate(),
		OrgID:          sub.OrgID,
		SubscriptionID: sub.ID,
		Type:           ledgerdomain.TransactionTypeBillingPeriodTransition,
		Livemode:       sub.Livemode,
		CreatedAt:      s.clock.Now(),
		Metadata:       datatypes.JSONMap{"payload": payloadKind(cmd)},
	}

	if standard, ok := cmd.AsStandard(); ok {
		header.InitiatingSourceType = ledgerdomain.InitiatingSourceBillingPeriod
		header.InitiatingSourceID = standard.NewBillingPeriod.ID
		header.Description = "Billing period transition to " + standard.NewBillingPeriod.ID.String()
		header.Metadata["new_billing_period_id"] = standard.NewBillingPeriod.ID.String()
		if prev := standard.PreviousBillingPeriod; prev != nil {
			header.Metadata["previous_billing_period_id"] = prev.ID.String()
		}
		return header
	}

	header.InitiatingSourceType = ledgerdomain.InitiatingSourceSubscription
	header.InitiatingSourceID = sub.ID
	header.Description = "Non-renewing credit grant for subscription " + sub.ID.String()
	return header
}

func (s *Service) recordEntryMetrics(ctx context.Context, result ledgerdomain.TransitionResult) {
	if s.obsMetrics == nil {
		return
	}
	s.obsMetrics.RecordCreditsGranted(ctx, len(result.UsageCredits))

	counts := map[ledgerdomain.LedgerEntryType]int{}
	amounts := map[ledgerdomain.LedgerEntryType]int64{}
	for _, entry := range result.LedgerEntries {
		counts[entry.EntryType]++
		amounts[entry.EntryType] += entry.Amount
	}
	for entryType, count := range counts {
		s.obsMetrics.RecordLedgerEntries(ctx, string(entryType), count, amounts[entryType])
	}
}

func (s *Service) GetAccountBalances(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, asOf *time.Time) ([]ledgerdomain.AccountBalance, error) {
	if subscriptionID == 0 {
		return nil, ledgerdomain.NewValidationError("subscription_id", "is required")
	}
	conn := s.conn(tx)
	accounts, err := s.repo.SelectLedgerAccounts(ctx, conn, ledgerdomain.LedgerAccountFilter{SubscriptionID: subscriptionID})
	if err != nil {
		return nil, err
	}
	return s.repo.AggregateLedgerAccountBalances(ctx, conn, accountIDs(accounts), asOf)
}

func (s *Service) GetUsageCreditBalances(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, asOf *time.Time) ([]ledgerdomain.UsageCreditBalance, error) {
	if subscriptionID == 0 {
		return nil, ledgerdomain.NewValidationError("subscription_id", "is required")
	}
	conn := s.conn(tx)
	accounts, err := s.repo.SelectLedgerAccounts(ctx, conn, ledgerdomain.LedgerAccountFilter{SubscriptionID: subscriptionID})
	if err != nil {
		return nil, err
	}
	return s.repo.AggregateAvailableBalanceForUsageCredit(ctx, conn, ledgerdomain.BalanceFilter{LedgerAccountIDs: accountIDs(accounts)}, asOf)
}

// DiscardEntries soft-voids entries so they stop counting toward balances.
func (s *Service) DiscardEntries(ctx context.Context, tx *gorm.DB, entryIDs []snowflake.ID) (int64, error) {
	if len(entryIDs) == 0 {
		return 0, ledgerdomain.NewValidationError("entry_ids", "is required")
	}
	discarded, err := s.repo.DiscardLedgerEntries(ctx, s.conn(tx), entryIDs, s.clock.Now())
	if err != nil {
		return 0, err
	}
	obslogger.WithContext(ctx, s.log).Info("ledger entries discarded",
		zap.Int("requested", len(entryIDs)),
		zap.Int64("discarded", discarded),
	)
	return discarded, nil
}

func (s *Service) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return s.db
}

func payloadKind(cmd ledgerdomain.TransitionCommand) string {
	switch p := cmd.Payload.(type) {
	case nil:
		return ""
	case *ledgerdomain.StandardPayload:
		if p == nil {
			return ""
		}
	case *ledgerdomain.NonRenewingPayload:
		if p == nil {
			return ""
		}
	}
	return string(cmd.Payload.Kind())
}
