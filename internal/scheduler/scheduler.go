package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	billingperioddomain "github.com/smallbiznis/creditledger/internal/billingperiod/domain"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	"github.com/smallbiznis/creditledger/internal/lock"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	"github.com/smallbiznis/creditledger/internal/scheduler/guard"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler: invalid config")

type Params struct {
	fx.In

	DB             *gorm.DB
	Log            *zap.Logger
	GenID          *snowflake.Node
	Clock          clock.Clock
	LedgerSvc      ledgerdomain.Service
	LedgerRepo     ledgerdomain.Repository
	Subscriptions  subscriptiondomain.Repository
	BillingPeriods billingperioddomain.Repository
	Locker         *lock.SubscriptionLocker        `optional:"true"`
	Holder         *config.TransitionConfigHolder `optional:"true"`
	Config         Config                          `optional:"true"`
}

// Scheduler discovers billing periods and non-renewing subscriptions that
// still owe a transition and hands them to the ledger one at a time.
type Scheduler struct {
	db             *gorm.DB
	log            *zap.Logger
	cfg            Config
	genID          *snowflake.Node
	clock          clock.Clock
	ledgerSvc      ledgerdomain.Service
	ledgerRepo     ledgerdomain.Repository
	subscriptions  subscriptiondomain.Repository
	billingPeriods billingperioddomain.Repository
	locker         *lock.SubscriptionLocker
	holder         *config.TransitionConfigHolder
}

type itemOutcome int

const (
	outcomeProcessed itemOutcome = iota
	outcomeSkipped
	outcomeDeferred
	outcomeFailed
)

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.LedgerSvc == nil ||
		p.LedgerRepo == nil || p.Subscriptions == nil || p.BillingPeriods == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:             p.DB,
		log:            p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:            p.Config.withDefaults(),
		genID:          p.GenID,
		clock:          p.Clock,
		ledgerSvc:      p.LedgerSvc,
		ledgerRepo:     p.LedgerRepo,
		subscriptions:  p.Subscriptions,
		billingPeriods: p.BillingPeriods,
		locker:         p.Locker,
		holder:         p.Holder,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// Deadline is a soft timeout; leftover work is picked up on the next tick.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		s.logger(ctx).Warn("job timed out",
			zap.String("run_id", run.runID),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	s.reloadConfig()

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{JobBillingPeriodTransitions, s.BillingPeriodTransitionsJob},
		{JobNonRenewingGrants, s.NonRenewingGrantsJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.BatchSize, s.cfg.JobTimeout, job.Run))
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now()
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)
		ticker.Reset(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// reloadConfig picks up transition.yml changes between ticks.
func (s *Scheduler) reloadConfig() {
	if s.holder == nil {
		return
	}
	s.cfg = ProvideConfig(s.holder).withDefaults()
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// Empty means every job runs.
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), jobName) {
			return true
		}
	}
	return false
}

// BillingPeriodTransitionsJob runs the standard transition for every started
// billing period of a renewing subscription that has none yet. Periods of one
// subscription are processed oldest first; a failure holds back the later ones
// until the next tick.
func (s *Scheduler) BillingPeriodTransitionsJob(ctx context.Context) error {
	const job = JobBillingPeriodTransitions
	ctx, run, owner := s.ensureJobRun(ctx, job, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	schedMetrics := obsmetrics.Scheduler()
	now := s.clock.Now()
	blocked := map[snowflake.ID]struct{}{}
	var after *billingperioddomain.BillingPeriod
	var jobErr error

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		lockStart := time.Now()
		periods, err := s.billingPeriods.ListAwaitingTransition(ctx, s.db, billingperioddomain.AwaitingTransitionQuery{
			Now:   now,
			After: after,
			Limit: s.cfg.BatchSize,
		})
		schedMetrics.ObserveLockWait(obsmetrics.LockResourceBillingPeriodWork, time.Since(lockStart))
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.billing_period.list.failed", 0, 0, err)
			return errors.Join(jobErr, err)
		}
		if len(periods) == 0 && after == nil {
			schedMetrics.IncBatchDeferred(job, obsmetrics.SchedulerBatchDeferredReasonEmpty)
		}

		for _, period := range periods {
			if _, ok := blocked[period.SubscriptionID]; ok {
				s.logDeferred(ctx, run, period.OrgID, period.SubscriptionID, "earlier_period_pending",
					zap.String("billing_period_id", idString(period.ID)))
				continue
			}

			outcome, err := s.transitionBillingPeriod(ctx, run, period, now)
			switch outcome {
			case outcomeProcessed:
				run.AddProcessed(1)
				schedMetrics.AddBatchProcessed(job, obsmetrics.LockResourceBillingPeriodWork, 1)
			case outcomeDeferred, outcomeFailed:
				blocked[period.SubscriptionID] = struct{}{}
			}
			if err != nil {
				jobErr = errors.Join(jobErr, err)
			}
		}

		if len(periods) < s.cfg.BatchSize {
			break
		}
		last := periods[len(periods)-1]
		after = &last
	}

	return jobErr
}

func (s *Scheduler) transitionBillingPeriod(
	ctx context.Context,
	run *jobRun,
	period billingperioddomain.BillingPeriod,
	now time.Time,
) (itemOutcome, error) {
	const job = JobBillingPeriodTransitions
	fields := []zap.Field{zap.String("billing_period_id", idString(period.ID))}

	release, acquired, err := s.lockSubscription(ctx, period.SubscriptionID)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.subscription.lock.failed", period.OrgID, period.SubscriptionID, err, fields...)
		return outcomeFailed, err
	}
	if !acquired {
		obsmetrics.Scheduler().IncBatchDeferred(job, obsmetrics.SchedulerBatchDeferredReasonLockHeld)
		s.logDeferred(ctx, run, period.OrgID, period.SubscriptionID, obsmetrics.SchedulerBatchDeferredReasonLockHeld, fields...)
		return outcomeDeferred, nil
	}
	defer release()

	outcome := outcomeProcessed
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.findSubscriptionForUpdate(ctx, tx, period.SubscriptionID)
		if err != nil {
			return err
		}

		exists, err := s.ledgerRepo.ExistsTransactionForSource(ctx, tx, ledgerdomain.InitiatingSourceBillingPeriod, period.ID)
		if err != nil {
			return err
		}
		if exists {
			outcome = outcomeSkipped
			return nil
		}

		if err := guard.EnsureSubscriptionCanTransition(*sub, true); err != nil {
			return err
		}
		if err := guard.EnsurePeriodCanTransition(period, *sub, now); err != nil {
			return err
		}

		previous, err := s.billingPeriods.FindPrevious(ctx, tx, period)
		if err != nil {
			return err
		}
		items, err := s.subscriptions.ListFeatureItems(ctx, tx, sub.ID, period.StartDate)
		if err != nil {
			return err
		}

		_, err = s.ledgerSvc.ProcessBillingPeriodTransition(ctx, tx, ledgerdomain.TransitionCommand{
			Subscription:             *sub,
			SubscriptionFeatureItems: items,
			Payload: ledgerdomain.StandardPayload{
				PreviousBillingPeriod: previous,
				NewBillingPeriod:      period,
			},
		})
		return err
	})
	return s.classifyOutcome(ctx, run, job, period.OrgID, period.SubscriptionID, outcome, err, fields...)
}

// NonRenewingGrantsJob grants the one-time credits owed to non-renewing
// subscriptions that have never been transitioned.
func (s *Scheduler) NonRenewingGrantsJob(ctx context.Context) error {
	const job = JobNonRenewingGrants
	ctx, run, owner := s.ensureJobRun(ctx, job, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	schedMetrics := obsmetrics.Scheduler()
	var afterID snowflake.ID
	var jobErr error

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		subs, err := s.subscriptions.ListNonRenewingAwaitingGrant(ctx, s.db, afterID, s.cfg.BatchSize)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.subscription.list.failed", 0, 0, err)
			return errors.Join(jobErr, err)
		}
		if len(subs) == 0 && afterID == 0 {
			schedMetrics.IncBatchDeferred(job, obsmetrics.SchedulerBatchDeferredReasonEmpty)
		}

		for _, sub := range subs {
			outcome, err := s.grantNonRenewing(ctx, run, sub)
			if outcome == outcomeProcessed {
				run.AddProcessed(1)
				schedMetrics.AddBatchProcessed(job, obsmetrics.LockResourceSubscription, 1)
			}
			if err != nil {
				jobErr = errors.Join(jobErr, err)
			}
		}

		if len(subs) < s.cfg.BatchSize {
			break
		}
		afterID = subs[len(subs)-1].ID
	}

	return jobErr
}

func (s *Scheduler) grantNonRenewing(ctx context.Context, run *jobRun, candidate subscriptiondomain.Subscription) (itemOutcome, error) {
	const job = JobNonRenewingGrants

	release, acquired, err := s.lockSubscription(ctx, candidate.ID)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.subscription.lock.failed", candidate.OrgID, candidate.ID, err)
		return outcomeFailed, err
	}
	if !acquired {
		obsmetrics.Scheduler().IncBatchDeferred(job, obsmetrics.SchedulerBatchDeferredReasonLockHeld)
		s.logDeferred(ctx, run, candidate.OrgID, candidate.ID, obsmetrics.SchedulerBatchDeferredReasonLockHeld)
		return outcomeDeferred, nil
	}
	defer release()

	outcome := outcomeProcessed
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.findSubscriptionForUpdate(ctx, tx, candidate.ID)
		if err != nil {
			return err
		}

		exists, err := s.ledgerRepo.ExistsTransactionForSource(ctx, tx, ledgerdomain.InitiatingSourceSubscription, sub.ID)
		if err != nil {
			return err
		}
		if exists {
			outcome = outcomeSkipped
			return nil
		}

		if err := guard.EnsureSubscriptionCanTransition(*sub, false); err != nil {
			return err
		}

		items, err := s.subscriptions.ListFeatureItems(ctx, tx, sub.ID, s.clock.Now())
		if err != nil {
			return err
		}

		_, err = s.ledgerSvc.ProcessBillingPeriodTransition(ctx, tx, ledgerdomain.TransitionCommand{
			Subscription:             *sub,
			SubscriptionFeatureItems: items,
			Payload:                  ledgerdomain.NonRenewingPayload{},
		})
		return err
	})
	return s.classifyOutcome(ctx, run, job, candidate.OrgID, candidate.ID, outcome, err)
}

func (s *Scheduler) classifyOutcome(
	ctx context.Context,
	run *jobRun,
	job string,
	orgID, subscriptionID snowflake.ID,
	outcome itemOutcome,
	err error,
	fields ...zap.Field,
) (itemOutcome, error) {
	if err == nil {
		return outcome, nil
	}
	if guard.IsIneligible(err) {
		obsmetrics.Scheduler().IncBatchDeferred(job, obsmetrics.SchedulerBatchDeferredReasonIneligible)
		s.logDeferred(ctx, run, orgID, subscriptionID, err.Error(), fields...)
		return outcomeDeferred, nil
	}
	s.logSchedulerError(ctx, run, "scheduler.transition.failed", orgID, subscriptionID, err, fields...)
	return outcomeFailed, err
}

func (s *Scheduler) findSubscriptionForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	lockStart := time.Now()
	sub, err := s.subscriptions.FindByIDForUpdate(ctx, tx, id)
	obsmetrics.Scheduler().ObserveLockWait(obsmetrics.LockResourceSubscription, time.Since(lockStart))
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, ledgerdomain.NewNotFoundError("subscription", id.String())
	}
	return sub, nil
}

// lockSubscription takes the cross-process subscription lock. The returned
// release func is a no-op when Redis locking is disabled.
func (s *Scheduler) lockSubscription(ctx context.Context, subscriptionID snowflake.ID) (func(), bool, error) {
	if !s.locker.Enabled() {
		return func() {}, true, nil
	}
	lockStart := time.Now()
	token, ok, err := s.locker.TryLock(ctx, subscriptionID, s.cfg.LockTTL)
	obsmetrics.Scheduler().ObserveLockWait(obsmetrics.LockResourceRedisSubscription, time.Since(lockStart))
	if err != nil || !ok {
		return nil, ok, err
	}
	return func() {
		// Release with a fresh context so a timed-out job still frees the key.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.locker.Release(releaseCtx, subscriptionID, token); err != nil {
			s.logger(ctx).Warn("subscription lock release failed",
				zap.String("subscription_id", idString(subscriptionID)),
				zap.Error(err),
			)
		}
	}, true, nil
}
