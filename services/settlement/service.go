package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"creator-earnings/pkg/config"
	"creator-earnings/pkg/db/option"
	"creator-earnings/pkg/db/pagination"
	"creator-earnings/pkg/errutil"
	"creator-earnings/pkg/featureflags"
	"creator-earnings/pkg/logger"
	"creator-earnings/pkg/minio"
	"creator-earnings/pkg/money"
	"creator-earnings/pkg/repository"
	"creator-earnings/services/earning"
	"creator-earnings/services/ledger"
	"creator-earnings/services/payout"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var tracer = otel.Tracer("creator-earnings/services/settlement")

type Ledger interface {
	ListPendingCreators(ctx context.Context, after string, limit int) ([]string, error)
	GetBalance(ctx context.Context, creatorID string) (*ledger.CreatorBalance, error)
	LockBalance(ctx context.Context, tx *gorm.DB, creatorID string) (*ledger.CreatorBalance, error)
	MovePendingToAvailable(ctx context.Context, tx *gorm.DB, creatorID string, payoutDate time.Time) (money.Cents, error)
}

type Earnings interface {
	TransitionStatus(ctx context.Context, tx *gorm.DB, creatorID string, from, to earning.Status) (int64, error)
}

type Payouts interface {
	Minimum() money.Cents
	Accounts() payout.AccountDirectory
	CreateAutoPayout(ctx context.Context, tx *gorm.DB, p payout.AutoPayoutParams) (*payout.PayoutRequest, bool, error)
}

// ReportArchive keeps a copy of every finished run outside the database.
type ReportArchive interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

type Service struct {
	db          *gorm.DB
	node        *snowflake.Node
	ledger      Ledger
	earnings    Earnings
	payouts     Payouts
	flags       featureflags.FeatureFlag
	archive     ReportArchive
	concurrency int
	batchSize   int
	staleAfter  time.Duration
	loc         *time.Location
	now         func() time.Time

	runs repository.Repository[SettlementRun]
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Config   *config.Config
	Ledger   *ledger.Service
	Earnings *earning.Service
	Payouts  *payout.Service
	Flags    featureflags.FeatureFlag
	Archive  *minio.Store `optional:"true"`
}

func NewService(p ServiceParams) (*Service, error) {
	loc, err := time.LoadLocation(p.Config.Settlement.Timezone)
	if err != nil {
		return nil, fmt.Errorf("settlement timezone: %w", err)
	}

	concurrency := p.Config.Settlement.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	batch := p.Config.Settlement.BatchSize
	if batch <= 0 {
		batch = 100
	}

	s := &Service{
		db:          p.DB,
		node:        p.Node,
		ledger:      p.Ledger,
		earnings:    p.Earnings,
		payouts:     p.Payouts,
		flags:       p.Flags,
		concurrency: concurrency,
		batchSize:   batch,
		staleAfter:  runTimeout,
		loc:         loc,
		now:         time.Now,

		runs: repository.ProvideStore[SettlementRun](p.DB),
	}
	if p.Archive != nil {
		s.archive = p.Archive
	}
	return s, nil
}

// settlementDay returns the calendar day of t in the settlement timezone and
// its midnight, which is stamped as the payout date.
func (s *Service) settlementDay(t time.Time) (string, time.Time) {
	local := t.In(s.loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc)
	return day.Format(time.DateOnly), day
}

// Run settles every creator with pending funds for the given date. A
// completed date is skipped, a date still running elsewhere is a conflict and
// a failed date is retried. Each creator settles in its own transaction;
// failures are collected on the run instead of stopping it. The run is closed
// even when ctx is cancelled midway.
func (s *Service) Run(ctx context.Context, date time.Time, trigger Trigger) (*RunResult, error) {
	day, payoutDate := s.settlementDay(date)

	ctx, span := tracer.Start(ctx, "settlement.Run")
	defer span.End()
	span.SetAttributes(attribute.String("run_date", day), attribute.String("trigger", string(trigger)))

	zapLog := logger.FromContext(ctx).With(zap.String("run_date", day), zap.String("trigger", string(trigger)))

	run, skipped, err := s.acquire(ctx, day, trigger)
	if err != nil {
		zapLog.Warn("settlement not started", zap.Error(err))
		return nil, err
	}
	if skipped {
		zapLog.Info("settlement already completed for date")
		runsTotal.WithLabelValues("skipped").Inc()
		return &RunResult{Run: run, Skipped: true}, nil
	}

	zapLog.Info("settlement started", zap.String("run_id", run.ID), zap.Int("attempt", run.Attempt))
	started := s.now()

	var (
		mu         sync.Mutex
		processed  int64
		autoPaid   int64
		moved      money.Cents
		failures   []CreatorFailure
		after      string
		listingErr error
	)

	for {
		if err := ctx.Err(); err != nil {
			listingErr = err
			break
		}
		ids, err := s.ledger.ListPendingCreators(ctx, after, s.batchSize)
		if err != nil {
			listingErr = err
			break
		}
		if len(ids) == 0 {
			break
		}

		g := errgroup.Group{}
		g.SetLimit(s.concurrency)
		for _, id := range ids {
			g.Go(func() error {
				out, err := s.settleCreator(ctx, id, payoutDate)

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					zapLog.Error("creator settlement failed", zap.String("creator_id", id), zap.Error(err))
					failures = append(failures, CreatorFailure{CreatorID: id, Error: err.Error()})
					return nil
				}
				processed++
				moved += out.moved
				if out.autoPayout {
					autoPaid++
				}
				return nil
			})
		}
		_ = g.Wait()

		after = ids[len(ids)-1]
		if len(ids) < s.batchSize {
			break
		}
	}

	status := RunCompleted
	message := ""
	switch {
	case listingErr != nil:
		status = RunFailed
		message = fmt.Sprintf("listing pending creators: %v", listingErr)
	case len(failures) > 0:
		status = RunFailed
		message = fmt.Sprintf("%d creators failed to settle", len(failures))
	}

	// the row is the date's lock and must be released after cancellation
	closeCtx := context.WithoutCancel(ctx)
	run, err = s.finish(closeCtx, run, finishParams{
		status:    status,
		message:   message,
		processed: processed,
		autoPaid:  autoPaid,
		moved:     moved,
		failures:  failures,
		duration:  s.now().Sub(started),
	})
	if err != nil {
		zapLog.Error("failed to record settlement result", zap.Error(err))
		return nil, err
	}

	s.archiveReport(closeCtx, run)

	runsTotal.WithLabelValues(string(status)).Inc()
	creatorsSettled.Add(float64(processed))
	creatorsFailed.Add(float64(len(failures)))
	movedCents.Add(float64(moved))
	autoPayouts.Add(float64(autoPaid))
	runDuration.Observe(s.now().Sub(started).Seconds())

	zapLog.Info("settlement finished",
		zap.String("status", string(status)),
		zap.Int64("creators_processed", processed),
		zap.Int("creators_failed", len(failures)),
		zap.Int64("auto_payouts", autoPaid),
		zap.Stringer("moved", moved),
	)

	return &RunResult{Run: run}, nil
}

// acquire claims the run row of the date. A failed run is retried and a
// running one whose worker died past staleAfter is taken over; both bump the
// attempt.
func (s *Service) acquire(ctx context.Context, day string, trigger Trigger) (*SettlementRun, bool, error) {
	now := s.now()
	run := &SettlementRun{
		ID:        s.node.Generate().String(),
		RunDate:   day,
		Status:    RunRunning,
		Trigger:   trigger,
		Attempt:   1,
		StartedAt: now,
	}

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(run)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 1 {
		return run, false, nil
	}

	existing, err := s.runs.FindOne(ctx, &SettlementRun{RunDate: day})
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, errutil.Conflict("settlement run changed concurrently", nil)
	}

	switch {
	case existing.Status == RunCompleted:
		return existing, true, nil
	case existing.Status == RunRunning && now.Sub(existing.StartedAt) <= s.staleAfter:
		return nil, false, errutil.Conflict(fmt.Sprintf("settlement for %s is already running", day), nil)
	case existing.Status == RunRunning:
		logger.FromContext(ctx).Warn("taking over stale settlement run",
			zap.String("run_date", day),
			zap.Int("attempt", existing.Attempt),
			zap.Time("started_at", existing.StartedAt),
		)
	case !existing.Status.CanTransition(RunRunning):
		return nil, false, errutil.Conflict(fmt.Sprintf("settlement for %s is %s", day, existing.Status), nil)
	}

	res = s.db.WithContext(ctx).Model(&SettlementRun{}).
		Where("id = ? AND status = ? AND attempt = ?", existing.ID, existing.Status, existing.Attempt).
		Updates(map[string]any{
			"status":        RunRunning,
			"trigger_type":  trigger,
			"attempt":       gorm.Expr("attempt + 1"),
			"error_message": "",
			"started_at":    now,
			"completed_at":  nil,
			"updated_at":    now,
		})
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, false, errutil.Conflict(fmt.Sprintf("settlement for %s was retried concurrently", day), nil)
	}

	retried, err := s.runs.FindOne(ctx, &SettlementRun{ID: existing.ID})
	if err != nil {
		return nil, false, err
	}
	return retried, false, nil
}

type finishParams struct {
	status    RunStatus
	message   string
	processed int64
	autoPaid  int64
	moved     money.Cents
	failures  []CreatorFailure
	duration  time.Duration
}

// finish closes the run. Counters accumulate across attempts; failures
// describe the latest attempt only. An attempt that was taken over can no
// longer close the row.
func (s *Service) finish(ctx context.Context, run *SettlementRun, p finishParams) (*SettlementRun, error) {
	var failures any = gorm.Expr("NULL")
	if len(p.failures) > 0 {
		b, err := json.Marshal(p.failures)
		if err != nil {
			return nil, err
		}
		failures = datatypes.JSON(b)
	}

	now := s.now()
	res := s.db.WithContext(ctx).Model(&SettlementRun{}).
		Where("id = ? AND status = ? AND attempt = ?", run.ID, RunRunning, run.Attempt).
		Updates(map[string]any{
			"status":                    p.status,
			"error_message":             p.message,
			"failures":                  failures,
			"creators_processed":        gorm.Expr("creators_processed + ?", p.processed),
			"creators_failed":           int64(len(p.failures)),
			"auto_payouts_created":      gorm.Expr("auto_payouts_created + ?", p.autoPaid),
			"total_pending_moved_cents": gorm.Expr("total_pending_moved_cents + ?", p.moved),
			"duration_ms":               p.duration.Milliseconds(),
			"completed_at":              now,
			"updated_at":                now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, errutil.Conflict("settlement run is no longer running", nil)
	}

	return s.runs.FindOne(ctx, &SettlementRun{ID: run.ID})
}

// archiveReport uploads the finished run. The database row stays the source
// of truth, so upload errors are only logged.
func (s *Service) archiveReport(ctx context.Context, run *SettlementRun) {
	if s.archive == nil {
		return
	}

	body, err := json.Marshal(run)
	if err != nil {
		logger.FromContext(ctx).Error("failed to encode settlement report", zap.Error(err))
		return
	}

	key := reportKey(run)
	if err := s.archive.Put(ctx, key, body, "application/json"); err != nil {
		logger.FromContext(ctx).Error("failed to archive settlement report", zap.String("key", key), zap.Error(err))
		return
	}
	logger.FromContext(ctx).Info("settlement report archived", zap.String("key", key))
}

func reportKey(run *SettlementRun) string {
	return fmt.Sprintf("settlements/%s/attempt-%d.json", run.RunDate, run.Attempt)
}

// settleCreator releases one creator's pending funds and, when eligible,
// pays the available balance out. Everything commits or nothing does.
func (s *Service) settleCreator(ctx context.Context, creatorID string, payoutDate time.Time) (creatorOutcome, error) {
	ctx, span := tracer.Start(ctx, "settlement.settleCreator")
	defer span.End()
	span.SetAttributes(attribute.String("creator_id", creatorID))

	autoEnabled := s.flags.Enabled(ctx, featureflags.AutoPayout, creatorID, true)

	var out creatorOutcome
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		moved, err := s.ledger.MovePendingToAvailable(ctx, tx, creatorID, payoutDate)
		if err != nil {
			return err
		}
		out.moved = moved

		if _, err := s.earnings.TransitionStatus(ctx, tx, creatorID, earning.StatusPending, earning.StatusAvailable); err != nil {
			return err
		}

		if !autoEnabled {
			return nil
		}

		bal, err := s.ledger.LockBalance(ctx, tx, creatorID)
		if err != nil {
			return err
		}
		if bal == nil || bal.AvailableCents < s.payouts.Minimum() {
			return nil
		}

		account, err := s.payouts.Accounts().Default(ctx, tx, creatorID)
		if err != nil {
			return err
		}
		if account == nil {
			// funds stay available for a manual request
			return nil
		}

		_, created, err := s.payouts.CreateAutoPayout(ctx, tx, payout.AutoPayoutParams{
			CreatorID: creatorID,
			Amount:    bal.AvailableCents,
			Account:   account,
			Date:      payoutDate,
		})
		if err != nil {
			return err
		}
		if !created {
			return nil
		}

		if _, err := s.earnings.TransitionStatus(ctx, tx, creatorID, earning.StatusAvailable, earning.StatusPaid); err != nil {
			return err
		}
		out.autoPayout = true
		return nil
	})
	if err != nil {
		return creatorOutcome{}, err
	}

	return out, nil
}

// Preview shows what Run would do for date without changing anything.
func (s *Service) Preview(ctx context.Context, date time.Time) (*Preview, error) {
	day, _ := s.settlementDay(date)

	out := &Preview{RunDate: day, Creators: []*PreviewItem{}}

	existing, err := s.runs.FindOne(ctx, &SettlementRun{RunDate: day})
	if err != nil {
		return nil, err
	}
	out.AlreadySettled = existing != nil && existing.Status == RunCompleted

	after := ""
	for {
		ids, err := s.ledger.ListPendingCreators(ctx, after, s.batchSize)
		if err != nil {
			return nil, err
		}

		for _, id := range ids {
			bal, err := s.ledger.GetBalance(ctx, id)
			if err != nil {
				return nil, err
			}
			account, err := s.payouts.Accounts().Default(ctx, nil, id)
			if err != nil {
				return nil, err
			}

			item := &PreviewItem{
				CreatorID:          id,
				Pending:            bal.PendingCents,
				Available:          bal.AvailableCents,
				ProjectedAvailable: bal.AvailableCents + bal.PendingCents,
				HasDefaultAccount:  account != nil,
			}
			item.AutoPayoutEligible = item.HasDefaultAccount &&
				item.ProjectedAvailable >= s.payouts.Minimum() &&
				s.flags.Enabled(ctx, featureflags.AutoPayout, id, true)

			out.Creators = append(out.Creators, item)
			out.TotalPending += item.Pending
			if item.AutoPayoutEligible {
				out.AutoPayoutCount++
				out.AutoPayoutAmount += item.ProjectedAvailable
			}
		}

		if len(ids) < s.batchSize {
			break
		}
		after = ids[len(ids)-1]
	}

	return out, nil
}

func (s *Service) ListRuns(ctx context.Context, pg pagination.Pagination) ([]*SettlementRun, *pagination.PageInfo, error) {
	runs, err := s.runs.Find(ctx, &SettlementRun{},
		option.ApplyPagination(pg),
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "asc", Allow: map[string]bool{"id": true}}),
	)
	if err != nil {
		return nil, nil, err
	}

	page, info := pagination.Page(runs, pg.Limit, func(r *SettlementRun) string { return r.ID })
	return page, info, nil
}

// GetRun looks a run up by its date, yyyy-mm-dd.
func (s *Service) GetRun(ctx context.Context, day string) (*SettlementRun, error) {
	run, err := s.runs.FindOne(ctx, &SettlementRun{RunDate: day})
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, errutil.NotFound(fmt.Sprintf("no settlement run for %s", day), nil)
	}
	return run, nil
}
