package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"creator-earnings/pkg/config"
	"creator-earnings/pkg/db/pagination"
	"creator-earnings/pkg/errutil"
	"creator-earnings/pkg/featureflags"
	"creator-earnings/pkg/money"
	"creator-earnings/pkg/sequence"
	"creator-earnings/services/earning"
	"creator-earnings/services/ledger"
	"creator-earnings/services/payout"
	"creator-earnings/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var settleDate = time.Date(2026, 2, 5, 2, 0, 0, 0, time.UTC)

type fixture struct {
	db       *gorm.DB
	svc      *Service
	ledger   *ledger.Service
	earnings *earning.Service
	payouts  *payout.Service
}

func newFixture(t *testing.T, flags featureflags.FeatureFlag, tweak func(*config.Config)) *fixture {
	t.Helper()

	cfg := config.Default()
	if tweak != nil {
		tweak(cfg)
	}

	db := testutil.NewTestDB(t,
		&SettlementRun{},
		&earning.EarningEvent{},
		&ledger.CreatorBalance{}, &ledger.LedgerEntry{},
		&payout.PayoutRequest{}, &payout.PayoutAccount{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	led := ledger.NewService(ledger.ServiceParams{DB: db, Node: node, Config: cfg})
	policy, err := earning.NewPolicy(cfg)
	require.NoError(t, err)
	earn := earning.NewService(earning.ServiceParams{DB: db, Node: node, Policy: policy, Ledger: led})
	pay, err := payout.NewService(payout.ServiceParams{
		DB:        db,
		Node:      node,
		Config:    cfg,
		Ledger:    led,
		Accounts:  payout.NewAccountDirectory(db),
		Generator: sequence.NewRedisGenerator(sequence.Params{Node: node}),
	})
	require.NoError(t, err)

	svc, err := NewService(ServiceParams{
		DB:       db,
		Node:     node,
		Config:   cfg,
		Ledger:   led,
		Earnings: earn,
		Payouts:  pay,
		Flags:    flags,
	})
	require.NoError(t, err)

	return &fixture{db: db, svc: svc, ledger: led, earnings: earn, payouts: pay}
}

// sell records a product sale whose creator share is creatorShare at the
// default 25% commission.
func (f *fixture) sell(t *testing.T, creatorID, orderID, gross string) {
	t.Helper()

	_, err := f.earnings.Record(context.Background(), nil, earning.RecordParams{
		CreatorID:   creatorID,
		CreatorRole: "seller",
		SourceType:  earning.SourceProduct,
		SourceID:    "product-" + orderID,
		OrderID:     orderID,
		SaleAmount:  money.MustParse(gross),
	})
	require.NoError(t, err)
}

func (f *fixture) defaultAccount(t *testing.T, creatorID string) {
	t.Helper()
	require.NoError(t, f.db.Create(&payout.PayoutAccount{ID: "acct-" + creatorID, UserID: creatorID, Type: "bank", IsDefault: true}).Error)
}

func (f *fixture) balance(t *testing.T, creatorID string) *ledger.CreatorBalance {
	t.Helper()

	bal, err := f.ledger.GetBalance(context.Background(), creatorID)
	require.NoError(t, err)
	require.True(t, bal.Balanced())
	return bal
}

func (f *fixture) eventStatuses(t *testing.T, creatorID string) map[earning.Status]int64 {
	t.Helper()

	totals, err := f.earnings.Summary(context.Background(), creatorID)
	require.NoError(t, err)

	out := map[earning.Status]int64{}
	for _, tot := range totals {
		out[tot.Status] = tot.Count
	}
	return out
}

func (f *fixture) payoutsOf(t *testing.T, creatorID string) []*payout.PayoutRequest {
	t.Helper()

	reqs, _, err := f.payouts.List(context.Background(), payout.ListParams{CreatorID: creatorID}, pagination.Pagination{Limit: 50})
	require.NoError(t, err)
	return reqs
}

func TestRunCreatesAutoPayout(t *testing.T) {
	f := newFixture(t, featureflags.Static(true), nil)
	f.sell(t, "creator-1", "order-1", "50.00")
	f.sell(t, "creator-1", "order-2", "30.00")
	f.defaultAccount(t, "creator-1")

	bal := f.balance(t, "creator-1")
	require.Equal(t, "60.00", bal.PendingCents.String())
	require.Equal(t, "0.00", bal.AvailableCents.String())

	res, err := f.svc.Run(context.Background(), settleDate, TriggerScheduled)
	require.NoError(t, err)
	require.False(t, res.Skipped)
	require.Equal(t, RunCompleted, res.Run.Status)
	require.Equal(t, "2026-02-05", res.Run.RunDate)
	require.Equal(t, int64(1), res.Run.CreatorsProcessed)
	require.Equal(t, int64(1), res.Run.AutoPayoutsCreated)
	require.Equal(t, "60.00", res.Run.TotalPendingMovedCents.String())
	require.NotNil(t, res.Run.CompletedAt)

	reqs := f.payoutsOf(t, "creator-1")
	require.Len(t, reqs, 1)
	require.Equal(t, payout.StatusCompleted, reqs[0].Status)
	require.True(t, reqs[0].IsAutoGenerated)
	require.Equal(t, "60.00", reqs[0].AmountRequestedCents.String())

	bal = f.balance(t, "creator-1")
	require.Equal(t, "0.00", bal.AvailableCents.String())
	require.Equal(t, "0.00", bal.PendingCents.String())
	require.Equal(t, "60.00", bal.WithdrawnCents.String())
	require.NotNil(t, bal.NextPayoutDate)
	require.Equal(t, "2026-03-05", bal.NextPayoutDate.Format(time.DateOnly))

	require.Equal(t, map[earning.Status]int64{earning.StatusPaid: 2}, f.eventStatuses(t, "creator-1"))
}

func TestRunTwiceIsNoop(t *testing.T) {
	f := newFixture(t, featureflags.Static(true), nil)
	f.sell(t, "creator-1", "order-1", "80.00")
	f.defaultAccount(t, "creator-1")

	first, err := f.svc.Run(context.Background(), settleDate, TriggerScheduled)
	require.NoError(t, err)

	// new earnings after the run wait for the next date
	f.sell(t, "creator-1", "order-2", "40.00")

	second, err := f.svc.Run(context.Background(), settleDate.Add(3*time.Hour), TriggerManual)
	require.NoError(t, err)
	require.True(t, second.Skipped)
	require.Equal(t, first.Run.ID, second.Run.ID)

	require.Len(t, f.payoutsOf(t, "creator-1"), 1)
	bal := f.balance(t, "creator-1")
	require.Equal(t, "30.00", bal.PendingCents.String())
	require.Equal(t, "0.00", bal.AvailableCents.String())

	var entries int64
	require.NoError(t, f.db.Model(&ledger.LedgerEntry{}).Where("type = ?", ledger.EntryReleasePending).Count(&entries).Error)
	require.Equal(t, int64(1), entries)
}

func TestRunBelowMinimumLeavesFundsAvailable(t *testing.T) {
	f := newFixture(t, featureflags.Static(true), nil)
	f.sell(t, "creator-1", "order-1", "40.00")
	f.defaultAccount(t, "creator-1")

	res, err := f.svc.Run(context.Background(), settleDate, TriggerScheduled)
	require.NoError(t, err)
	require.Equal(t, int64(0), res.Run.AutoPayoutsCreated)

	bal := f.balance(t, "creator-1")
	require.Equal(t, "30.00", bal.AvailableCents.String())
	require.Equal(t, "0.00", bal.PendingCents.String())
	require.Empty(t, f.payoutsOf(t, "creator-1"))
	require.Equal(t, map[earning.Status]int64{earning.StatusAvailable: 1}, f.eventStatuses(t, "creator-1"))
}

func TestRunWithoutDefaultAccountOrFlag(t *testing.T) {
	t.Run("no default account", func(t *testing.T) {
		f := newFixture(t, featureflags.Static(true), nil)
		f.sell(t, "creator-1", "order-1", "80.00")
		require.NoError(t, f.db.Create(&payout.PayoutAccount{ID: "acct-1", UserID: "creator-1", Type: "bank"}).Error)

		_, err := f.svc.Run(context.Background(), settleDate, TriggerScheduled)
		require.NoError(t, err)
		require.Equal(t, "60.00", f.balance(t, "creator-1").AvailableCents.String())
		require.Empty(t, f.payoutsOf(t, "creator-1"))
	})

	t.Run("auto payout disabled", func(t *testing.T) {
		f := newFixture(t, featureflags.Static(false), nil)
		f.sell(t, "creator-1", "order-1", "80.00")
		f.defaultAccount(t, "creator-1")

		_, err := f.svc.Run(context.Background(), settleDate, TriggerScheduled)
		require.NoError(t, err)
		require.Equal(t, "60.00", f.balance(t, "creator-1").AvailableCents.String())
		require.Empty(t, f.payoutsOf(t, "creator-1"))
	})
}

type flakyEarnings struct {
	Earnings
	failFor string
}

func (e *flakyEarnings) TransitionStatus(ctx context.Context, tx *gorm.DB, creatorID string, from, to earning.Status) (int64, error) {
	if creatorID == e.failFor {
		return 0, errors.New("earning events locked")
	}
	return e.Earnings.TransitionStatus(ctx, tx, creatorID, from, to)
}

func TestRunIsolatesCreatorFailuresAndRetries(t *testing.T) {
	f := newFixture(t, featureflags.Static(true), func(cfg *config.Config) {
		cfg.Settlement.BatchSize = 2
		cfg.Settlement.Concurrency = 3
	})
	for i := 1; i <= 5; i++ {
		f.sell(t, fmt.Sprintf("creator-%d", i), fmt.Sprintf("order-%d", i), "20.00")
	}

	healthy := f.svc.earnings
	f.svc.earnings = &flakyEarnings{Earnings: healthy, failFor: "creator-3"}

	res, err := f.svc.Run(context.Background(), settleDate, TriggerScheduled)
	require.NoError(t, err)
	require.Equal(t, RunFailed, res.Run.Status)
	require.Equal(t, int64(4), res.Run.CreatorsProcessed)
	require.Equal(t, int64(1), res.Run.CreatorsFailed)
	require.Contains(t, res.Run.ErrorMessage, "1 creators failed")

	var failures []CreatorFailure
	require.NoError(t, json.Unmarshal(res.Run.Failures, &failures))
	require.Len(t, failures, 1)
	require.Equal(t, "creator-3", failures[0].CreatorID)

	// the failed creator was rolled back completely
	bal := f.balance(t, "creator-3")
	require.Equal(t, "15.00", bal.PendingCents.String())
	require.Equal(t, "0.00", bal.AvailableCents.String())
	require.Equal(t, map[earning.Status]int64{earning.StatusPending: 1}, f.eventStatuses(t, "creator-3"))
	require.Equal(t, "15.00", f.balance(t, "creator-1").AvailableCents.String())

	f.svc.earnings = healthy
	retry, err := f.svc.Run(context.Background(), settleDate, TriggerManual)
	require.NoError(t, err)
	require.Equal(t, RunCompleted, retry.Run.Status)
	require.Equal(t, res.Run.ID, retry.Run.ID)
	require.Equal(t, 2, retry.Run.Attempt)
	require.Equal(t, int64(5), retry.Run.CreatorsProcessed)
	require.Zero(t, retry.Run.CreatorsFailed)
	require.Empty(t, retry.Run.ErrorMessage)
	require.Equal(t, "75.00", retry.Run.TotalPendingMovedCents.String())

	require.Equal(t, "15.00", f.balance(t, "creator-3").AvailableCents.String())
	require.Equal(t, "15.00", f.balance(t, "creator-1").AvailableCents.String())
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	f := newFixture(t, featureflags.Static(true), nil)
	require.NoError(t, f.db.Create(&SettlementRun{ID: "run-1", RunDate: "2026-02-05", Status: RunRunning, Attempt: 1, StartedAt: f.svc.now()}).Error)

	_, err := f.svc.Run(context.Background(), settleDate, TriggerManual)
	require.Equal(t, errutil.StatusConflict, errutil.CodeOf(err))
}

// cancellingLedger cancels the run's context once listing starts, as a worker
// shutdown or a dropped admin request would.
type cancellingLedger struct {
	Ledger
	cancel context.CancelFunc
}

func (l *cancellingLedger) ListPendingCreators(ctx context.Context, after string, limit int) ([]string, error) {
	l.cancel()
	return l.Ledger.ListPendingCreators(ctx, after, limit)
}

func TestRunCancelledMidwayFailsAndRetries(t *testing.T) {
	f := newFixture(t, featureflags.Static(true), nil)
	f.sell(t, "creator-1", "order-1", "80.00")
	f.defaultAccount(t, "creator-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	healthy := f.svc.ledger
	f.svc.ledger = &cancellingLedger{Ledger: healthy, cancel: cancel}

	res, err := f.svc.Run(ctx, settleDate, TriggerManual)
	require.NoError(t, err)
	require.Equal(t, RunFailed, res.Run.Status)
	require.NotEmpty(t, res.Run.ErrorMessage)
	require.NotNil(t, res.Run.CompletedAt)

	run, err := f.svc.GetRun(context.Background(), "2026-02-05")
	require.NoError(t, err)
	require.Equal(t, RunFailed, run.Status)
	require.Empty(t, f.payoutsOf(t, "creator-1"))
	require.Equal(t, "60.00", f.balance(t, "creator-1").PendingCents.String())

	f.svc.ledger = healthy
	retry, err := f.svc.Run(context.Background(), settleDate, TriggerScheduled)
	require.NoError(t, err)
	require.Equal(t, RunCompleted, retry.Run.Status)
	require.Equal(t, res.Run.ID, retry.Run.ID)
	require.Equal(t, 2, retry.Run.Attempt)
	require.Len(t, f.payoutsOf(t, "creator-1"), 1)
}

func TestRunTakesOverStaleRun(t *testing.T) {
	f := newFixture(t, featureflags.Static(true), nil)
	f.sell(t, "creator-1", "order-1", "80.00")
	f.defaultAccount(t, "creator-1")

	started := f.svc.now().Add(-2 * runTimeout)
	require.NoError(t, f.db.Create(&SettlementRun{
		ID:        "run-1",
		RunDate:   "2026-02-05",
		Status:    RunRunning,
		Trigger:   TriggerScheduled,
		Attempt:   1,
		StartedAt: started,
	}).Error)

	res, err := f.svc.Run(context.Background(), settleDate, TriggerManual)
	require.NoError(t, err)
	require.Equal(t, "run-1", res.Run.ID)
	require.Equal(t, RunCompleted, res.Run.Status)
	require.Equal(t, 2, res.Run.Attempt)
	require.Equal(t, TriggerManual, res.Run.Trigger)
	require.Len(t, f.payoutsOf(t, "creator-1"), 1)
}

func TestAbandonedAttemptCannotCloseTakenOverRun(t *testing.T) {
	f := newFixture(t, featureflags.Static(true), nil)
	ctx := context.Background()

	old, skipped, err := f.svc.acquire(ctx, "2026-02-05", TriggerScheduled)
	require.NoError(t, err)
	require.False(t, skipped)
	require.NoError(t, f.db.Model(&SettlementRun{}).Where("id = ?", old.ID).
		Update("started_at", f.svc.now().Add(-2*runTimeout)).Error)

	taken, _, err := f.svc.acquire(ctx, "2026-02-05", TriggerManual)
	require.NoError(t, err)
	require.Equal(t, old.ID, taken.ID)
	require.Equal(t, 2, taken.Attempt)

	// a second taker sees a fresh attempt
	_, _, err = f.svc.acquire(ctx, "2026-02-05", TriggerManual)
	require.Equal(t, errutil.StatusConflict, errutil.CodeOf(err))

	_, err = f.svc.finish(ctx, old, finishParams{status: RunCompleted})
	require.Equal(t, errutil.StatusConflict, errutil.CodeOf(err))

	closed, err := f.svc.finish(ctx, taken, finishParams{status: RunCompleted})
	require.NoError(t, err)
	require.Equal(t, RunCompleted, closed.Status)
}

func TestRunWithNothingPending(t *testing.T) {
	f := newFixture(t, featureflags.Static(true), nil)

	res, err := f.svc.Run(context.Background(), settleDate, TriggerScheduled)
	require.NoError(t, err)
	require.Equal(t, RunCompleted, res.Run.Status)
	require.Zero(t, res.Run.CreatorsProcessed)
}

func TestPreviewDoesNotMutate(t *testing.T) {
	f := newFixture(t, featureflags.Static(true), nil)
	f.sell(t, "creator-1", "order-1", "80.00")
	f.sell(t, "creator-2", "order-2", "40.00")
	f.defaultAccount(t, "creator-1")
	f.defaultAccount(t, "creator-2")

	preview, err := f.svc.Preview(context.Background(), settleDate)
	require.NoError(t, err)
	require.Equal(t, "2026-02-05", preview.RunDate)
	require.False(t, preview.AlreadySettled)
	require.Len(t, preview.Creators, 2)
	require.Equal(t, "90.00", preview.TotalPending.String())
	require.Equal(t, 1, preview.AutoPayoutCount)
	require.Equal(t, "60.00", preview.AutoPayoutAmount.String())
	require.True(t, preview.Creators[0].AutoPayoutEligible)
	require.False(t, preview.Creators[1].AutoPayoutEligible)

	require.Equal(t, "60.00", f.balance(t, "creator-1").PendingCents.String())

	_, err = f.svc.GetRun(context.Background(), "2026-02-05")
	require.Equal(t, errutil.StatusNotFound, errutil.CodeOf(err))
}

func TestListAndGetRuns(t *testing.T) {
	f := newFixture(t, featureflags.Static(true), nil)

	for _, d := range []time.Time{settleDate, settleDate.AddDate(0, 1, 0)} {
		_, err := f.svc.Run(context.Background(), d, TriggerScheduled)
		require.NoError(t, err)
	}

	runs, info, err := f.svc.ListRuns(context.Background(), pagination.Pagination{Limit: 10})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.False(t, info.HasMore)

	run, err := f.svc.GetRun(context.Background(), "2026-03-05")
	require.NoError(t, err)
	require.Equal(t, RunCompleted, run.Status)
}

func TestRunStatusTransitions(t *testing.T) {
	require.True(t, RunRunning.CanTransition(RunCompleted))
	require.True(t, RunRunning.CanTransition(RunFailed))
	require.True(t, RunFailed.CanTransition(RunRunning))
	require.False(t, RunCompleted.CanTransition(RunRunning))
	require.False(t, RunFailed.CanTransition(RunCompleted))
}

type archiveMock struct {
	objects map[string][]byte
	err     error
}

func (m *archiveMock) Put(_ context.Context, key string, body []byte, _ string) error {
	if m.err != nil {
		return m.err
	}
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[key] = body
	return nil
}

func TestRunArchivesReport(t *testing.T) {
	f := newFixture(t, featureflags.Static(true), nil)
	f.sell(t, "creator-1", "order-1", "40.00")

	archive := &archiveMock{}
	f.svc.archive = archive

	_, err := f.svc.Run(context.Background(), settleDate, TriggerScheduled)
	require.NoError(t, err)

	body, ok := archive.objects["settlements/2026-02-05/attempt-1.json"]
	require.True(t, ok)

	var run SettlementRun
	require.NoError(t, json.Unmarshal(body, &run))
	require.Equal(t, RunCompleted, run.Status)
	require.Equal(t, "30.00", run.TotalPendingMovedCents.String())

	// an unreachable archive does not fail the run
	f.svc.archive = &archiveMock{err: errors.New("connection refused")}
	res, err := f.svc.Run(context.Background(), settleDate.AddDate(0, 1, 0), TriggerScheduled)
	require.NoError(t, err)
	require.Equal(t, RunCompleted, res.Run.Status)
}
