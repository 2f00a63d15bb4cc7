package payout

import (
	"context"
	"sync"
	"testing"
	"time"

	"creator-earnings/pkg/config"
	"creator-earnings/pkg/db/pagination"
	"creator-earnings/pkg/errutil"
	"creator-earnings/pkg/money"
	"creator-earnings/pkg/sequence"
	"creator-earnings/services/ledger"
	"creator-earnings/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fixture struct {
	db     *gorm.DB
	svc    *Service
	ledger *ledger.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := config.Default()
	db := testutil.NewTestDB(t, &PayoutRequest{}, &PayoutAccount{}, &ledger.CreatorBalance{}, &ledger.LedgerEntry{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	led := ledger.NewService(ledger.ServiceParams{DB: db, Node: node, Config: cfg})
	svc, err := NewService(ServiceParams{
		DB:        db,
		Node:      node,
		Config:    cfg,
		Ledger:    led,
		Accounts:  NewAccountDirectory(db),
		Generator: sequence.NewRedisGenerator(sequence.Params{Node: node}),
	})
	require.NoError(t, err)

	return &fixture{db: db, svc: svc, ledger: led}
}

// fund gives the creator available funds and a default bank account.
func (f *fixture) fund(t *testing.T, creatorID, amount string) {
	t.Helper()
	ctx := context.Background()

	_, err := f.ledger.CreditPending(ctx, nil, ledger.Posting{CreatorID: creatorID, Amount: money.MustParse(amount), ReferenceID: "seed"})
	require.NoError(t, err)
	_, err = f.ledger.MovePendingToAvailable(ctx, nil, creatorID, time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	require.NoError(t, f.db.Create(&PayoutAccount{ID: "acct-" + creatorID, UserID: creatorID, Type: "bank", IsDefault: true}).Error)
}

func (f *fixture) available(t *testing.T, creatorID string) string {
	t.Helper()

	bal, err := f.ledger.GetBalance(context.Background(), creatorID)
	require.NoError(t, err)
	require.True(t, bal.Balanced())
	return bal.AvailableCents.String()
}

func (f *fixture) request(t *testing.T, creatorID, amount string) *PayoutRequest {
	t.Helper()

	req, err := f.svc.RequestPayout(context.Background(), RequestParams{
		CreatorID: creatorID,
		Amount:    money.MustParse(amount),
		Method:    "bank",
		AccountID: "acct-" + creatorID,
	})
	require.NoError(t, err)
	return req
}

func TestRequestPayoutReservesFunds(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "creator-1", "150.00")

	req := f.request(t, "creator-1", "100.00")
	require.Equal(t, StatusAwaitingAdmin, req.Status)
	require.Equal(t, "100.00", req.AmountRequestedCents.String())
	require.Regexp(t, `^PO-\d{6}-`, req.Reference)
	require.False(t, req.IsAutoGenerated)

	require.Equal(t, "50.00", f.available(t, "creator-1"))
}

func TestRequestPayoutValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "creator-1", "150.00")
	f.fund(t, "creator-2", "10.00")

	_, err := f.svc.RequestPayout(ctx, RequestParams{CreatorID: "creator-1", Amount: money.MustParse("49.99"), Method: "bank", AccountID: "acct-creator-1"})
	require.Equal(t, errutil.StatusValidationFailed, errutil.CodeOf(err))
	require.Contains(t, err.Error(), "minimum payout is $50.00")

	_, err = f.svc.RequestPayout(ctx, RequestParams{CreatorID: "creator-1", Amount: money.MustParse("60.00"), Method: "bank", AccountID: "missing"})
	require.Equal(t, errutil.StatusValidationFailed, errutil.CodeOf(err))

	_, err = f.svc.RequestPayout(ctx, RequestParams{CreatorID: "creator-1", Amount: money.MustParse("60.00"), Method: "bank", AccountID: "acct-creator-2"})
	require.Equal(t, errutil.StatusValidationFailed, errutil.CodeOf(err))

	_, err = f.svc.RequestPayout(ctx, RequestParams{CreatorID: "creator-1", Amount: money.MustParse("60.00"), Method: "paypal", AccountID: "acct-creator-1"})
	require.Equal(t, errutil.StatusValidationFailed, errutil.CodeOf(err))

	_, err = f.svc.RequestPayout(ctx, RequestParams{CreatorID: "creator-1", Amount: money.MustParse("150.01"), Method: "bank", AccountID: "acct-creator-1"})
	require.True(t, errutil.IsInsufficientBalance(err))

	require.Equal(t, "150.00", f.available(t, "creator-1"))

	var n int64
	require.NoError(t, f.db.Model(&PayoutRequest{}).Count(&n).Error)
	require.Zero(t, n)
}

func TestRejectRestoresAvailableBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "creator-1", "123.45")
	before := f.available(t, "creator-1")

	req := f.request(t, "creator-1", "100.00")
	require.Equal(t, "23.45", f.available(t, "creator-1"))

	_, err := f.svc.Reject(ctx, req.ID, "")
	require.Equal(t, errutil.StatusValidationFailed, errutil.CodeOf(err))

	rejected, err := f.svc.Reject(ctx, req.ID, "account under review")
	require.NoError(t, err)
	require.Equal(t, StatusRejected, rejected.Status)
	require.Equal(t, "account under review", rejected.RejectionReason)
	require.NotNil(t, rejected.ProcessedAt)

	require.Equal(t, before, f.available(t, "creator-1"))

	// terminal
	_, err = f.svc.Reject(ctx, req.ID, "again")
	require.Equal(t, errutil.StatusConflict, errutil.CodeOf(err))
	require.Equal(t, before, f.available(t, "creator-1"))
}

func TestHappyPathLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "creator-1", "100.00")
	req := f.request(t, "creator-1", "80.00")

	_, err := f.svc.MarkPaid(ctx, req.ID, "wire-1")
	require.Equal(t, errutil.StatusConflict, errutil.CodeOf(err))

	approved, err := f.svc.Approve(ctx, req.ID, ApproveParams{Notes: "ok"})
	require.NoError(t, err)
	require.Equal(t, StatusApproved, approved.Status)
	require.Equal(t, "80.00", approved.Settled().String())
	require.Equal(t, "ok", approved.AdminNotes)

	_, err = f.svc.Reject(ctx, req.ID, "too late")
	require.Equal(t, errutil.StatusConflict, errutil.CodeOf(err))

	processing, err := f.svc.MarkPaid(ctx, req.ID, "wire-1")
	require.NoError(t, err)
	require.Equal(t, StatusPaymentProcessing, processing.Status)
	require.Equal(t, "wire-1", processing.TransactionReference)

	done, err := f.svc.Complete(ctx, req.ID, "")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.PayoutDate)
	require.Equal(t, "wire-1", done.TransactionReference)

	require.Equal(t, "20.00", f.available(t, "creator-1"))
}

func TestApprovePartialCreditsRemainder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "creator-1", "100.00")
	req := f.request(t, "creator-1", "100.00")

	tooMuch := money.MustParse("100.01")
	_, err := f.svc.Approve(ctx, req.ID, ApproveParams{Amount: &tooMuch})
	require.Equal(t, errutil.StatusValidationFailed, errutil.CodeOf(err))

	partial := money.MustParse("70.00")
	approved, err := f.svc.Approve(ctx, req.ID, ApproveParams{Amount: &partial})
	require.NoError(t, err)
	require.Equal(t, "70.00", approved.Settled().String())
	require.Equal(t, "30.00", f.available(t, "creator-1"))

	bal, err := f.ledger.GetBalance(ctx, "creator-1")
	require.NoError(t, err)
	require.Equal(t, "70.00", bal.WithdrawnCents.String())
}

func TestApproveUnknownRequest(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Approve(context.Background(), "nope", ApproveParams{})
	require.Equal(t, errutil.StatusNotFound, errutil.CodeOf(err))
}

func TestConcurrentRequestsCannotOverdraw(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "creator-1", "120.00")

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		ok, rejected int
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.RequestPayout(context.Background(), RequestParams{
				CreatorID: "creator-1",
				Amount:    money.MustParse("50.00"),
				Method:    "bank",
				AccountID: "acct-creator-1",
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if errutil.IsInsufficientBalance(err) {
				rejected++
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 2, ok)
	require.Equal(t, 1, rejected)
	require.Equal(t, "20.00", f.available(t, "creator-1"))
}

func TestBulkReportsPerItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "creator-1", "200.00")

	a := f.request(t, "creator-1", "50.00")
	b := f.request(t, "creator-1", "60.00")
	_, err := f.svc.Reject(ctx, b.ID, "duplicate")
	require.NoError(t, err)

	res, err := f.svc.Bulk(ctx, BulkParams{Action: BulkApprove, IDs: []string{a.ID, b.ID, "missing"}})
	require.NoError(t, err)
	require.Equal(t, 1, res.Succeeded)
	require.Equal(t, 2, res.Failed)
	require.True(t, res.Items[0].Success)
	require.Equal(t, StatusApproved, res.Items[0].Status)
	require.False(t, res.Items[1].Success)
	require.NotEmpty(t, res.Items[1].Error)
	require.False(t, res.Items[2].Success)

	_, err = f.svc.Bulk(ctx, BulkParams{Action: "explode", IDs: []string{a.ID}})
	require.Equal(t, errutil.StatusValidationFailed, errutil.CodeOf(err))
}

func TestEmptyIDsMatchNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "creator-1", "200.00")
	a := f.request(t, "creator-1", "50.00")

	res, err := f.svc.Bulk(ctx, BulkParams{Action: BulkApprove, IDs: []string{""}})
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)
	require.Contains(t, res.Items[0].Error, "payout request id is required")

	_, err = f.svc.Get(ctx, "")
	require.Equal(t, errutil.StatusValidationFailed, errutil.CodeOf(err))

	got, err := f.svc.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingAdmin, got.Status)
	require.Equal(t, "150.00", f.available(t, "creator-1"))

	acct, err := f.svc.Accounts().Get(ctx, nil, "")
	require.NoError(t, err)
	require.Nil(t, acct)
	acct, err = f.svc.Accounts().Default(ctx, nil, "")
	require.NoError(t, err)
	require.Nil(t, acct)

	_, err = f.svc.RequestPayout(ctx, RequestParams{CreatorID: "creator-1", Amount: money.MustParse("60.00"), Method: "bank"})
	require.Equal(t, errutil.StatusValidationFailed, errutil.CodeOf(err))
}

func TestCreateAutoPayoutOncePerDate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "creator-1", "60.00")

	account, err := f.svc.Accounts().Default(ctx, nil, "creator-1")
	require.NoError(t, err)
	require.NotNil(t, account)

	date := time.Date(2026, 2, 5, 0, 0, 0, 0, time.UTC)
	params := AutoPayoutParams{CreatorID: "creator-1", Amount: money.MustParse("60.00"), Account: account, Date: date}

	var first *PayoutRequest
	err = f.db.Transaction(func(tx *gorm.DB) error {
		var created bool
		var err error
		first, created, err = f.svc.CreateAutoPayout(ctx, tx, params)
		require.True(t, created)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, first.Status)
	require.True(t, first.IsAutoGenerated)
	require.Equal(t, "60.00", first.Settled().String())
	require.Equal(t, "0.00", f.available(t, "creator-1"))

	err = f.db.Transaction(func(tx *gorm.DB) error {
		again, created, err := f.svc.CreateAutoPayout(ctx, tx, params)
		require.False(t, created)
		require.Equal(t, first.ID, again.ID)
		return err
	})
	require.NoError(t, err)
}

func TestListAndGet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "creator-1", "300.00")
	f.fund(t, "creator-2", "100.00")

	a := f.request(t, "creator-1", "50.00")
	f.request(t, "creator-1", "50.00")
	f.request(t, "creator-2", "50.00")
	_, err := f.svc.Approve(ctx, a.ID, ApproveParams{})
	require.NoError(t, err)

	mine, _, err := f.svc.List(ctx, ListParams{CreatorID: "creator-1"}, pagination.Pagination{Limit: 10})
	require.NoError(t, err)
	require.Len(t, mine, 2)

	waiting, _, err := f.svc.List(ctx, ListParams{Status: StatusAwaitingAdmin}, pagination.Pagination{Limit: 10})
	require.NoError(t, err)
	require.Len(t, waiting, 2)

	got, err := f.svc.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, got.Status)

	_, err = f.svc.Get(ctx, "missing")
	require.Equal(t, errutil.StatusNotFound, errutil.CodeOf(err))
}

func TestStatusTransitions(t *testing.T) {
	require.True(t, StatusAwaitingAdmin.CanTransition(StatusApproved))
	require.True(t, StatusAwaitingAdmin.CanTransition(StatusRejected))
	require.True(t, StatusApproved.CanTransition(StatusPaymentProcessing))
	require.True(t, StatusPaymentProcessing.CanTransition(StatusCompleted))
	require.False(t, StatusAwaitingAdmin.CanTransition(StatusCompleted))
	require.False(t, StatusApproved.CanTransition(StatusRejected))
	require.False(t, StatusCompleted.CanTransition(StatusRejected))
	require.True(t, StatusRejected.Terminal())
}
