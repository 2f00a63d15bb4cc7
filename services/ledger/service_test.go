package ledger

import (
	"context"
	"testing"
	"time"

	"creator-earnings/pkg/config"
	"creator-earnings/pkg/db/option"
	"creator-earnings/pkg/db/pagination"
	"creator-earnings/pkg/errutil"
	"creator-earnings/pkg/money"
	"creator-earnings/pkg/repository"
	"creator-earnings/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type repoMock[T any] struct {
	findFn    func(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error)
	findOneFn func(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error)
	createFn  func(ctx context.Context, resource *T) error
	updateFn  func(ctx context.Context, resourceID string, resource any) error
	countFn   func(ctx context.Context, query *T, opts ...option.QueryOption) (int64, error)
}

func (m *repoMock[T]) WithTrx(tx *gorm.DB) repository.Repository[T] {
	return m
}

func (m *repoMock[T]) Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error) {
	if m.findFn != nil {
		return m.findFn(ctx, query, opts...)
	}
	return nil, nil
}

func (m *repoMock[T]) FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error) {
	if m.findOneFn != nil {
		return m.findOneFn(ctx, query, opts...)
	}
	return nil, nil
}

func (m *repoMock[T]) Count(ctx context.Context, query *T, opts ...option.QueryOption) (int64, error) {
	if m.countFn != nil {
		return m.countFn(ctx, query, opts...)
	}
	return 0, nil
}

func (m *repoMock[T]) Create(ctx context.Context, resource *T) error {
	if m.createFn != nil {
		return m.createFn(ctx, resource)
	}
	return nil
}

func (m *repoMock[T]) BatchCreate(ctx context.Context, resources []*T) error {
	return nil
}

func (m *repoMock[T]) Update(ctx context.Context, resourceID string, resource any) error {
	if m.updateFn != nil {
		return m.updateFn(ctx, resourceID, resource)
	}
	return nil
}

func (m *repoMock[T]) BatchUpdate(ctx context.Context, resources []*T) error {
	return nil
}

func newTestService(t *testing.T) *Service {
	t.Helper()

	db := testutil.NewTestDB(t, &CreatorBalance{}, &LedgerEntry{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return NewService(ServiceParams{DB: db, Node: node, Config: config.Default()})
}

func credit(t *testing.T, svc *Service, creatorID, amount string) *LedgerEntry {
	t.Helper()

	entry, err := svc.CreditPending(context.Background(), nil, Posting{
		CreatorID:   creatorID,
		Amount:      money.MustParse(amount),
		ReferenceID: "test",
	})
	require.NoError(t, err)
	return entry
}

func requireBalance(t *testing.T, svc *Service, creatorID string, available, pending, withdrawn, lifetime string) *CreatorBalance {
	t.Helper()

	bal, err := svc.GetBalance(context.Background(), creatorID)
	require.NoError(t, err)
	require.Equal(t, available, bal.AvailableCents.String(), "available")
	require.Equal(t, pending, bal.PendingCents.String(), "pending")
	require.Equal(t, withdrawn, bal.WithdrawnCents.String(), "withdrawn")
	require.Equal(t, lifetime, bal.LifetimeCents.String(), "lifetime")
	require.True(t, bal.Balanced())
	return bal
}

func TestCreditPendingCreatesAndIncrements(t *testing.T) {
	svc := newTestService(t)

	first := credit(t, svc, "creator-1", "30.00")
	second := credit(t, svc, "creator-1", "0.50")

	requireBalance(t, svc, "creator-1", "0.00", "30.50", "0.00", "30.50")

	require.Equal(t, int64(1), first.Sequence)
	require.Equal(t, int64(2), second.Sequence)
	require.Empty(t, first.PreviousHash)
	require.Equal(t, first.Hash, second.PreviousHash)
	require.Equal(t, EntryCreditPending, second.Type)
}

func TestCreditPendingRejectsNonPositive(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.CreditPending(context.Background(), nil, Posting{CreatorID: "creator-1", Amount: 0})
	require.Error(t, err)
	require.Equal(t, errutil.StatusValidationFailed, errutil.CodeOf(err))
}

func TestGetBalanceUnknownCreatorIsZero(t *testing.T) {
	svc := newTestService(t)

	requireBalance(t, svc, "nobody", "0.00", "0.00", "0.00", "0.00")
}

func TestMovePendingToAvailable(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	payoutDate := time.Date(2025, 3, 5, 2, 0, 0, 0, time.UTC)

	credit(t, svc, "creator-1", "60.00")

	moved, err := svc.MovePendingToAvailable(ctx, nil, "creator-1", payoutDate)
	require.NoError(t, err)
	require.Equal(t, "60.00", moved.String())

	bal := requireBalance(t, svc, "creator-1", "60.00", "0.00", "0.00", "60.00")
	require.NotNil(t, bal.NextPayoutDate)
	require.Equal(t, time.Date(2025, 4, 5, 0, 0, 0, 0, time.UTC), bal.NextPayoutDate.UTC())

	// nothing pending: nothing moves and no entry is written
	moved, err = svc.MovePendingToAvailable(ctx, nil, "creator-1", payoutDate)
	require.NoError(t, err)
	require.Equal(t, money.Cents(0), moved)

	entries, _, err := svc.ListEntries(ctx, "creator-1", pagination.Pagination{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestMovePendingUnknownCreator(t *testing.T) {
	svc := newTestService(t)

	moved, err := svc.MovePendingToAvailable(context.Background(), nil, "nobody", time.Now())
	require.NoError(t, err)
	require.Equal(t, money.Cents(0), moved)
}

func TestDebitAvailable(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	credit(t, svc, "creator-1", "120.00")
	_, err := svc.MovePendingToAvailable(ctx, nil, "creator-1", time.Now())
	require.NoError(t, err)

	_, err = svc.DebitAvailable(ctx, nil, Posting{CreatorID: "creator-1", Amount: money.MustParse("120.01")})
	require.True(t, errutil.IsInsufficientBalance(err))
	requireBalance(t, svc, "creator-1", "120.00", "0.00", "0.00", "120.00")

	entry, err := svc.DebitAvailable(ctx, nil, Posting{CreatorID: "creator-1", Amount: money.MustParse("100.00"), ReferenceID: "payout-1"})
	require.NoError(t, err)
	require.Equal(t, EntryDebitAvailable, entry.Type)
	requireBalance(t, svc, "creator-1", "20.00", "0.00", "100.00", "120.00")
}

func TestCreditAvailableReversesDebit(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	credit(t, svc, "creator-1", "150.00")
	_, err := svc.MovePendingToAvailable(ctx, nil, "creator-1", time.Now())
	require.NoError(t, err)

	before := requireBalance(t, svc, "creator-1", "150.00", "0.00", "0.00", "150.00")

	_, err = svc.DebitAvailable(ctx, nil, Posting{CreatorID: "creator-1", Amount: money.MustParse("100.00")})
	require.NoError(t, err)
	_, err = svc.CreditAvailable(ctx, nil, Posting{CreatorID: "creator-1", Amount: money.MustParse("100.00")})
	require.NoError(t, err)

	after := requireBalance(t, svc, "creator-1", "150.00", "0.00", "0.00", "150.00")
	require.Equal(t, before.AvailableCents, after.AvailableCents)

	// cannot reverse more than was reserved
	_, err = svc.CreditAvailable(ctx, nil, Posting{CreatorID: "creator-1", Amount: money.MustParse("1.00")})
	require.Equal(t, errutil.StatusConflict, errutil.CodeOf(err))
}

func TestDebitInsideCallerTransactionRollsBack(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	credit(t, svc, "creator-1", "80.00")
	_, err := svc.MovePendingToAvailable(ctx, nil, "creator-1", time.Now())
	require.NoError(t, err)

	err = svc.db.Transaction(func(tx *gorm.DB) error {
		if _, err := svc.DebitAvailable(ctx, tx, Posting{CreatorID: "creator-1", Amount: money.MustParse("80.00")}); err != nil {
			return err
		}
		return errutil.Internal("downstream failure", nil)
	})
	require.Error(t, err)

	requireBalance(t, svc, "creator-1", "80.00", "0.00", "0.00", "80.00")
}

func TestReconcileRepairsDrift(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	credit(t, svc, "creator-1", "30.00")
	credit(t, svc, "creator-1", "10.00")

	result, err := svc.Reconcile(ctx, "creator-1")
	require.NoError(t, err)
	require.False(t, result.Drift)

	require.NoError(t, svc.db.Model(&CreatorBalance{}).Where("creator_id = ?", "creator-1").
		Update("pending_cents", 999).Error)

	result, err = svc.Reconcile(ctx, "creator-1")
	require.NoError(t, err)
	require.True(t, result.Drift)
	require.Equal(t, "9.99", result.Before.Pending.String())
	require.Equal(t, "40.00", result.After.Pending.String())

	requireBalance(t, svc, "creator-1", "0.00", "40.00", "0.00", "40.00")
}

func TestReconcileUnknownCreator(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Reconcile(context.Background(), "nobody")
	require.Equal(t, errutil.StatusNotFound, errutil.CodeOf(err))
}

func TestVerifyChain(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	credit(t, svc, "creator-1", "10.00")
	second := credit(t, svc, "creator-1", "20.00")
	credit(t, svc, "creator-1", "30.00")

	report, err := svc.VerifyChain(ctx, "creator-1")
	require.NoError(t, err)
	require.True(t, report.Valid)
	require.Equal(t, int64(3), report.Entries)

	require.NoError(t, svc.db.Model(&LedgerEntry{}).Where("id = ?", second.ID).
		Update("amount_cents", 2500).Error)

	report, err = svc.VerifyChain(ctx, "creator-1")
	require.NoError(t, err)
	require.False(t, report.Valid)
	require.Equal(t, int64(2), report.BrokenAt)
}

func TestListPendingCreatorsKeyset(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for _, id := range []string{"c-3", "c-1", "c-2", "c-4"} {
		credit(t, svc, id, "1.00")
	}
	_, err := svc.MovePendingToAvailable(ctx, nil, "c-2", time.Now())
	require.NoError(t, err)

	page, err := svc.ListPendingCreators(ctx, "", 2)
	require.NoError(t, err)
	require.Equal(t, []string{"c-1", "c-3"}, page)

	page, err = svc.ListPendingCreators(ctx, "c-3", 2)
	require.NoError(t, err)
	require.Equal(t, []string{"c-4"}, page)
}

func TestAppendSequenceCollisionIsConflict(t *testing.T) {
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := &Service{
		node: node,
		now:  time.Now,
		entries: &repoMock[LedgerEntry]{
			findOneFn: func(ctx context.Context, _ *LedgerEntry, opts ...option.QueryOption) (*LedgerEntry, error) {
				return &LedgerEntry{Sequence: 4, Hash: "abc"}, nil
			},
			createFn: func(ctx context.Context, e *LedgerEntry) error {
				require.Equal(t, int64(5), e.Sequence)
				require.Equal(t, "abc", e.PreviousHash)
				return gorm.ErrDuplicatedKey
			},
		},
	}

	_, err = svc.append(context.Background(), nil, EntryCreditPending, Posting{CreatorID: "creator-1", Amount: 100})
	require.Equal(t, errutil.StatusConflict, errutil.CodeOf(err))
}

func TestNextPayoutDate(t *testing.T) {
	tests := []struct {
		from time.Time
		day  int
		want time.Time
	}{
		{time.Date(2025, 3, 5, 2, 0, 0, 0, time.UTC), 5, time.Date(2025, 4, 5, 0, 0, 0, 0, time.UTC)},
		{time.Date(2025, 12, 5, 0, 0, 0, 0, time.UTC), 5, time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)},
		{time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC), 31, time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, NextPayoutDate(tt.from, tt.day))
	}
}

func TestEntryHashCoversContents(t *testing.T) {
	e := &LedgerEntry{ID: "1", CreatorID: "c", Sequence: 1, Type: EntryCreditPending, AmountCents: 100, CreatedAt: time.Unix(0, 0)}
	h := e.GenerateHash()

	e.AmountCents = 101
	require.NotEqual(t, h, e.GenerateHash())
}
