package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"creator-earnings/pkg/config"
	"creator-earnings/pkg/db"
	"creator-earnings/pkg/db/option"
	"creator-earnings/pkg/db/pagination"
	"creator-earnings/pkg/errutil"
	"creator-earnings/pkg/logger"
	"creator-earnings/pkg/money"
	"creator-earnings/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var tracer = otel.Tracer("creator-earnings/services/ledger")

// Service owns every mutation of CreatorBalance. Each mutation is a delta
// applied under the balance row lock and journaled as a LedgerEntry in the
// same transaction.
type Service struct {
	grpc_health_v1.UnimplementedHealthServer

	db        *gorm.DB
	node      *snowflake.Node
	payoutDay int
	now       func() time.Time

	entries  repository.Repository[LedgerEntry]
	balances repository.Repository[CreatorBalance]
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Config *config.Config
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:        p.DB,
		node:      p.Node,
		payoutDay: p.Config.Settlement.PayoutDay,
		now:       time.Now,

		entries:  repository.ProvideStore[LedgerEntry](p.DB),
		balances: repository.ProvideStore[CreatorBalance](p.DB),
	}
}

// withTx joins the caller's transaction when given one.
func (s *Service) withTx(ctx context.Context, tx *gorm.DB, fn func(tx *gorm.DB) error) error {
	if tx != nil {
		return fn(tx.WithContext(ctx))
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

func validatePosting(p Posting) error {
	if p.CreatorID == "" {
		return errutil.ValidationFailed("creator id is required", nil)
	}
	if p.Amount <= 0 {
		return errutil.ValidationFailed("amount must be positive", nil, errutil.WithDetails(errutil.Detail{
			Field:   "amount",
			Message: p.Amount.String(),
		}))
	}
	return nil
}

// CreditPending adds a new earning to pending and lifetime, creating the
// balance row on first credit.
func (s *Service) CreditPending(ctx context.Context, tx *gorm.DB, p Posting) (*LedgerEntry, error) {
	ctx, span := tracer.Start(ctx, "ledger.CreditPending")
	defer span.End()

	zapLog := logger.FromContext(ctx).With(zap.String("creator_id", p.CreatorID), zap.Stringer("amount", p.Amount))

	if err := validatePosting(p); err != nil {
		return nil, err
	}

	var entry *LedgerEntry
	err := s.withTx(ctx, tx, func(tx *gorm.DB) error {
		now := s.now()
		row := &CreatorBalance{
			ID:            s.node.Generate().String(),
			CreatorID:     p.CreatorID,
			PendingCents:  p.Amount,
			LifetimeCents: p.Amount,
			CreatedAt:     now,
			UpdatedAt:     now,
		}

		// the conflict update takes the row lock, serializing appends per creator
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "creator_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"pending_cents":  gorm.Expr("creator_balances.pending_cents + ?", p.Amount),
				"lifetime_cents": gorm.Expr("creator_balances.lifetime_cents + ?", p.Amount),
				"updated_at":     now,
			}),
		}).Create(row).Error; err != nil {
			zapLog.Error("failed to upsert creator balance", zap.Error(err))
			return err
		}

		var err error
		entry, err = s.append(ctx, tx, EntryCreditPending, p)
		return err
	})
	if err != nil {
		return nil, err
	}

	return entry, nil
}

// MovePendingToAvailable releases the whole pending amount. It returns the
// amount moved; a creator with nothing pending is left untouched.
func (s *Service) MovePendingToAvailable(ctx context.Context, tx *gorm.DB, creatorID string, payoutDate time.Time) (money.Cents, error) {
	ctx, span := tracer.Start(ctx, "ledger.MovePendingToAvailable")
	defer span.End()

	zapLog := logger.FromContext(ctx).With(zap.String("creator_id", creatorID))

	var moved money.Cents
	err := s.withTx(ctx, tx, func(tx *gorm.DB) error {
		bal, err := s.LockBalance(ctx, tx, creatorID)
		if err != nil {
			zapLog.Error("failed to lock creator balance", zap.Error(err))
			return err
		}
		if bal == nil || bal.PendingCents == 0 {
			return nil
		}

		amount := bal.PendingCents
		next := NextPayoutDate(payoutDate, s.payoutDay)

		res := tx.Model(&CreatorBalance{}).
			Where("creator_id = ? AND pending_cents >= ?", creatorID, amount).
			Updates(map[string]any{
				"available_cents":  gorm.Expr("available_cents + ?", amount),
				"pending_cents":    gorm.Expr("pending_cents - ?", amount),
				"last_payout_date": payoutDate,
				"next_payout_date": next,
				"updated_at":       s.now(),
			})
		if res.Error != nil {
			zapLog.Error("failed to release pending balance", zap.Error(res.Error))
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errutil.Conflict("pending balance changed during release", nil)
		}

		if _, err := s.append(ctx, tx, EntryReleasePending, Posting{
			CreatorID:   creatorID,
			Amount:      amount,
			ReferenceID: "settlement:" + payoutDate.Format(time.DateOnly),
			Description: "pending earnings released",
		}); err != nil {
			return err
		}

		moved = amount
		return nil
	})
	if err != nil {
		return 0, err
	}

	return moved, nil
}

// DebitAvailable reserves funds for a payout by moving them from available
// to withdrawn. It fails with an insufficient balance error instead of ever
// taking available below zero.
func (s *Service) DebitAvailable(ctx context.Context, tx *gorm.DB, p Posting) (*LedgerEntry, error) {
	ctx, span := tracer.Start(ctx, "ledger.DebitAvailable")
	defer span.End()

	zapLog := logger.FromContext(ctx).With(zap.String("creator_id", p.CreatorID), zap.Stringer("amount", p.Amount))

	if err := validatePosting(p); err != nil {
		return nil, err
	}

	var entry *LedgerEntry
	err := s.withTx(ctx, tx, func(tx *gorm.DB) error {
		res := tx.Model(&CreatorBalance{}).
			Where("creator_id = ? AND available_cents >= ?", p.CreatorID, p.Amount).
			Updates(map[string]any{
				"available_cents": gorm.Expr("available_cents - ?", p.Amount),
				"withdrawn_cents": gorm.Expr("withdrawn_cents + ?", p.Amount),
				"updated_at":      s.now(),
			})
		if res.Error != nil {
			zapLog.Error("failed to debit available balance", zap.Error(res.Error))
			return res.Error
		}
		if res.RowsAffected == 0 {
			zapLog.Info("debit rejected, insufficient available balance")
			return errutil.InsufficientBalance("insufficient available balance")
		}

		var err error
		entry, err = s.append(ctx, tx, EntryDebitAvailable, p)
		return err
	})
	if err != nil {
		return nil, err
	}

	return entry, nil
}

// CreditAvailable reverses an earlier DebitAvailable, for rejected or
// partially approved payouts.
func (s *Service) CreditAvailable(ctx context.Context, tx *gorm.DB, p Posting) (*LedgerEntry, error) {
	ctx, span := tracer.Start(ctx, "ledger.CreditAvailable")
	defer span.End()

	zapLog := logger.FromContext(ctx).With(zap.String("creator_id", p.CreatorID), zap.Stringer("amount", p.Amount))

	if err := validatePosting(p); err != nil {
		return nil, err
	}

	var entry *LedgerEntry
	err := s.withTx(ctx, tx, func(tx *gorm.DB) error {
		res := tx.Model(&CreatorBalance{}).
			Where("creator_id = ? AND withdrawn_cents >= ?", p.CreatorID, p.Amount).
			Updates(map[string]any{
				"available_cents": gorm.Expr("available_cents + ?", p.Amount),
				"withdrawn_cents": gorm.Expr("withdrawn_cents - ?", p.Amount),
				"updated_at":      s.now(),
			})
		if res.Error != nil {
			zapLog.Error("failed to credit available balance", zap.Error(res.Error))
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errutil.Conflict("reversal exceeds reserved funds", nil)
		}

		var err error
		entry, err = s.append(ctx, tx, EntryCreditAvailable, p)
		return err
	})
	if err != nil {
		return nil, err
	}

	return entry, nil
}

// append writes the next entry of the creator's chain. Callers must already
// hold the balance row lock.
func (s *Service) append(ctx context.Context, tx *gorm.DB, typ EntryType, p Posting) (*LedgerEntry, error) {
	last, err := s.entries.WithTrx(tx).FindOne(ctx, &LedgerEntry{CreatorID: p.CreatorID}, option.WithSortBy(option.QuerySortBy{
		SortBy:  "sequence",
		OrderBy: "desc",
		Allow:   map[string]bool{"sequence": true},
	}))
	if err != nil {
		return nil, err
	}

	var (
		seq  int64 = 1
		prev string
	)
	if last != nil {
		seq = last.Sequence + 1
		prev = last.Hash
	}

	var meta datatypes.JSON
	if len(p.Metadata) > 0 {
		b, err := json.Marshal(p.Metadata)
		if err != nil {
			return nil, errutil.BadRequest("invalid posting metadata", err)
		}
		meta = b
	}

	txID := p.TransactionID
	if txID == "" {
		txID = uuid.NewString()
	}

	entry := &LedgerEntry{
		ID:            s.node.Generate().String(),
		CreatorID:     p.CreatorID,
		Sequence:      seq,
		Type:          typ,
		AmountCents:   p.Amount,
		TransactionID: txID,
		ReferenceID:   p.ReferenceID,
		Description:   p.Description,
		PreviousHash:  prev,
		Metadata:      meta,
		CreatedAt:     s.now().UTC().Truncate(time.Microsecond),
	}
	entry.Hash = entry.GenerateHash()

	if err := s.entries.WithTrx(tx).Create(ctx, entry); err != nil {
		if db.IsUniqueViolation(err) {
			return nil, errutil.Conflict("concurrent ledger posting", err)
		}
		return nil, err
	}

	postingsTotal.WithLabelValues(string(typ)).Inc()
	postedCents.WithLabelValues(string(typ)).Add(float64(p.Amount))

	return entry, nil
}

// GetBalance returns a zero balance for creators that never earned.
func (s *Service) GetBalance(ctx context.Context, creatorID string) (*CreatorBalance, error) {
	bal, err := s.balances.FindOne(ctx, &CreatorBalance{CreatorID: creatorID})
	if err != nil {
		logger.FromContext(ctx).Error("failed to query creator balance", zap.String("creator_id", creatorID), zap.Error(err))
		return nil, err
	}
	if bal == nil {
		return &CreatorBalance{CreatorID: creatorID}, nil
	}
	return bal, nil
}

// LockBalance reads the creator's balance under a row lock inside tx. The
// result is nil when the creator has no balance row yet.
func (s *Service) LockBalance(ctx context.Context, tx *gorm.DB, creatorID string) (*CreatorBalance, error) {
	return s.balances.WithTrx(tx).FindOne(ctx, &CreatorBalance{CreatorID: creatorID}, option.WithLockingUpdate())
}

func (s *Service) ListEntries(ctx context.Context, creatorID string, pg pagination.Pagination) ([]*LedgerEntry, *pagination.PageInfo, error) {
	entries, err := s.entries.Find(ctx, &LedgerEntry{CreatorID: creatorID},
		option.ApplyPagination(pg),
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "asc", Allow: map[string]bool{"id": true}}),
	)
	if err != nil {
		return nil, nil, err
	}

	page, info := pagination.Page(entries, pg.Limit, func(e *LedgerEntry) string { return e.ID })
	return page, info, nil
}

// ListPendingCreators pages through creators with pending funds in
// creator_id order, starting after the given id.
func (s *Service) ListPendingCreators(ctx context.Context, after string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}

	var ids []string
	if err := s.db.WithContext(ctx).
		Model(&CreatorBalance{}).
		Where("pending_cents > 0 AND creator_id > ?", after).
		Order("creator_id").
		Limit(limit).
		Pluck("creator_id", &ids).Error; err != nil {
		return nil, err
	}

	return ids, nil
}

type journalSum struct {
	Type  EntryType
	Total int64
}

func totalsFromJournal(sums []journalSum) Totals {
	by := map[EntryType]money.Cents{}
	for _, s := range sums {
		by[s.Type] = money.Cents(s.Total)
	}

	return Totals{
		Lifetime:  by[EntryCreditPending],
		Pending:   by[EntryCreditPending] - by[EntryReleasePending],
		Available: by[EntryReleasePending] - by[EntryDebitAvailable] + by[EntryCreditAvailable],
		Withdrawn: by[EntryDebitAvailable] - by[EntryCreditAvailable],
	}
}

// Reconcile recomputes the balance from the journal and overwrites the row
// when they disagree. It is the only non-delta write to a balance.
func (s *Service) Reconcile(ctx context.Context, creatorID string) (*ReconcileResult, error) {
	ctx, span := tracer.Start(ctx, "ledger.Reconcile")
	defer span.End()

	zapLog := logger.FromContext(ctx).With(zap.String("creator_id", creatorID))

	result := &ReconcileResult{CreatorID: creatorID}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bal, err := s.balances.WithTrx(tx).FindOne(ctx, &CreatorBalance{CreatorID: creatorID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if bal == nil {
			return errutil.NotFound(fmt.Sprintf("no balance for creator %s", creatorID), nil)
		}

		var sums []journalSum
		if err := tx.Model(&LedgerEntry{}).
			Select("type, COALESCE(SUM(amount_cents), 0) AS total").
			Where("creator_id = ?", creatorID).
			Group("type").
			Scan(&sums).Error; err != nil {
			return err
		}

		result.Before = totalsOf(bal)
		result.After = totalsFromJournal(sums)
		result.Drift = result.Before != result.After
		if !result.Drift {
			return nil
		}

		zapLog.Warn("balance drift detected, overwriting from journal",
			zap.Any("before", result.Before),
			zap.Any("after", result.After),
		)
		reconcileDriftTotal.Inc()

		return tx.Model(&CreatorBalance{}).Where("creator_id = ?", creatorID).Updates(map[string]any{
			"available_cents": result.After.Available,
			"pending_cents":   result.After.Pending,
			"lifetime_cents":  result.After.Lifetime,
			"withdrawn_cents": result.After.Withdrawn,
			"updated_at":      s.now(),
		}).Error
	})
	if err != nil {
		zapLog.Error("failed to reconcile creator balance", zap.Error(err))
		return nil, err
	}

	return result, nil
}

// VerifyChain walks the creator's journal and checks sequence continuity,
// hash links and each entry's own hash.
func (s *Service) VerifyChain(ctx context.Context, creatorID string) (*ChainReport, error) {
	ctx, span := tracer.Start(ctx, "ledger.VerifyChain")
	defer span.End()

	const batch = 500

	report := &ChainReport{CreatorID: creatorID, Valid: true}
	var (
		expected int64 = 1
		prevHash string
	)

	for {
		var page []*LedgerEntry
		if err := s.db.WithContext(ctx).
			Where("creator_id = ? AND sequence >= ?", creatorID, expected).
			Order("sequence").
			Limit(batch).
			Find(&page).Error; err != nil {
			return nil, err
		}

		for _, e := range page {
			report.Entries++
			switch {
			case e.Sequence != expected:
				report.fail(expected, fmt.Sprintf("expected sequence %d, found %d", expected, e.Sequence))
			case e.PreviousHash != prevHash:
				report.fail(e.Sequence, "previous hash does not match")
			case e.GenerateHash() != e.Hash:
				report.fail(e.Sequence, "entry hash does not match its contents")
			}
			if !report.Valid {
				logger.FromContext(ctx).Warn("ledger chain broken",
					zap.String("creator_id", creatorID),
					zap.Int64("sequence", report.BrokenAt),
					zap.String("reason", report.Reason),
				)
				return report, nil
			}
			expected++
			prevHash = e.Hash
		}

		if len(page) < batch {
			return report, nil
		}
	}
}

func (r *ChainReport) fail(seq int64, reason string) {
	r.Valid = false
	r.BrokenAt = seq
	r.Reason = reason
}
