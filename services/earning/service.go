package earning

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"creator-earnings/pkg/db/option"
	"creator-earnings/pkg/db/pagination"
	"creator-earnings/pkg/errutil"
	"creator-earnings/pkg/logger"
	"creator-earnings/pkg/money"
	"creator-earnings/pkg/repository"
	"creator-earnings/services/ledger"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var tracer = otel.Tracer("creator-earnings/services/earning")

// Ledger is the part of the balance ledger the recorder credits.
type Ledger interface {
	CreditPending(ctx context.Context, tx *gorm.DB, p ledger.Posting) (*ledger.LedgerEntry, error)
}

type Service struct {
	db     *gorm.DB
	node   *snowflake.Node
	policy *Policy
	ledger Ledger
	now    func() time.Time

	events repository.Repository[EarningEvent]
	orders repository.Repository[Order]
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Policy *Policy
	Ledger *ledger.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:     p.DB,
		node:   p.Node,
		policy: p.Policy,
		ledger: p.Ledger,
		now:    time.Now,

		events: repository.ProvideStore[EarningEvent](p.DB),
		orders: repository.ProvideStore[Order](p.DB),
	}
}

func (s *Service) withTx(ctx context.Context, tx *gorm.DB, fn func(tx *gorm.DB) error) error {
	if tx != nil {
		return fn(tx.WithContext(ctx))
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

func (s *Service) Policy() *Policy {
	return s.policy
}

// Record books the creator's share of one sold item as a pending earning.
// Content owned by the platform is exempt. Recording the same order item
// twice returns the first event flagged as a duplicate.
func (s *Service) Record(ctx context.Context, tx *gorm.DB, p RecordParams) (*RecordResult, error) {
	ctx, span := tracer.Start(ctx, "earning.Record")
	defer span.End()
	span.SetAttributes(
		attribute.String("creator_id", p.CreatorID),
		attribute.String("order_id", p.OrderID),
		attribute.String("source_id", p.SourceID),
	)

	zapLog := logger.FromContext(ctx).With(
		zap.String("creator_id", p.CreatorID),
		zap.String("order_id", p.OrderID),
		zap.String("source_id", p.SourceID),
	)

	if p.CreatorID == "" || p.SourceID == "" {
		return nil, errutil.ValidationFailed("creator id and source id are required", nil)
	}
	// the order item is the idempotency scope of a sale
	if p.OrderID == "" {
		return nil, errutil.ValidationFailed("order id is required for a sale", nil)
	}
	eventType, ok := p.SourceType.saleEvent()
	if !ok {
		return nil, errutil.ValidationFailed(fmt.Sprintf("unsupported source type %q", p.SourceType), nil)
	}
	if p.SaleAmount <= 0 {
		return nil, errutil.ValidationFailed("sale amount must be positive", nil)
	}

	if s.policy.IsPlatformOwner(p.CreatorID, p.CreatorRole) {
		zapLog.Debug("platform owned content, no earning recorded")
		exemptTotal.Inc()
		return &RecordResult{Exempt: true}, nil
	}

	rate, rule, err := s.policy.Rate(RateInput{
		SourceType:  p.SourceType,
		CreatorRole: p.CreatorRole,
		CreatorID:   p.CreatorID,
		Gross:       p.SaleAmount,
	})
	if err != nil {
		zapLog.Error("failed to resolve commission rate", zap.Error(err))
		return nil, errutil.Internal("failed to resolve commission rate", err)
	}

	commission, creator, err := money.Split(p.SaleAmount, rate)
	if err != nil {
		return nil, errutil.ValidationFailed("invalid sale amount", err)
	}

	meta := map[string]any{"commission_rule": rule}
	for k, v := range p.Metadata {
		meta[k] = v
	}

	ev := &EarningEvent{
		CreatorID:       p.CreatorID,
		CreatorRole:     p.CreatorRole,
		EventType:       eventType,
		SourceType:      p.SourceType,
		SourceID:        p.SourceID,
		GrossCents:      p.SaleAmount,
		CommissionCents: commission,
		CreatorCents:    creator,
		CommissionRate:  rate.String(),
		IdempotencyKey:  saleKey(p.OrderID, p.SourceType, p.SourceID),
		OrderID:         &p.OrderID,
	}

	return s.record(ctx, tx, ev, meta)
}

// RecordMilestone books a free download bonus. Milestones carry no
// commission; the whole bonus goes to the product owner.
func (s *Service) RecordMilestone(ctx context.Context, tx *gorm.DB, p MilestoneParams) (*RecordResult, error) {
	ctx, span := tracer.Start(ctx, "earning.RecordMilestone")
	defer span.End()

	if s.policy.IsPlatformOwner(p.CreatorID, p.CreatorRole) {
		exemptTotal.Inc()
		return &RecordResult{Exempt: true}, nil
	}

	bonus := s.policy.MilestoneBonus()
	commission, creator, err := money.Split(bonus, decimal.Zero)
	if err != nil {
		return nil, err
	}

	ev := &EarningEvent{
		CreatorID:       p.CreatorID,
		CreatorRole:     p.CreatorRole,
		EventType:       EventFreeDownloadMilestone,
		SourceType:      SourceProduct,
		SourceID:        p.ProductID,
		GrossCents:      bonus,
		CommissionCents: commission,
		CreatorCents:    creator,
		CommissionRate:  "0",
		IdempotencyKey:  milestoneKey(p.ProductID, p.Count),
	}

	return s.record(ctx, tx, ev, map[string]any{"milestone_count": p.Count})
}

func (s *Service) record(ctx context.Context, tx *gorm.DB, ev *EarningEvent, meta map[string]any) (*RecordResult, error) {
	zapLog := logger.FromContext(ctx).With(
		zap.String("creator_id", ev.CreatorID),
		zap.String("idempotency_key", ev.IdempotencyKey),
	)

	var result *RecordResult
	err := s.withTx(ctx, tx, func(tx *gorm.DB) error {
		existing, err := s.findExisting(ctx, tx, ev)
		if err != nil {
			return err
		}
		if existing != nil {
			result = &RecordResult{Event: existing, Duplicate: true}
			return nil
		}

		b, err := json.Marshal(meta)
		if err != nil {
			return errutil.BadRequest("invalid metadata", err)
		}

		now := s.now()
		ev.ID = s.node.Generate().String()
		ev.Status = StatusPending
		ev.EventDate = now
		ev.Metadata = datatypes.JSON(b)

		// a concurrent writer that passed the same pre-check loses here
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(ev)
		if res.Error != nil {
			zapLog.Error("failed to insert earning event", zap.Error(res.Error))
			return res.Error
		}
		if res.RowsAffected == 0 {
			existing, err := s.findExisting(ctx, tx, ev)
			if err != nil {
				return err
			}
			if existing == nil {
				return errutil.Conflict("earning event insert conflicted", nil)
			}
			result = &RecordResult{Event: existing, Duplicate: true}
			return nil
		}

		if ev.CreatorCents > 0 {
			if _, err := s.ledger.CreditPending(ctx, tx, ledger.Posting{
				CreatorID:   ev.CreatorID,
				Amount:      ev.CreatorCents,
				ReferenceID: "earning:" + ev.ID,
				Description: string(ev.EventType),
				Metadata: map[string]any{
					"source_type": ev.SourceType,
					"source_id":   ev.SourceID,
				},
			}); err != nil {
				return err
			}
		}

		result = &RecordResult{Event: ev}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Duplicate {
		zapLog.Info("earning already recorded")
		duplicateTotal.Inc()
	} else {
		recordedTotal.WithLabelValues(string(ev.EventType)).Inc()
		recordedCents.WithLabelValues(string(ev.EventType)).Add(float64(ev.CreatorCents))
	}

	return result, nil
}

// findExisting looks up an earlier event for the same order item, or for
// the same idempotency key when there is no order (milestones).
func (s *Service) findExisting(ctx context.Context, tx *gorm.DB, ev *EarningEvent) (*EarningEvent, error) {
	repo := s.events.WithTrx(tx)
	if ev.OrderID != nil {
		return repo.FindOne(ctx, &EarningEvent{OrderID: ev.OrderID, SourceID: ev.SourceID})
	}
	return repo.FindOne(ctx, &EarningEvent{IdempotencyKey: ev.IdempotencyKey})
}

// OrderPaid is called by the order subsystem when an order becomes paid. The
// order row is locked first so concurrent calls for the same order serialize
// and only the first one creates earning events.
func (s *Service) OrderPaid(ctx context.Context, ev OrderPaidEvent) (*OrderPaidResult, error) {
	ctx, span := tracer.Start(ctx, "earning.OrderPaid")
	defer span.End()

	zapLog := logger.FromContext(ctx).With(zap.String("order_id", ev.OrderID), zap.String("status", ev.Status))

	if !earningOrderStatuses[ev.Status] {
		return nil, errutil.ValidationFailed(fmt.Sprintf("order status %q does not release earnings", ev.Status), nil)
	}
	if len(ev.Items) == 0 {
		return nil, errutil.ValidationFailed("order has no items", nil)
	}

	out := &OrderPaidResult{OrderID: ev.OrderID}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := s.orders.WithTrx(tx).FindOne(ctx, &Order{ID: ev.OrderID}, option.WithLockingUpdate())
		if err != nil {
			zapLog.Error("failed to lock order", zap.Error(err))
			return err
		}
		if order == nil {
			return errutil.NotFound(fmt.Sprintf("order %s not found", ev.OrderID), nil)
		}

		if order.Status != ev.Status {
			if err := s.orders.WithTrx(tx).Update(ctx, order.ID, map[string]any{
				"status":     ev.Status,
				"updated_at": s.now(),
			}); err != nil {
				return err
			}
		}

		for _, item := range ev.Items {
			res, err := s.Record(ctx, tx, RecordParams{
				CreatorID:   item.CreatorID,
				CreatorRole: item.CreatorRole,
				SourceType:  item.SourceType,
				SourceID:    item.SourceID,
				OrderID:     ev.OrderID,
				SaleAmount:  item.Amount,
				Metadata:    item.Metadata,
			})
			if err != nil {
				return err
			}
			out.Items = append(out.Items, res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	zapLog.Info("order earnings recorded", zap.Int("items", len(out.Items)))
	return out, nil
}

// TransitionStatus flips every event of the creator in status from to to.
// Only pending -> available and available -> paid are allowed.
func (s *Service) TransitionStatus(ctx context.Context, tx *gorm.DB, creatorID string, from, to Status) (int64, error) {
	if !CanTransition(from, to) {
		return 0, errutil.ValidationFailed(fmt.Sprintf("illegal earning transition %s -> %s", from, to), nil)
	}

	var affected int64
	err := s.withTx(ctx, tx, func(tx *gorm.DB) error {
		res := tx.Model(&EarningEvent{}).
			Where("creator_id = ? AND status = ?", creatorID, from).
			Updates(map[string]any{
				"status":     to,
				"updated_at": s.now(),
			})
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		logger.FromContext(ctx).Error("failed to transition earning events",
			zap.String("creator_id", creatorID),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.Error(err),
		)
		return 0, err
	}

	return affected, nil
}

func (s *Service) ListEvents(ctx context.Context, creatorID string, status Status, pg pagination.Pagination) ([]*EarningEvent, *pagination.PageInfo, error) {
	filter := &EarningEvent{CreatorID: creatorID, Status: status}

	events, err := s.events.Find(ctx, filter,
		option.ApplyPagination(pg),
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "asc", Allow: map[string]bool{"id": true}}),
	)
	if err != nil {
		return nil, nil, err
	}

	page, info := pagination.Page(events, pg.Limit, func(e *EarningEvent) string { return e.ID })
	return page, info, nil
}

// Summary totals the creator's events per status.
func (s *Service) Summary(ctx context.Context, creatorID string) ([]StatusTotal, error) {
	var rows []struct {
		Status     Status
		Count      int64
		Gross      int64
		Commission int64
		Creator    int64
	}

	if err := s.db.WithContext(ctx).
		Model(&EarningEvent{}).
		Select("status, COUNT(*) AS count, COALESCE(SUM(gross_cents), 0) AS gross, COALESCE(SUM(commission_cents), 0) AS commission, COALESCE(SUM(creator_cents), 0) AS creator").
		Where("creator_id = ?", creatorID).
		Group("status").
		Order("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]StatusTotal, 0, len(rows))
	for _, r := range rows {
		out = append(out, StatusTotal{
			Status:     r.Status,
			Count:      r.Count,
			Gross:      money.Cents(r.Gross),
			Commission: money.Cents(r.Commission),
			Creator:    money.Cents(r.Creator),
		})
	}
	return out, nil
}
