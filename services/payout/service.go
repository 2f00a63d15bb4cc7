package payout

import (
	"context"
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
	"creator-earnings/pkg/sequence"
	"creator-earnings/services/ledger"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("creator-earnings/services/payout")

// Ledger is the part of the balance ledger payouts move money through.
type Ledger interface {
	DebitAvailable(ctx context.Context, tx *gorm.DB, p ledger.Posting) (*ledger.LedgerEntry, error)
	CreditAvailable(ctx context.Context, tx *gorm.DB, p ledger.Posting) (*ledger.LedgerEntry, error)
}

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	ledger   Ledger
	accounts AccountDirectory
	seq      sequence.Generator
	minimum  money.Cents
	now      func() time.Time

	requests repository.Repository[PayoutRequest]
}

type ServiceParams struct {
	fx.In
	DB        *gorm.DB
	Node      *snowflake.Node
	Config    *config.Config
	Ledger    *ledger.Service
	Accounts  AccountDirectory
	Generator sequence.Generator
}

func NewService(p ServiceParams) (*Service, error) {
	minimum, err := money.Parse(p.Config.Payout.MinimumAmount)
	if err != nil {
		return nil, fmt.Errorf("minimum payout amount: %w", err)
	}

	return &Service{
		db:       p.DB,
		node:     p.Node,
		ledger:   p.Ledger,
		accounts: p.Accounts,
		seq:      p.Generator,
		minimum:  minimum,
		now:      time.Now,

		requests: repository.ProvideStore[PayoutRequest](p.DB),
	}, nil
}

func (s *Service) Minimum() money.Cents {
	return s.minimum
}

// Accounts exposes the account directory to settlement.
func (s *Service) Accounts() AccountDirectory {
	return s.accounts
}

func ledgerRef(id string) string {
	return "payout:" + id
}

// RequestPayout reserves amount from the creator's available balance and
// queues the request for an admin.
func (s *Service) RequestPayout(ctx context.Context, p RequestParams) (*PayoutRequest, error) {
	ctx, span := tracer.Start(ctx, "payout.RequestPayout")
	defer span.End()
	span.SetAttributes(attribute.String("creator_id", p.CreatorID))

	zapLog := logger.FromContext(ctx).With(zap.String("creator_id", p.CreatorID), zap.Stringer("amount", p.Amount))

	if p.Amount < s.minimum {
		return nil, errutil.ValidationFailed(fmt.Sprintf("minimum payout is $%s", s.minimum), nil, errutil.WithDetails(errutil.Detail{
			Field:   "amount",
			Message: "below_minimum",
		}))
	}

	account, err := s.accounts.Get(ctx, nil, p.AccountID)
	if err != nil {
		return nil, err
	}
	switch {
	case account == nil:
		return nil, errutil.ValidationFailed("payout account not found", nil)
	case account.UserID != p.CreatorID:
		return nil, errutil.ValidationFailed("payout account does not belong to creator", nil)
	case account.Type != p.Method:
		return nil, errutil.ValidationFailed(fmt.Sprintf("payout account is %s, not %s", account.Type, p.Method), nil)
	}

	code, err := s.seq.NextPayoutCode(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	req := &PayoutRequest{
		ID:                   s.node.Generate().String(),
		Reference:            code,
		CreatorID:            p.CreatorID,
		AmountRequestedCents: p.Amount,
		PayoutMethod:         p.Method,
		PayoutAccountID:      account.ID,
		Status:               StatusAwaitingAdmin,
		RequestedAt:          now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.ledger.DebitAvailable(ctx, tx, ledger.Posting{
			CreatorID:   p.CreatorID,
			Amount:      p.Amount,
			ReferenceID: ledgerRef(req.ID),
			Description: "payout requested",
		}); err != nil {
			return err
		}
		return s.requests.WithTrx(tx).Create(ctx, req)
	})
	if err != nil {
		zapLog.Info("payout request refused", zap.Error(err))
		return nil, err
	}

	requestedTotal.WithLabelValues("manual").Inc()
	zapLog.Info("payout requested", zap.String("payout_id", req.ID), zap.String("reference", req.Reference))
	return req, nil
}

// transition locks the request, checks the move is legal and applies
// updates. apply runs inside the same transaction before the write.
func (s *Service) transition(ctx context.Context, id string, to Status, apply func(tx *gorm.DB, req *PayoutRequest, updates map[string]any) error) (*PayoutRequest, error) {
	// an empty id is a zero filter and would match any row
	if id == "" {
		return nil, errutil.ValidationFailed("payout request id is required", nil)
	}

	var out *PayoutRequest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.requests.WithTrx(tx)
		req, err := repo.FindOne(ctx, &PayoutRequest{ID: id}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if req == nil {
			return errutil.NotFound(fmt.Sprintf("payout request %s not found", id), nil)
		}
		if !req.Status.CanTransition(to) {
			return errutil.Conflict(fmt.Sprintf("payout request is %s, cannot move to %s", req.Status, to), nil)
		}

		updates := map[string]any{
			"status":     to,
			"updated_at": s.now(),
		}
		if apply != nil {
			if err := apply(tx, req, updates); err != nil {
				return err
			}
		}

		res := tx.Model(&PayoutRequest{}).
			Where("id = ? AND status = ?", id, req.Status).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errutil.Conflict("payout request changed concurrently", nil)
		}

		out, err = repo.FindOne(ctx, &PayoutRequest{ID: id})
		return err
	})
	if err != nil {
		logger.FromContext(ctx).Info("payout transition failed",
			zap.String("payout_id", id),
			zap.String("to", string(to)),
			zap.Error(err),
		)
		return nil, err
	}

	transitionsTotal.WithLabelValues(string(to)).Inc()
	return out, nil
}

// Approve accepts the request, optionally for less than requested; the
// unapproved remainder goes back to available.
func (s *Service) Approve(ctx context.Context, id string, p ApproveParams) (*PayoutRequest, error) {
	ctx, span := tracer.Start(ctx, "payout.Approve")
	defer span.End()

	return s.transition(ctx, id, StatusApproved, func(tx *gorm.DB, req *PayoutRequest, updates map[string]any) error {
		approved := req.AmountRequestedCents
		if p.Amount != nil {
			approved = *p.Amount
		}
		if approved <= 0 || approved > req.AmountRequestedCents {
			return errutil.ValidationFailed(fmt.Sprintf("approved amount must be between $0.01 and $%s", req.AmountRequestedCents), nil)
		}

		if remainder := req.AmountRequestedCents - approved; remainder > 0 {
			if _, err := s.ledger.CreditAvailable(ctx, tx, ledger.Posting{
				CreatorID:   req.CreatorID,
				Amount:      remainder,
				ReferenceID: ledgerRef(req.ID),
				Description: "payout partially approved",
			}); err != nil {
				return err
			}
		}

		updates["amount_approved_cents"] = approved
		updates["processed_at"] = s.now()
		if p.Reference != "" {
			updates["transaction_reference"] = p.Reference
		}
		if p.Notes != "" {
			updates["admin_notes"] = p.Notes
		}
		return nil
	})
}

// Reject returns the reserved amount to available.
func (s *Service) Reject(ctx context.Context, id, reason string) (*PayoutRequest, error) {
	ctx, span := tracer.Start(ctx, "payout.Reject")
	defer span.End()

	if reason == "" {
		return nil, errutil.ValidationFailed("rejection reason is required", nil)
	}

	return s.transition(ctx, id, StatusRejected, func(tx *gorm.DB, req *PayoutRequest, updates map[string]any) error {
		if _, err := s.ledger.CreditAvailable(ctx, tx, ledger.Posting{
			CreatorID:   req.CreatorID,
			Amount:      req.AmountRequestedCents,
			ReferenceID: ledgerRef(req.ID),
			Description: "payout rejected",
		}); err != nil {
			return err
		}

		updates["rejection_reason"] = reason
		updates["processed_at"] = s.now()
		return nil
	})
}

func (s *Service) MarkPaid(ctx context.Context, id, reference string) (*PayoutRequest, error) {
	return s.transition(ctx, id, StatusPaymentProcessing, func(_ *gorm.DB, _ *PayoutRequest, updates map[string]any) error {
		if reference != "" {
			updates["transaction_reference"] = reference
		}
		return nil
	})
}

func (s *Service) Complete(ctx context.Context, id, reference string) (*PayoutRequest, error) {
	return s.transition(ctx, id, StatusCompleted, func(_ *gorm.DB, _ *PayoutRequest, updates map[string]any) error {
		if reference != "" {
			updates["transaction_reference"] = reference
		}
		updates["payout_date"] = s.now()
		return nil
	})
}

// Bulk applies one action to each id in its own transaction and reports
// every outcome; one failing item does not stop the rest.
func (s *Service) Bulk(ctx context.Context, p BulkParams) (*BulkResult, error) {
	out := &BulkResult{Items: make([]*BulkItemResult, 0, len(p.IDs))}

	for _, id := range p.IDs {
		var (
			req *PayoutRequest
			err error
		)
		switch p.Action {
		case BulkApprove:
			req, err = s.Approve(ctx, id, ApproveParams{Reference: p.Reference, Notes: p.Notes})
		case BulkReject:
			req, err = s.Reject(ctx, id, p.Reason)
		case BulkMarkPaid:
			req, err = s.MarkPaid(ctx, id, p.Reference)
		case BulkComplete:
			req, err = s.Complete(ctx, id, p.Reference)
		default:
			return nil, errutil.ValidationFailed(fmt.Sprintf("unknown bulk action %q", p.Action), nil)
		}

		item := &BulkItemResult{ID: id}
		if err != nil {
			item.Error = err.Error()
			out.Failed++
		} else {
			item.Success = true
			item.Status = req.Status
			out.Succeeded++
		}
		out.Items = append(out.Items, item)
	}

	logger.FromContext(ctx).Info("bulk payout action",
		zap.String("action", string(p.Action)),
		zap.Int("succeeded", out.Succeeded),
		zap.Int("failed", out.Failed),
	)
	return out, nil
}

// CreateAutoPayout pays out during settlement inside the caller's
// transaction. At most one auto payout exists per creator and date; when one
// already does it is returned with created false.
func (s *Service) CreateAutoPayout(ctx context.Context, tx *gorm.DB, p AutoPayoutParams) (*PayoutRequest, bool, error) {
	ctx, span := tracer.Start(ctx, "payout.CreateAutoPayout")
	defer span.End()

	key := autoPayoutKey(p.CreatorID, p.Date)
	repo := s.requests.WithTrx(tx)

	existing, err := repo.FindOne(ctx, &PayoutRequest{AutoPayoutKey: &key})
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	if p.Account == nil {
		return nil, false, errutil.ValidationFailed("auto payout needs a payout account", nil)
	}

	code, err := s.seq.NextPayoutCode(ctx)
	if err != nil {
		return nil, false, err
	}

	now := s.now()
	req := &PayoutRequest{
		ID:                   s.node.Generate().String(),
		Reference:            code,
		CreatorID:            p.CreatorID,
		AmountRequestedCents: p.Amount,
		AmountApprovedCents:  &p.Amount,
		PayoutMethod:         p.Account.Type,
		PayoutAccountID:      p.Account.ID,
		Status:               StatusCompleted,
		IsAutoGenerated:      true,
		AutoPayoutKey:        &key,
		RequestedAt:          now,
		ProcessedAt:          &now,
		PayoutDate:           &p.Date,
		AdminNotes:           "auto-generated during settlement",
	}

	if _, err := s.ledger.DebitAvailable(ctx, tx, ledger.Posting{
		CreatorID:   p.CreatorID,
		Amount:      p.Amount,
		ReferenceID: ledgerRef(req.ID),
		Description: "auto payout",
	}); err != nil {
		return nil, false, err
	}

	if err := repo.Create(ctx, req); err != nil {
		if db.IsUniqueViolation(err) {
			return nil, false, errutil.Conflict("auto payout created concurrently", err)
		}
		return nil, false, err
	}

	requestedTotal.WithLabelValues("auto").Inc()
	return req, true, nil
}

func (s *Service) Get(ctx context.Context, id string) (*PayoutRequest, error) {
	if id == "" {
		return nil, errutil.ValidationFailed("payout request id is required", nil)
	}
	req, err := s.requests.FindOne(ctx, &PayoutRequest{ID: id})
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, errutil.NotFound(fmt.Sprintf("payout request %s not found", id), nil)
	}
	return req, nil
}

func (s *Service) List(ctx context.Context, p ListParams, pg pagination.Pagination) ([]*PayoutRequest, *pagination.PageInfo, error) {
	reqs, err := s.requests.Find(ctx, &PayoutRequest{CreatorID: p.CreatorID, Status: p.Status},
		option.ApplyPagination(pg),
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "asc", Allow: map[string]bool{"id": true}}),
	)
	if err != nil {
		return nil, nil, err
	}

	page, info := pagination.Page(reqs, pg.Limit, func(r *PayoutRequest) string { return r.ID })
	return page, info, nil
}
