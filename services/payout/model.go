package payout

import (
	"fmt"
	"time"

	"creator-earnings/pkg/money"
)

type Status string

const (
	StatusAwaitingAdmin     Status = "awaiting_admin"
	StatusApproved          Status = "approved"
	StatusPaymentProcessing Status = "payment_processing"
	StatusCompleted         Status = "completed"
	StatusRejected          Status = "rejected"
)

var transitions = map[Status][]Status{
	StatusAwaitingAdmin:     {StatusApproved, StatusRejected},
	StatusApproved:          {StatusPaymentProcessing},
	StatusPaymentProcessing: {StatusCompleted},
}

func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRejected
}

// PayoutRequest reserves funds from the creator's available balance until it
// is completed or rejected.
type PayoutRequest struct {
	ID                   string       `gorm:"column:id;primaryKey" json:"id"`
	Reference            string       `gorm:"column:reference;size:32;uniqueIndex" json:"reference"`
	CreatorID            string       `gorm:"column:creator_id;not null;index" json:"creator_id"`
	AmountRequestedCents money.Cents  `gorm:"column:amount_requested_cents;not null" json:"amount_requested"`
	AmountApprovedCents  *money.Cents `gorm:"column:amount_approved_cents" json:"amount_approved,omitempty"`
	PayoutMethod         string       `gorm:"column:payout_method;size:32" json:"payout_method"`
	PayoutAccountID      string       `gorm:"column:payout_account_id" json:"payout_account_id"`
	Status               Status       `gorm:"column:status;size:32;not null;index" json:"status"`
	IsAutoGenerated      bool         `gorm:"column:is_auto_generated;not null;default:false" json:"is_auto_generated"`
	AutoPayoutKey        *string      `gorm:"column:auto_payout_key;size:191;uniqueIndex" json:"-"`
	TransactionReference string       `gorm:"column:transaction_reference" json:"transaction_reference,omitempty"`
	RequestedAt          time.Time    `gorm:"column:requested_at;not null" json:"requested_at"`
	ProcessedAt          *time.Time   `gorm:"column:processed_at" json:"processed_at,omitempty"`
	PayoutDate           *time.Time   `gorm:"column:payout_date" json:"payout_date,omitempty"`
	AdminNotes           string       `gorm:"column:admin_notes" json:"admin_notes,omitempty"`
	RejectionReason      string       `gorm:"column:rejection_reason" json:"rejection_reason,omitempty"`
	CreatedAt            time.Time    `gorm:"column:created_at" json:"created_at"`
	UpdatedAt            time.Time    `gorm:"column:updated_at" json:"updated_at"`
}

func (PayoutRequest) TableName() string { return "payout_requests" }

// Settled is the amount that leaves the platform: the approved amount when
// set, otherwise the requested one.
func (r *PayoutRequest) Settled() money.Cents {
	if r.AmountApprovedCents != nil {
		return *r.AmountApprovedCents
	}
	return r.AmountRequestedCents
}

func autoPayoutKey(creatorID string, date time.Time) string {
	return fmt.Sprintf("auto:%s:%s", creatorID, date.Format(time.DateOnly))
}

// PayoutAccount belongs to the payout account subsystem; it is read only here.
type PayoutAccount struct {
	ID        string    `gorm:"column:id;primaryKey" json:"id"`
	UserID    string    `gorm:"column:user_id;not null;index" json:"user_id"`
	Type      string    `gorm:"column:type;size:32;not null" json:"type"`
	IsDefault bool      `gorm:"column:is_default;not null;default:false" json:"is_default"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
}

func (PayoutAccount) TableName() string { return "payout_accounts" }

type RequestParams struct {
	CreatorID string      `json:"-"`
	Amount    money.Cents `json:"amount" binding:"required"`
	Method    string      `json:"payout_method" binding:"required"`
	AccountID string      `json:"payout_account_id" binding:"required"`
}

type ApproveParams struct {
	// Amount defaults to the requested amount.
	Amount    *money.Cents `json:"amount_approved,omitempty"`
	Reference string       `json:"transaction_reference"`
	Notes     string       `json:"admin_notes"`
}

type AutoPayoutParams struct {
	CreatorID string
	Amount    money.Cents
	Account   *PayoutAccount
	Date      time.Time
}

type BulkAction string

const (
	BulkApprove  BulkAction = "approve"
	BulkReject   BulkAction = "reject"
	BulkMarkPaid BulkAction = "mark_paid"
	BulkComplete BulkAction = "complete"
)

type BulkParams struct {
	Action    BulkAction `json:"action" binding:"required,oneof=approve reject mark_paid complete"`
	IDs       []string   `json:"ids" binding:"required,min=1,max=100,dive,required"`
	Reason    string     `json:"reason"`
	Reference string     `json:"transaction_reference"`
	Notes     string     `json:"admin_notes"`
}

type BulkItemResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Status  Status `json:"status,omitempty"`
	Error   string `json:"error,omitempty"`
}

type BulkResult struct {
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Items     []*BulkItemResult `json:"items"`
}

type ListParams struct {
	CreatorID string
	Status    Status
}
