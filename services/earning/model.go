package earning

import (
	"fmt"
	"time"

	"creator-earnings/pkg/money"

	"gorm.io/datatypes"
)

type EventType string

const (
	EventProductSale           EventType = "product_sale"
	EventCourseSale            EventType = "course_sale"
	EventFreeDownloadMilestone EventType = "free_download_milestone"
)

type SourceType string

const (
	SourceProduct SourceType = "product"
	SourceCourse  SourceType = "course"
)

func (t SourceType) saleEvent() (EventType, bool) {
	switch t {
	case SourceProduct:
		return EventProductSale, true
	case SourceCourse:
		return EventCourseSale, true
	default:
		return "", false
	}
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusAvailable Status = "available"
	StatusPaid      Status = "paid"
)

// CanTransition allows only pending -> available -> paid.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusAvailable
	case StatusAvailable:
		return to == StatusPaid
	default:
		return false
	}
}

// EarningEvent is immutable once written apart from its status.
type EarningEvent struct {
	ID              string         `gorm:"column:id;primaryKey" json:"id"`
	CreatorID       string         `gorm:"column:creator_id;not null;index:idx_earning_events_creator_status,priority:1" json:"creator_id"`
	CreatorRole     string         `gorm:"column:creator_role;size:32" json:"creator_role"`
	EventType       EventType      `gorm:"column:event_type;size:32;not null" json:"event_type"`
	SourceType      SourceType     `gorm:"column:source_type;size:32;not null" json:"source_type"`
	SourceID        string         `gorm:"column:source_id;not null;uniqueIndex:idx_earning_events_order_source,priority:2" json:"source_id"`
	OrderID         *string        `gorm:"column:order_id;uniqueIndex:idx_earning_events_order_source,priority:1" json:"order_id,omitempty"`
	GrossCents      money.Cents    `gorm:"column:gross_cents;not null" json:"gross_amount"`
	CommissionCents money.Cents    `gorm:"column:commission_cents;not null" json:"platform_commission"`
	CreatorCents    money.Cents    `gorm:"column:creator_cents;not null" json:"creator_amount"`
	CommissionRate  string         `gorm:"column:commission_rate;size:16" json:"commission_rate"`
	Status          Status         `gorm:"column:status;size:16;not null;index:idx_earning_events_creator_status,priority:2" json:"status"`
	EventDate       time.Time      `gorm:"column:event_date;not null" json:"event_date"`
	IdempotencyKey  string         `gorm:"column:idempotency_key;size:191;not null;uniqueIndex" json:"-"`
	Metadata        datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
	CreatedAt       time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"column:updated_at" json:"updated_at"`
}

func (EarningEvent) TableName() string { return "earning_events" }

func saleKey(orderID string, sourceType SourceType, sourceID string) string {
	return fmt.Sprintf("order:%s:%s:%s", orderID, sourceType, sourceID)
}

func milestoneKey(productID string, count int64) string {
	return fmt.Sprintf("milestone:%s:%d", productID, count)
}

// Order is the order subsystem's row. Only its status is written here, under
// a row lock, when the order becomes paid.
type Order struct {
	ID        string    `gorm:"column:id;primaryKey" json:"id"`
	BuyerID   string    `gorm:"column:buyer_id" json:"buyer_id"`
	Status    string    `gorm:"column:status;size:32" json:"status"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Order) TableName() string { return "orders" }

var earningOrderStatuses = map[string]bool{
	"paid":      true,
	"delivered": true,
	"completed": true,
}

// RecordParams is one sold line item.
type RecordParams struct {
	CreatorID   string
	CreatorRole string
	SourceType  SourceType
	SourceID    string
	OrderID     string
	SaleAmount  money.Cents
	Metadata    map[string]any
}

type MilestoneParams struct {
	CreatorID   string
	CreatorRole string
	ProductID   string
	// Count is the free download count the milestone was reached at.
	Count int64
}

type RecordResult struct {
	Event     *EarningEvent `json:"event,omitempty"`
	Duplicate bool          `json:"duplicate"`
	Exempt    bool          `json:"exempt"`
}

type OrderItem struct {
	SourceType  SourceType     `json:"source_type" binding:"required,oneof=product course"`
	SourceID    string         `json:"source_id" binding:"required"`
	CreatorID   string         `json:"creator_id" binding:"required"`
	CreatorRole string         `json:"creator_role"`
	Amount      money.Cents    `json:"amount" binding:"required"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type OrderPaidEvent struct {
	OrderID string      `json:"-"`
	Status  string      `json:"status" binding:"required"`
	Items   []OrderItem `json:"items" binding:"required,min=1,dive"`
}

type OrderPaidResult struct {
	OrderID string          `json:"order_id"`
	Items   []*RecordResult `json:"items"`
}

type StatusTotal struct {
	Status     Status      `json:"status"`
	Count      int64       `json:"count"`
	Gross      money.Cents `json:"gross_amount"`
	Commission money.Cents `json:"platform_commission"`
	Creator    money.Cents `json:"creator_amount"`
}
