package download

import (
	"fmt"
	"time"

	"creator-earnings/pkg/money"
	"creator-earnings/services/earning"
)

type Type string

const (
	TypeFree         Type = "free"
	TypePaid         Type = "paid"
	TypeSubscription Type = "subscription"
)

func (t Type) Valid() bool {
	switch t {
	case TypeFree, TypePaid, TypeSubscription:
		return true
	}
	return false
}

// ProductDownloadStats holds monotonic counters per product. Weekly and
// monthly counters restart when the window key changes.
type ProductDownloadStats struct {
	ProductID             string     `gorm:"column:product_id;primaryKey" json:"product_id"`
	TotalDownloads        int64      `gorm:"column:total_downloads;not null;default:0" json:"total_downloads"`
	FreeDownloads         int64      `gorm:"column:free_downloads;not null;default:0" json:"free_downloads"`
	PaidDownloads         int64      `gorm:"column:paid_downloads;not null;default:0" json:"paid_downloads"`
	SubscriptionDownloads int64      `gorm:"column:subscription_downloads;not null;default:0" json:"subscription_downloads"`
	WeeklyDownloads       int64      `gorm:"column:weekly_downloads;not null;default:0" json:"weekly_downloads"`
	WeekKey               string     `gorm:"column:week_key;size:10" json:"week"`
	MonthlyDownloads      int64      `gorm:"column:monthly_downloads;not null;default:0" json:"monthly_downloads"`
	MonthKey              string     `gorm:"column:month_key;size:7" json:"month"`
	LastMilestoneCount    int64      `gorm:"column:last_milestone_count;not null;default:0" json:"last_milestone_count"`
	LastDownloadAt        *time.Time `gorm:"column:last_download_at" json:"last_download_at,omitempty"`
	CreatedAt             time.Time  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt             time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

func (ProductDownloadStats) TableName() string { return "product_download_stats" }

// ProductDownloadEvent is append only.
type ProductDownloadEvent struct {
	ID           string    `gorm:"column:id;primaryKey" json:"id"`
	ProductID    string    `gorm:"column:product_id;not null;index" json:"product_id"`
	UserID       string    `gorm:"column:user_id;index" json:"user_id"`
	DownloadType Type      `gorm:"column:download_type;size:16;not null" json:"download_type"`
	CreatedAt    time.Time `gorm:"column:created_at" json:"created_at"`
}

func (ProductDownloadEvent) TableName() string { return "product_download_events" }

// Product is the catalog row; this package only reads it.
type Product struct {
	ID         string      `gorm:"column:id;primaryKey" json:"id"`
	OwnerID    string      `gorm:"column:owner_id;not null" json:"owner_id"`
	OwnerRole  string      `gorm:"column:owner_role;size:32" json:"owner_role"`
	PriceCents money.Cents `gorm:"column:price_cents;not null;default:0" json:"price"`
}

func (Product) TableName() string { return "products" }

func (p *Product) IsFree() bool {
	return p.PriceCents == 0
}

type TrackParams struct {
	ProductID    string `json:"product_id" binding:"required"`
	UserID       string `json:"user_id"`
	DownloadType Type   `json:"download_type" binding:"required,oneof=free paid subscription"`
}

type TrackResult struct {
	Stats     *ProductDownloadStats `json:"stats"`
	Milestone *earning.RecordResult `json:"milestone,omitempty"`
}

func weekKey(t time.Time) string {
	y, w := t.ISOWeek()
	return fmt.Sprintf("%d-W%02d", y, w)
}

func monthKey(t time.Time) string {
	return t.Format("2006-01")
}
