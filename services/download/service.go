package download

import (
	"context"
	"fmt"
	"time"

	"creator-earnings/pkg/config"
	"creator-earnings/pkg/db/option"
	"creator-earnings/pkg/db/pagination"
	"creator-earnings/pkg/errutil"
	"creator-earnings/pkg/logger"
	"creator-earnings/pkg/repository"
	"creator-earnings/services/earning"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var tracer = otel.Tracer("creator-earnings/services/download")

// Recorder books milestone bonuses.
type Recorder interface {
	RecordMilestone(ctx context.Context, tx *gorm.DB, p earning.MilestoneParams) (*earning.RecordResult, error)
}

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	catalog  ProductCatalog
	recorder Recorder
	interval int64
	now      func() time.Time

	stats  repository.Repository[ProductDownloadStats]
	events repository.Repository[ProductDownloadEvent]
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Config   *config.Config
	Catalog  ProductCatalog
	Recorder *earning.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		catalog:  p.Catalog,
		recorder: p.Recorder,
		interval: p.Config.Earnings.MilestoneInterval,
		now:      time.Now,

		stats:  repository.ProvideStore[ProductDownloadStats](p.DB),
		events: repository.ProvideStore[ProductDownloadEvent](p.DB),
	}
}

// TrackDownload logs one download and bumps the product counters. When a
// free download of a free product crosses the next milestone, the milestone
// is advanced and its bonus recorded in the same transaction, so concurrent
// downloads crossing one threshold fire it once.
func (s *Service) TrackDownload(ctx context.Context, p TrackParams) (*TrackResult, error) {
	ctx, span := tracer.Start(ctx, "download.TrackDownload")
	defer span.End()
	span.SetAttributes(
		attribute.String("product_id", p.ProductID),
		attribute.String("download_type", string(p.DownloadType)),
	)

	zapLog := logger.FromContext(ctx).With(
		zap.String("product_id", p.ProductID),
		zap.String("download_type", string(p.DownloadType)),
	)

	if p.ProductID == "" {
		return nil, errutil.ValidationFailed("product id is required", nil)
	}
	if !p.DownloadType.Valid() {
		return nil, errutil.ValidationFailed(fmt.Sprintf("unknown download type %q", p.DownloadType), nil)
	}

	result := &TrackResult{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		product, err := s.catalog.Product(ctx, tx, p.ProductID)
		if err != nil {
			return err
		}
		if product == nil {
			return errutil.NotFound(fmt.Sprintf("product %s not found", p.ProductID), nil)
		}

		now := s.now().UTC()
		if err := s.events.WithTrx(tx).Create(ctx, &ProductDownloadEvent{
			ID:           s.node.Generate().String(),
			ProductID:    p.ProductID,
			UserID:       p.UserID,
			DownloadType: p.DownloadType,
			CreatedAt:    now,
		}); err != nil {
			zapLog.Error("failed to append download event", zap.Error(err))
			return err
		}

		if err := s.increment(tx, p, now); err != nil {
			zapLog.Error("failed to increment download stats", zap.Error(err))
			return err
		}

		if p.DownloadType == TypeFree && product.IsFree() {
			result.Milestone, err = s.advanceMilestone(ctx, tx, product)
			if err != nil {
				return err
			}
		}

		result.Stats, err = s.stats.WithTrx(tx).FindOne(ctx, &ProductDownloadStats{ProductID: p.ProductID})
		return err
	})
	if err != nil {
		return nil, err
	}

	downloadsTotal.WithLabelValues(string(p.DownloadType)).Inc()
	return result, nil
}

func (s *Service) increment(tx *gorm.DB, p TrackParams, now time.Time) error {
	var free, paid, sub int64
	switch p.DownloadType {
	case TypeFree:
		free = 1
	case TypePaid:
		paid = 1
	case TypeSubscription:
		sub = 1
	}

	week, month := weekKey(now), monthKey(now)
	row := &ProductDownloadStats{
		ProductID:             p.ProductID,
		TotalDownloads:        1,
		FreeDownloads:         free,
		PaidDownloads:         paid,
		SubscriptionDownloads: sub,
		WeeklyDownloads:       1,
		WeekKey:               week,
		MonthlyDownloads:      1,
		MonthKey:              month,
		LastDownloadAt:        &now,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	// window counters must be assigned before their keys; mysql applies
	// assignments left to right
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "product_id"}},
		DoUpdates: clause.Set{
			{Column: clause.Column{Name: "total_downloads"}, Value: gorm.Expr("product_download_stats.total_downloads + 1")},
			{Column: clause.Column{Name: "free_downloads"}, Value: gorm.Expr("product_download_stats.free_downloads + ?", free)},
			{Column: clause.Column{Name: "paid_downloads"}, Value: gorm.Expr("product_download_stats.paid_downloads + ?", paid)},
			{Column: clause.Column{Name: "subscription_downloads"}, Value: gorm.Expr("product_download_stats.subscription_downloads + ?", sub)},
			{Column: clause.Column{Name: "weekly_downloads"}, Value: gorm.Expr("CASE WHEN product_download_stats.week_key = ? THEN product_download_stats.weekly_downloads + 1 ELSE 1 END", week)},
			{Column: clause.Column{Name: "week_key"}, Value: week},
			{Column: clause.Column{Name: "monthly_downloads"}, Value: gorm.Expr("CASE WHEN product_download_stats.month_key = ? THEN product_download_stats.monthly_downloads + 1 ELSE 1 END", month)},
			{Column: clause.Column{Name: "month_key"}, Value: month},
			{Column: clause.Column{Name: "last_download_at"}, Value: now},
			{Column: clause.Column{Name: "updated_at"}, Value: now},
		},
	}).Create(row).Error
}

// advanceMilestone moves last_milestone_count forward by one interval if the
// free counter has reached it. The conditional update runs under the row
// lock taken by the upsert, so only one download wins a given milestone.
func (s *Service) advanceMilestone(ctx context.Context, tx *gorm.DB, product *Product) (*earning.RecordResult, error) {
	res := tx.Model(&ProductDownloadStats{}).
		Where("product_id = ? AND free_downloads - last_milestone_count >= ?", product.ID, s.interval).
		Update("last_milestone_count", gorm.Expr("last_milestone_count + ?", s.interval))
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}

	stats, err := s.stats.WithTrx(tx).FindOne(ctx, &ProductDownloadStats{ProductID: product.ID})
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Info("free download milestone reached",
		zap.String("product_id", product.ID),
		zap.String("owner_id", product.OwnerID),
		zap.Int64("count", stats.LastMilestoneCount),
	)
	milestonesTotal.Inc()

	return s.recorder.RecordMilestone(ctx, tx, earning.MilestoneParams{
		CreatorID:   product.OwnerID,
		CreatorRole: product.OwnerRole,
		ProductID:   product.ID,
		Count:       stats.LastMilestoneCount,
	})
}

// GetStats returns zero counters for a product never downloaded.
func (s *Service) GetStats(ctx context.Context, productID string) (*ProductDownloadStats, error) {
	stats, err := s.stats.FindOne(ctx, &ProductDownloadStats{ProductID: productID})
	if err != nil {
		return nil, err
	}
	if stats == nil {
		return &ProductDownloadStats{ProductID: productID}, nil
	}
	return stats, nil
}

func (s *Service) ListEvents(ctx context.Context, productID string, pg pagination.Pagination) ([]*ProductDownloadEvent, *pagination.PageInfo, error) {
	events, err := s.events.Find(ctx, &ProductDownloadEvent{ProductID: productID},
		option.ApplyPagination(pg),
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "asc", Allow: map[string]bool{"id": true}}),
	)
	if err != nil {
		return nil, nil, err
	}

	page, info := pagination.Page(events, pg.Limit, func(e *ProductDownloadEvent) string { return e.ID })
	return page, info, nil
}
