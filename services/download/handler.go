package download

import (
	"net/http"

	"creator-earnings/pkg/db/pagination"
	"creator-earnings/pkg/errutil"
	"creator-earnings/pkg/middleware"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func RegisterRoutes(r *gin.Engine, h *Handler) {
	v1 := r.Group("/v1")
	v1.POST("/downloads", middleware.RequireRole(middleware.RoleAdmin, middleware.RoleSystem), h.Track)
	v1.GET("/products/:product_id/downloads/stats", h.GetStats)
	v1.GET("/products/:product_id/downloads", middleware.RequireAdmin(), h.ListEvents)
}

func (h *Handler) Track(c *gin.Context) {
	var req TrackParams
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	result, err := h.svc.TrackDownload(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.svc.GetStats(c.Request.Context(), c.Param("product_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

func (h *Handler) ListEvents(c *gin.Context) {
	var pg pagination.Pagination
	if err := c.ShouldBindQuery(&pg); err != nil {
		_ = c.Error(errutil.BadRequest("invalid pagination", err))
		return
	}

	events, info, err := h.svc.ListEvents(c.Request.Context(), c.Param("product_id"), pg)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": events, "page_info": info})
}
