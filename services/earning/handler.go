package earning

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
	v1.POST("/orders/:order_id/paid", middleware.RequireRole(middleware.RoleAdmin, middleware.RoleSystem), h.OrderPaid)
	v1.GET("/creators/:creator_id/earnings", h.ListEvents)
	v1.GET("/creators/:creator_id/earnings/summary", h.Summary)
}

// OrderPaid is called by the order subsystem once an order is paid.
func (h *Handler) OrderPaid(c *gin.Context) {
	var req OrderPaidEvent
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}
	req.OrderID = c.Param("order_id")

	result, err := h.svc.OrderPaid(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) ListEvents(c *gin.Context) {
	creatorID := c.Param("creator_id")
	if err := middleware.AuthorizeCreator(c.Request.Context(), creatorID); err != nil {
		_ = c.Error(err)
		return
	}

	var pg pagination.Pagination
	if err := c.ShouldBindQuery(&pg); err != nil {
		_ = c.Error(errutil.BadRequest("invalid pagination", err))
		return
	}

	status := Status(c.Query("status"))
	switch status {
	case "", StatusPending, StatusAvailable, StatusPaid:
	default:
		_ = c.Error(errutil.BadRequest("unknown earning status", nil))
		return
	}

	events, info, err := h.svc.ListEvents(c.Request.Context(), creatorID, status, pg)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": events, "page_info": info})
}

func (h *Handler) Summary(c *gin.Context) {
	creatorID := c.Param("creator_id")
	if err := middleware.AuthorizeCreator(c.Request.Context(), creatorID); err != nil {
		_ = c.Error(err)
		return
	}

	totals, err := h.svc.Summary(c.Request.Context(), creatorID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": totals})
}
