package ledger

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
	v1.GET("/creators/:creator_id/balance", h.GetBalance)
	v1.GET("/creators/:creator_id/ledger", h.ListEntries)

	admin := v1.Group("/admin", middleware.RequireAdmin())
	admin.POST("/creators/:creator_id/reconcile", h.Reconcile)
	admin.GET("/creators/:creator_id/ledger/verify", h.VerifyChain)
}

func (h *Handler) GetBalance(c *gin.Context) {
	creatorID := c.Param("creator_id")
	if err := middleware.AuthorizeCreator(c.Request.Context(), creatorID); err != nil {
		_ = c.Error(err)
		return
	}

	bal, err := h.svc.GetBalance(c.Request.Context(), creatorID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, bal)
}

func (h *Handler) ListEntries(c *gin.Context) {
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

	entries, info, err := h.svc.ListEntries(c.Request.Context(), creatorID, pg)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": entries, "page_info": info})
}

func (h *Handler) Reconcile(c *gin.Context) {
	result, err := h.svc.Reconcile(c.Request.Context(), c.Param("creator_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) VerifyChain(c *gin.Context) {
	report, err := h.svc.VerifyChain(c.Request.Context(), c.Param("creator_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, report)
}
