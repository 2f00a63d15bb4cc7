package payout

import (
	"errors"
	"io"
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
	v1.POST("/creators/:creator_id/payouts", h.Request)
	v1.GET("/creators/:creator_id/payouts", h.ListForCreator)

	admin := v1.Group("/admin/payouts", middleware.RequireAdmin())
	admin.GET("", h.List)
	admin.GET("/:id", h.Get)
	admin.POST("/:id/approve", h.Approve)
	admin.POST("/:id/reject", h.Reject)
	admin.POST("/:id/mark-paid", h.MarkPaid)
	admin.POST("/:id/complete", h.Complete)
	admin.POST("/bulk", h.Bulk)
}

func (h *Handler) Request(c *gin.Context) {
	creatorID := c.Param("creator_id")
	if err := middleware.AuthorizeCreator(c.Request.Context(), creatorID); err != nil {
		_ = c.Error(err)
		return
	}

	var req RequestParams
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}
	req.CreatorID = creatorID

	payout, err := h.svc.RequestPayout(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, payout)
}

func (h *Handler) ListForCreator(c *gin.Context) {
	creatorID := c.Param("creator_id")
	if err := middleware.AuthorizeCreator(c.Request.Context(), creatorID); err != nil {
		_ = c.Error(err)
		return
	}
	h.list(c, ListParams{CreatorID: creatorID, Status: Status(c.Query("status"))})
}

func (h *Handler) List(c *gin.Context) {
	h.list(c, ListParams{CreatorID: c.Query("creator_id"), Status: Status(c.Query("status"))})
}

func (h *Handler) list(c *gin.Context, p ListParams) {
	var pg pagination.Pagination
	if err := c.ShouldBindQuery(&pg); err != nil {
		_ = c.Error(errutil.BadRequest("invalid pagination", err))
		return
	}

	reqs, info, err := h.svc.List(c.Request.Context(), p, pg)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": reqs, "page_info": info})
}

func (h *Handler) Get(c *gin.Context) {
	req, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, req)
}

func (h *Handler) Approve(c *gin.Context) {
	var body ApproveParams
	if err := bindOptional(c, &body); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	req, err := h.svc.Approve(c.Request.Context(), c.Param("id"), body)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, req)
}

type rejectBody struct {
	Reason string `json:"reason" binding:"required"`
}

func (h *Handler) Reject(c *gin.Context) {
	var body rejectBody
	if err := c.ShouldBindJSON(&body); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	req, err := h.svc.Reject(c.Request.Context(), c.Param("id"), body.Reason)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, req)
}

type referenceBody struct {
	Reference string `json:"transaction_reference"`
}

func (h *Handler) MarkPaid(c *gin.Context) {
	var body referenceBody
	if err := bindOptional(c, &body); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	req, err := h.svc.MarkPaid(c.Request.Context(), c.Param("id"), body.Reference)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, req)
}

func (h *Handler) Complete(c *gin.Context) {
	var body referenceBody
	if err := bindOptional(c, &body); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	req, err := h.svc.Complete(c.Request.Context(), c.Param("id"), body.Reference)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, req)
}

func (h *Handler) Bulk(c *gin.Context) {
	var body BulkParams
	if err := c.ShouldBindJSON(&body); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	result, err := h.svc.Bulk(c.Request.Context(), body)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// bindOptional accepts an empty body.
func bindOptional(c *gin.Context, obj any) error {
	if err := c.ShouldBindJSON(obj); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
