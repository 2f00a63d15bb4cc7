package settlement

import (
	"errors"
	"io"
	"net/http"
	"time"

	"creator-earnings/pkg/db/pagination"
	"creator-earnings/pkg/errutil"
	"creator-earnings/pkg/middleware"
	"creator-earnings/pkg/task"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

type Handler struct {
	svc        *Service
	dispatcher *Dispatcher
}

type HandlerParams struct {
	fx.In
	Service    *Service
	Dispatcher *Dispatcher `optional:"true"`
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{svc: p.Service, dispatcher: p.Dispatcher}
}

func RegisterRoutes(r *gin.Engine, h *Handler) {
	admin := r.Group("/v1/admin/settlements", middleware.RequireAdmin())
	admin.POST("/run", h.Run)
	admin.GET("/preview", h.Preview)
	admin.GET("", h.ListRuns)
	admin.GET("/:date", h.GetRun)
}

type runBody struct {
	// Date defaults to today.
	Date  string `json:"date"`
	Async bool   `json:"async"`
}

func (h *Handler) date(raw string) (time.Time, error) {
	if raw == "" {
		return h.svc.now(), nil
	}
	d, err := time.ParseInLocation(time.DateOnly, raw, h.svc.loc)
	if err != nil {
		return time.Time{}, errutil.BadRequest("date must be yyyy-mm-dd", err)
	}
	return d, nil
}

func (h *Handler) Run(c *gin.Context) {
	var body runBody
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	date, err := h.date(body.Date)
	if err != nil {
		_ = c.Error(err)
		return
	}

	if body.Async {
		if h.dispatcher == nil {
			_ = c.Error(errutil.New(errutil.StatusNotImplemented, "task queue not configured"))
			return
		}
		day, _ := h.svc.settlementDay(date)
		info, err := h.dispatcher.Enqueue(c.Request.Context(), day, TriggerManual)
		if err != nil {
			if errors.Is(err, task.ErrDuplicateTask) {
				_ = c.Error(errutil.Conflict("settlement for "+day+" is already queued", err))
				return
			}
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"task_id": info.ID, "run_date": day})
		return
	}

	result, err := h.svc.Run(c.Request.Context(), date, TriggerManual)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) Preview(c *gin.Context) {
	date, err := h.date(c.Query("date"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	preview, err := h.svc.Preview(c.Request.Context(), date)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, preview)
}

func (h *Handler) ListRuns(c *gin.Context) {
	var pg pagination.Pagination
	if err := c.ShouldBindQuery(&pg); err != nil {
		_ = c.Error(errutil.BadRequest("invalid pagination", err))
		return
	}

	runs, info, err := h.svc.ListRuns(c.Request.Context(), pg)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": runs, "page_info": info})
}

func (h *Handler) GetRun(c *gin.Context) {
	run, err := h.svc.GetRun(c.Request.Context(), c.Param("date"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, run)
}
