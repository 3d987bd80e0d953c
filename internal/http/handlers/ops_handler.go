package handlers

// This file provides the ops endpoints: liveness, readiness, the poll loop
// status and a paged view of the persisted seen-set. Handlers never touch
// the portal; they read the loop's Status snapshot and the store.

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/slot-hunter/internal/domain"
	"github.com/tbourn/slot-hunter/internal/repo"
	"github.com/tbourn/slot-hunter/internal/services"
	"github.com/tbourn/slot-hunter/internal/utils"
)

// Page size bounds for ListSlots.
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// StatusSource reports the poll loop's state. *services.Poller satisfies it.
type StatusSource interface {
	Status() services.Status
}

// SlotLister reads the persisted seen-set. Every store in repo satisfies it.
type SlotLister interface {
	Load(ctx context.Context) ([]domain.Slot, error)
}

// Handler serves the ops endpoints.
type Handler struct {
	status StatusSource
	slots  SlotLister
}

// New builds a Handler.
func New(status StatusSource, slots SlotLister) *Handler {
	return &Handler{status: status, slots: slots}
}

// SlotPage is one page of the seen-set, in the order slots were first seen.
type SlotPage struct {
	Items    []domain.Slot `json:"items"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
	Total    int           `json:"total"`
}

// HealthResponse is the liveness body.
type HealthResponse struct {
	Status string `json:"status" example:"ok"`
}

// ReadyResponse is the readiness body; State is the loop's current state.
type ReadyResponse struct {
	Status string `json:"status" example:"ready"`
	State  string `json:"state" example:"idle"`
}

// Health godoc
// @ID          health
// @Summary     Liveness check
// @Description Always 200 while the process is serving.
// @Tags        Ops
// @Produce     json
// @Success     200  {object} handlers.HealthResponse
// @Router      /health [get]
func (h *Handler) Health(c *gin.Context) {
	ok(c, http.StatusOK, HealthResponse{Status: "ok"})
}

// Ready godoc
// @ID          ready
// @Summary     Readiness check
// @Description 200 while the poll loop is running, 503 once it has stopped.
// @Tags        Ops
// @Produce     json
// @Success     200  {object} handlers.ReadyResponse
// @Failure     503  {object} handlers.ErrorResponse "Poller has stopped"
// @Router      /ready [get]
func (h *Handler) Ready(c *gin.Context) {
	st := h.status.Status()
	if st.State == services.StateStopped.String() {
		fail(c, http.StatusServiceUnavailable, ErrCodeNotReady, "poller has stopped")
		return
	}
	ok(c, http.StatusOK, ReadyResponse{Status: "ready", State: st.State})
}

// Status godoc
// @ID          getStatus
// @Summary     Poll loop status
// @Description Returns the loop state, cycle count, last outcome and error, and when the next cycle is due.
// @Tags        Poller
// @Produce     json
// @Success     200  {object} services.Status
// @Failure     429  {object} handlers.ErrorResponse "Rate limited"
// @Router      /api/v1/status [get]
func (h *Handler) Status(c *gin.Context) {
	ok(c, http.StatusOK, h.status.Status())
}

// ListSlots godoc
// @ID          listSlots
// @Summary     List notified slots (paginated)
// @Description Returns a page of the persisted seen-set in the order slots were first seen.
// @Tags        Poller
// @Produce     json
//
// @Param       page       query  int  false "Page number"     minimum(1) default(1)
// @Param       page_size  query  int  false "Items per page"  minimum(1) maximum(500) default(50)
//
// @Success     200  {object} handlers.SlotPage
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     429  {object} handlers.ErrorResponse "Rate limited"
// @Failure     500  {object} handlers.ErrorResponse "Store corrupt or unreadable"
// @Router      /api/v1/slots [get]
func (h *Handler) ListSlots(c *gin.Context) {
	page := utils.AtoiDefault(c.Query("page"), 1)
	size := utils.AtoiDefault(c.Query("page_size"), DefaultPageSize)
	if page < 1 || size < 1 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "page and page_size must be positive integers")
		return
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}

	all, err := h.slots.Load(c.Request.Context())
	if err != nil {
		if errors.Is(err, repo.ErrStoreCorrupt) {
			fail(c, http.StatusInternalServerError, ErrCodeStoreCorrupt, "seen-set store is corrupt")
			return
		}
		_ = c.Error(err)
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not read seen-set")
		return
	}

	start, end := utils.PageBounds(page, size, len(all))
	items := all[start:end]
	if items == nil {
		items = []domain.Slot{}
	}
	ok(c, http.StatusOK, SlotPage{
		Items:    items,
		Page:     page,
		PageSize: size,
		Total:    len(all),
	})
}
