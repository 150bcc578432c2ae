package escrow

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/deedflow/deedflow/internal/errs"
	"github.com/deedflow/deedflow/internal/logging"
	"github.com/deedflow/deedflow/internal/payment"
	"github.com/deedflow/deedflow/internal/settlement"
	"github.com/deedflow/deedflow/internal/transaction"
	"github.com/deedflow/deedflow/internal/verification"
)

// Handler provides the HTTP surface over the orchestrator.
type Handler struct {
	orchestrator *Orchestrator
	machine      *transaction.Machine
}

// NewHandler creates a new escrow handler.
func NewHandler(orchestrator *Orchestrator, machine *transaction.Machine) *Handler {
	return &Handler{orchestrator: orchestrator, machine: machine}
}

// RegisterRoutes sets up the escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.Initiate)
	r.GET("/transactions", h.ListTransactions)
	r.GET("/transactions/:id", h.GetTransaction)
	r.POST("/transactions/:id/funding", h.RecordFunding)
	r.POST("/transactions/:id/settle", h.Settle)
	r.POST("/transactions/:id/disputes", h.RaiseDispute)
	r.POST("/transactions/:id/disputes/resolve", h.ResolveDispute)
	r.POST("/transactions/:id/cancel", h.Cancel)
	r.POST("/tasks/:id/report", h.SubmitReport)
	r.POST("/payments/:id/retry", h.RetryPayment)
}

// txnContext stamps the transaction ID from the route into the request
// context so downstream log lines, the access log included, carry it.
func txnContext(c *gin.Context) (context.Context, string) {
	id := c.Param("id")
	ctx := logging.WithTransactionID(c.Request.Context(), id)
	c.Request = c.Request.WithContext(ctx)
	return ctx, id
}

// respondError maps domain errors onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, transaction.ErrNotFound),
		errors.Is(err, transaction.ErrDisputeNotFound),
		errors.Is(err, verification.ErrNotFound),
		errors.Is(err, payment.ErrNotFound),
		errors.Is(err, settlement.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
		return
	}

	if e := errs.As(err); e != nil {
		status := http.StatusInternalServerError
		switch e.Class {
		case errs.ClassValidation:
			status = http.StatusBadRequest
		case errs.ClassWorkflow:
			status = http.StatusConflict
		case errs.ClassPayment:
			status = http.StatusBadGateway
		case errs.ClassIntegration:
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"error":   e.Code,
			"message": e.Message,
		})
		return
	}

	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": err.Error(),
	})
}

// Initiate handles POST /v1/transactions
func (h *Handler) Initiate(c *gin.Context) {
	var req InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	view, err := h.orchestrator.Initiate(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

// ListTransactions handles GET /v1/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	txns, err := h.machine.List(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txns, "count": len(txns)})
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	ctx, id := txnContext(c)
	view, err := h.orchestrator.Get(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// RecordFunding handles POST /v1/transactions/:id/funding
func (h *Handler) RecordFunding(c *gin.Context) {
	ctx, id := txnContext(c)
	t, err := h.orchestrator.RecordFunding(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// Settle handles POST /v1/transactions/:id/settle
func (h *Handler) Settle(c *gin.Context) {
	var terms settlement.Terms
	if err := c.ShouldBindJSON(&terms); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	ctx, id := txnContext(c)
	s, err := h.orchestrator.Settle(ctx, id, terms)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlement": s})
}

type disputeRequest struct {
	RaisedBy string `json:"raisedBy" binding:"required"`
	Reason   string `json:"reason" binding:"required"`
}

// RaiseDispute handles POST /v1/transactions/:id/disputes
func (h *Handler) RaiseDispute(c *gin.Context) {
	var req disputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	ctx, id := txnContext(c)
	d, err := h.orchestrator.RaiseDispute(ctx, id, req.RaisedBy, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

type resolveRequest struct {
	Resolution string `json:"resolution" binding:"required"`
}

// ResolveDispute handles POST /v1/transactions/:id/disputes/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	ctx, id := txnContext(c)
	t, err := h.orchestrator.ResolveDispute(ctx, id, req.Resolution)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

type cancelRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Cancel handles POST /v1/transactions/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	ctx, id := txnContext(c)
	t, err := h.orchestrator.Cancel(ctx, id, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// SubmitReport handles POST /v1/tasks/:id/report
func (h *Handler) SubmitReport(c *gin.Context) {
	var report verification.Report
	if err := c.ShouldBindJSON(&report); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	task, err := h.orchestrator.SubmitReport(c.Request.Context(), c.Param("id"), report)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task})
}

// RetryPayment handles POST /v1/payments/:id/retry
func (h *Handler) RetryPayment(c *gin.Context) {
	p, err := h.orchestrator.RetryPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}
