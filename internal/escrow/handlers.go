package escrow

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/taskup/backend/internal/auth"
	"github.com/taskup/backend/internal/wallet"
)

// Handler provides HTTP endpoints for task funding.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes. All require authentication.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/wallet/tasks/:taskId/hold", h.Hold)
	r.POST("/wallet/tasks/:taskId/release", h.Release)
	r.POST("/wallet/tasks/:taskId/refund", h.Refund)
}

// Hold handles POST /wallet/tasks/:taskId/hold
func (h *Handler) Hold(c *gin.Context) {
	result, err := h.service.Hold(c.Request.Context(), c.Param("taskId"), auth.UserID(c))
	if err != nil {
		respondEscrowError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"status":      "held",
		"price":       result.Price,
		"fee":         result.Fee,
		"total":       result.Total,
		"transaction": result.Transaction,
	})
}

// Release handles POST /wallet/tasks/:taskId/release
func (h *Handler) Release(c *gin.Context) {
	result, err := h.service.Release(c.Request.Context(), c.Param("taskId"), auth.UserID(c))
	if err != nil {
		respondEscrowError(c, err)
		return
	}

	resp := gin.H{
		"status": "released",
		"payout": result.Payout,
	}
	if result.Cashback != nil {
		resp["cashback"] = result.Cashback
	}
	c.JSON(http.StatusOK, resp)
}

// RegisterAdminRoutes sets up operator routes. The caller guards the
// group with the shared admin secret.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/tasks/:taskId/refund", h.AdminRefund)
}

// RefundRequest carries the optional human-readable refund reason.
type RefundRequest struct {
	Reason string `json:"reason"`
}

// Refund handles POST /wallet/tasks/:taskId/refund
func (h *Handler) Refund(c *gin.Context) {
	var req RefundRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "body must be JSON like {\"reason\": \"...\"}",
			})
			return
		}
	}

	result, err := h.service.Refund(c.Request.Context(), c.Param("taskId"), auth.UserID(c), req.Reason)
	if err != nil {
		respondEscrowError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      "refunded",
		"amount":      result.Amount,
		"transaction": result.Transaction,
	})
}

// AdminRefund handles POST /admin/tasks/:taskId/refund
func (h *Handler) AdminRefund(c *gin.Context) {
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Reason == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "a refund reason is required",
		})
		return
	}

	result, err := h.service.AdminRefund(c.Request.Context(), c.Param("taskId"), req.Reason)
	if err != nil {
		respondEscrowError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      "refunded",
		"amount":      result.Amount,
		"transaction": result.Transaction,
	})
}

func respondEscrowError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "escrow_error"
	message := "Operation failed"

	switch {
	case errors.Is(err, ErrUnauthorized):
		status, code, message = http.StatusForbidden, "forbidden", "You are not the client of this task"
	case errors.Is(err, ErrTaskAlreadyHeld):
		status, code, message = http.StatusConflict, "task_already_held", "Task is already funded"
	case errors.Is(err, ErrTaskAlreadyResolved):
		status, code, message = http.StatusConflict, "task_already_resolved", "Task funds were already released or refunded"
	case errors.Is(err, ErrTaskNotHeld):
		status, code, message = http.StatusConflict, "task_not_held", "Task has no active hold"
	case errors.Is(err, ErrTaskNotFundable):
		status, code, message = http.StatusConflict, "task_not_fundable", err.Error()
	case errors.Is(err, ErrTaskNotCompleted):
		status, code, message = http.StatusConflict, "task_not_completed", "Task must be completed before release"
	case errors.Is(err, ErrWorkerNotAssigned):
		status, code, message = http.StatusConflict, "worker_not_assigned", "Task has no assigned worker"
	case errors.Is(err, wallet.ErrInsufficientFunds):
		status, code, message = http.StatusPaymentRequired, "insufficient_funds", "Wallet balance is too low; deposit first"
	case errors.Is(err, wallet.ErrWalletNotFound):
		status, code, message = http.StatusNotFound, "wallet_not_found", "Wallet does not exist"
	case errors.Is(err, ErrTaskNotFound):
		status, code, message = http.StatusNotFound, "task_not_found", "Task does not exist"
	}

	c.JSON(status, gin.H{"error": code, "message": message})
}
