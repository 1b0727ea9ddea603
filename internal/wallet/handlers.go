package wallet

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/taskup/backend/internal/auth"
)

// Handler provides HTTP endpoints for wallet queries.
// Balance-affecting endpoints live with the escrow orchestrator and the
// payments adapter; this handler is read-only.
type Handler struct {
	ledger   *Ledger
	currency string
	logger   *slog.Logger
}

// NewHandler creates a new wallet handler.
func NewHandler(ledger *Ledger, currency string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{ledger: ledger, currency: currency, logger: logger}
}

// RegisterRoutes sets up wallet routes. All require authentication.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallet/me", h.GetWallet)
	r.GET("/wallet/me/transactions", h.GetTransactions)
}

// GetWallet handles GET /wallet/me. The wallet is created on first access.
func (h *Handler) GetWallet(c *gin.Context) {
	acc, err := h.ledger.GetOrCreate(c.Request.Context(), auth.UserID(c), h.currency)
	if err != nil {
		h.logger.Error("wallet lookup failed", "user_id", auth.UserID(c), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "wallet_error",
			"message": "Failed to retrieve wallet",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"wallet":   acc,
		"currency": h.currency,
	})
}

// GetTransactions handles GET /wallet/me/transactions?limit=&offset=
// or ?limit=&cursor= for stable paging over a moving log.
func (h *Handler) GetTransactions(c *gin.Context) {
	acc, err := h.ledger.GetOrCreate(c.Request.Context(), auth.UserID(c), h.currency)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "wallet_error",
			"message": "Failed to retrieve wallet",
		})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	var (
		txns []*Transaction
		next string
	)
	if cursor := c.Query("cursor"); cursor != "" {
		txns, next, err = h.ledger.HistoryPage(c.Request.Context(), acc.ID, cursor, limit)
		if errors.Is(err, ErrInvalidCursor) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_cursor",
				"message": "Invalid pagination cursor",
			})
			return
		}
	} else {
		offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
		txns, err = h.ledger.History(c.Request.Context(), acc.ID, limit, offset)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "transactions_error",
			"message": "Failed to retrieve transactions",
		})
		return
	}
	if txns == nil {
		txns = []*Transaction{}
	}

	resp := gin.H{
		"transactions": txns,
		"count":        len(txns),
	}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}
