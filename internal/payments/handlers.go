package payments

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/taskup/backend/internal/auth"
	"github.com/taskup/backend/internal/money"
	"github.com/taskup/backend/internal/security"
	"github.com/taskup/backend/internal/wallet"
)

// Handler provides HTTP endpoints for deposits, payouts and payout
// account onboarding.
type Handler struct {
	service  *Service
	currency string
}

// NewHandler creates a new payments handler.
func NewHandler(service *Service, currency string) *Handler {
	return &Handler{service: service, currency: currency}
}

// RegisterRoutes sets up payment routes. All require authentication.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/wallet/deposit", h.Deposit)
	r.POST("/wallet/payout", h.Payout)
	r.POST("/connect/accounts", h.CreateAccount)
	r.GET("/connect/accounts/me", h.GetAccount)
	r.POST("/connect/accounts/me/links", h.CreateAccountLink)
}

// RegisterAdminRoutes sets up operator routes for gateway-side
// reversals. The caller guards the group with the shared admin secret.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/deposits/:transactionId/refund", h.AdminRefundDeposit)
	r.POST("/payouts/:transactionId/reverse", h.AdminReversePayout)
}

// AmountRequest carries a decimal amount like "500.00".
type AmountRequest struct {
	Amount string `json:"amount" binding:"required"`
}

// Deposit handles POST /wallet/deposit
func (h *Handler) Deposit(c *gin.Context) {
	amount, ok := h.bindAmount(c)
	if !ok {
		return
	}

	result, err := h.service.Deposit(c.Request.Context(), auth.UserID(c), amount)
	if err != nil {
		respondPaymentError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// Payout handles POST /wallet/payout
func (h *Handler) Payout(c *gin.Context) {
	amount, ok := h.bindAmount(c)
	if !ok {
		return
	}

	result, err := h.service.Payout(c.Request.Context(), auth.UserID(c), amount)
	if err != nil {
		respondPaymentError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// AccountRequest carries the redirect URLs for hosted onboarding.
type AccountRequest struct {
	RefreshURL string `json:"refreshUrl" binding:"required"`
	ReturnURL  string `json:"returnUrl" binding:"required"`
}

// CreateAccount handles POST /connect/accounts
func (h *Handler) CreateAccount(c *gin.Context) {
	var req AccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "refreshUrl and returnUrl are required",
		})
		return
	}

	// Onboarding URLs are passed to the gateway and later redirected to.
	for _, u := range []string{req.RefreshURL, req.ReturnURL} {
		if err := security.ValidateEndpointURL(u); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_url",
				"message": "refreshUrl and returnUrl must be public http(s) URLs",
			})
			return
		}
	}

	result, err := h.service.CreateConnectAccount(c.Request.Context(), auth.UserID(c), req.RefreshURL, req.ReturnURL)
	if err != nil {
		respondPaymentError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// CreateAccountLink handles POST /connect/accounts/me/links
func (h *Handler) CreateAccountLink(c *gin.Context) {
	var req AccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "refreshUrl and returnUrl are required",
		})
		return
	}
	for _, u := range []string{req.RefreshURL, req.ReturnURL} {
		if err := security.ValidateEndpointURL(u); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_url",
				"message": "refreshUrl and returnUrl must be public http(s) URLs",
			})
			return
		}
	}

	link, err := h.service.OnboardingLink(c.Request.Context(), auth.UserID(c), req.RefreshURL, req.ReturnURL)
	if err != nil {
		respondPaymentError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"url": link})
}

// GetAccount handles GET /connect/accounts/me
func (h *Handler) GetAccount(c *gin.Context) {
	account, err := h.service.GetConnectAccount(c.Request.Context(), auth.UserID(c))
	if err != nil {
		respondPaymentError(c, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

// AdminRefundDeposit handles POST /admin/deposits/:transactionId/refund.
// Body may carry a partial amount; the default is a full refund. The
// ledger is compensated by the charge.refunded webhook, not here.
func (h *Handler) AdminRefundDeposit(c *gin.Context) {
	var amount money.Money
	if c.Request.ContentLength > 0 {
		var req AmountRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "body must be JSON like {\"amount\": \"100.00\"}",
			})
			return
		}
		parsed, err := money.Parse(req.Amount, h.currency)
		if err != nil || !parsed.IsPositive() {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "amount must be a positive decimal like \"100.00\"",
			})
			return
		}
		amount = parsed
	}

	refundID, err := h.service.RefundDeposit(c.Request.Context(), c.Param("transactionId"), amount)
	if err != nil {
		respondPaymentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "refunded", "refundId": refundID})
}

// AdminReversePayout handles POST /admin/payouts/:transactionId/reverse
func (h *Handler) AdminReversePayout(c *gin.Context) {
	reversalID, err := h.service.ReversePayout(c.Request.Context(), c.Param("transactionId"))
	if err != nil {
		respondPaymentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reversed", "reversalId": reversalID})
}

func (h *Handler) bindAmount(c *gin.Context) (money.Money, bool) {
	var req AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount is required",
		})
		return money.Money{}, false
	}

	amount, err := money.Parse(req.Amount, h.currency)
	if err != nil || !amount.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "amount must be a positive decimal like \"500.00\"",
		})
		return money.Money{}, false
	}
	return amount, true
}

func respondPaymentError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "payment_error"
	message := "Operation failed"

	switch {
	case errors.Is(err, wallet.ErrInsufficientFunds):
		status, code, message = http.StatusPaymentRequired, "insufficient_funds", "Wallet balance is too low"
	case errors.Is(err, wallet.ErrInvalidAmount):
		status, code, message = http.StatusBadRequest, "invalid_amount", "Amount must be positive"
	case errors.Is(err, ErrRefNotFound):
		status, code, message = http.StatusNotFound, "not_found", "No payment reference for that transaction"
	case errors.Is(err, ErrRefKindMismatch):
		status, code, message = http.StatusConflict, "wrong_kind", "Transaction is not of the required payment kind"
	case errors.Is(err, ErrNoConnectAccount):
		status, code, message = http.StatusConflict, "no_payout_account", "Set up a payout account first"
	case errors.Is(err, ErrPayoutsNotEnabled):
		status, code, message = http.StatusConflict, "payouts_not_enabled", "Finish payout account onboarding first"
	case errors.Is(err, ErrGateway):
		status, code, message = http.StatusBadGateway, "gateway_error", "Payment provider is unavailable; try again"
	}

	c.JSON(status, gin.H{"error": code, "message": message})
}
