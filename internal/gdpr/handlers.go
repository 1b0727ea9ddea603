package gdpr

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/taskup/backend/internal/auth"
)

// Handler provides HTTP endpoints for privacy and consent flows.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new gdpr handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up privacy routes. All require authentication.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/me/delete-account", h.DeleteAccount)
	r.GET("/me/data-export", h.ExportData)
	r.POST("/me/cookie-consent", h.SaveCookieConsent)
	r.GET("/me/cookie-consent", h.GetCookieConsent)
	r.POST("/me/accept-terms", h.AcceptTerms)
	r.GET("/me/audit-log", h.AuditTrail)
}

// DeleteAccountRequest re-authenticates before erasure.
type DeleteAccountRequest struct {
	Password string `json:"password" binding:"required"`
	Reason   string `json:"reason"`
}

// DeleteAccount handles POST /me/delete-account
func (h *Handler) DeleteAccount(c *gin.Context) {
	var req DeleteAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "password is required",
		})
		return
	}

	userID := auth.UserID(c)
	if err := h.service.DeleteAccount(c.Request.Context(), userID, req.Password, req.Reason); err != nil {
		if errors.Is(err, ErrWrongPassword) {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "wrong_password",
				"message": "Password verification failed",
			})
			return
		}
		h.logger.Error("account deletion failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "deletion_error",
			"message": "Failed to delete account",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Account deleted. Financial records are retained in anonymized form.",
	})
}

// ExportData handles GET /me/data-export
func (h *Handler) ExportData(c *gin.Context) {
	export, err := h.service.ExportData(c.Request.Context(), auth.UserID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "export_error",
			"message": "Failed to assemble data export",
		})
		return
	}

	c.Header("Content-Disposition", `attachment; filename="taskup-data-export.json"`)
	c.JSON(http.StatusOK, export)
}

// CookieConsentRequest is one consent decision. Essential cookies
// cannot be refused; the field exists so the client states it anyway.
type CookieConsentRequest struct {
	Essential bool `json:"essential"`
	Analytics bool `json:"analytics"`
	Marketing bool `json:"marketing"`
}

// SaveCookieConsent handles POST /me/cookie-consent
func (h *Handler) SaveCookieConsent(c *gin.Context) {
	var req CookieConsentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "invalid consent payload",
		})
		return
	}

	consent := &CookieConsent{
		UserID:    auth.UserID(c),
		Essential: true,
		Analytics: req.Analytics,
		Marketing: req.Marketing,
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
	if err := h.service.SaveCookieConsent(c.Request.Context(), consent); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "consent_error",
			"message": "Failed to save consent",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"consent": consent})
}

// GetCookieConsent handles GET /me/cookie-consent
func (h *Handler) GetCookieConsent(c *gin.Context) {
	consent, err := h.service.LatestConsent(c.Request.Context(), auth.UserID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "consent_error",
			"message": "Failed to load consent",
		})
		return
	}
	if consent == nil {
		c.JSON(http.StatusOK, gin.H{"consent": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"consent": consent})
}

// AcceptTermsRequest names the document version being accepted.
type AcceptTermsRequest struct {
	DocumentSlug string `json:"documentSlug" binding:"required"`
	Version      string `json:"version" binding:"required"`
}

// AcceptTerms handles POST /me/accept-terms
func (h *Handler) AcceptTerms(c *gin.Context) {
	var req AcceptTermsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "documentSlug and version are required",
		})
		return
	}

	err := h.service.AcceptTerms(c.Request.Context(), auth.UserID(c), req.DocumentSlug, req.Version, c.ClientIP())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "terms_error",
			"message": "Failed to record acceptance",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"accepted": true,
		"document": req.DocumentSlug,
		"version":  req.Version,
	})
}

// AuditTrail handles GET /me/audit-log
func (h *Handler) AuditTrail(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, err := h.service.AuditTrail(c.Request.Context(), auth.UserID(c), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "audit_error",
			"message": "Failed to load audit trail",
		})
		return
	}
	if entries == nil {
		entries = []*AuditEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}
