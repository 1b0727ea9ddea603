package tasks

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/taskup/backend/internal/auth"
	"github.com/taskup/backend/internal/money"
)

// Handler provides HTTP endpoints for the task lifecycle.
type Handler struct {
	service  *Service
	currency string
}

// NewHandler creates a new tasks handler.
func NewHandler(service *Service, currency string) *Handler {
	return &Handler{service: service, currency: currency}
}

// RegisterRoutes sets up task routes. All require authentication.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/tasks", h.Create)
	r.GET("/tasks", h.List)
	r.GET("/tasks/:taskId", h.Get)
	r.POST("/tasks/:taskId/assign", h.Assign)
	r.POST("/tasks/:taskId/start", h.Start)
	r.POST("/tasks/:taskId/complete", h.Complete)
	r.POST("/tasks/:taskId/cancel", h.Cancel)
}

// CreateRequest for posting a task
type CreateRequest struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	Price       string `json:"price" binding:"required"`
}

// Create handles POST /tasks
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "title and price are required",
		})
		return
	}

	price, err := money.Parse(req.Price, h.currency)
	if err != nil || !price.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_price",
			"message": "price must be a positive decimal like \"500.00\"",
		})
		return
	}

	task, err := h.service.Create(c.Request.Context(), auth.UserID(c), req.Title, req.Description, price)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "task_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, task)
}

// Get handles GET /tasks/:taskId
func (h *Handler) Get(c *gin.Context) {
	task, err := h.service.Get(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		respondTaskError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// List handles GET /tasks?limit=
func (h *Handler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	result, err := h.service.ListByUser(c.Request.Context(), auth.UserID(c), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "task_error",
			"message": "Failed to list tasks",
		})
		return
	}
	if result == nil {
		result = []*Task{}
	}

	c.JSON(http.StatusOK, gin.H{"tasks": result, "count": len(result)})
}

// AssignRequest for putting a worker on a task
type AssignRequest struct {
	WorkerID string `json:"workerId" binding:"required"`
}

// Assign handles POST /tasks/:taskId/assign
func (h *Handler) Assign(c *gin.Context) {
	var req AssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "workerId is required",
		})
		return
	}

	task, err := h.service.Assign(c.Request.Context(), c.Param("taskId"), auth.UserID(c), req.WorkerID)
	if err != nil {
		respondTaskError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// Start handles POST /tasks/:taskId/start
func (h *Handler) Start(c *gin.Context) {
	task, err := h.service.Start(c.Request.Context(), c.Param("taskId"), auth.UserID(c))
	if err != nil {
		respondTaskError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// Complete handles POST /tasks/:taskId/complete
func (h *Handler) Complete(c *gin.Context) {
	task, err := h.service.Complete(c.Request.Context(), c.Param("taskId"), auth.UserID(c))
	if err != nil {
		respondTaskError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// Cancel handles POST /tasks/:taskId/cancel
func (h *Handler) Cancel(c *gin.Context) {
	task, err := h.service.Cancel(c.Request.Context(), c.Param("taskId"), auth.UserID(c))
	if err != nil {
		respondTaskError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func respondTaskError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "task_error"
	message := "Operation failed"

	switch {
	case errors.Is(err, ErrNotFound):
		status, code, message = http.StatusNotFound, "task_not_found", "Task does not exist"
	case errors.Is(err, ErrNotOwner):
		status, code, message = http.StatusForbidden, "forbidden", "Only the task client may do this"
	case errors.Is(err, ErrNotWorker):
		status, code, message = http.StatusForbidden, "forbidden", "Only the assigned worker may do this"
	case errors.Is(err, ErrSelfAssignment):
		status, code, message = http.StatusBadRequest, "self_assignment", "You cannot work on your own task"
	case errors.Is(err, ErrInvalidTransition):
		status, code, message = http.StatusConflict, "invalid_transition", "Task is not in a state that allows this"
	case errors.Is(err, ErrNotFunded):
		status, code, message = http.StatusConflict, "task_not_funded", "Task must be funded before work starts"
	}

	c.JSON(status, gin.H{"error": code, "message": message})
}
