package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"taskledger/internal/model"
	"taskledger/pkg/interfaces"
	"taskledger/pkg/logger"
	"taskledger/pkg/taskerr"
)

// TaskHandler handles task submission and status queries against the ledger.
type TaskHandler struct {
	ledger interfaces.Ledger
}

// NewTaskHandler creates task handler
func NewTaskHandler(ledger interfaces.Ledger) *TaskHandler {
	return &TaskHandler{ledger: ledger}
}

// SubmitRequest is the direct-submission payload. Tasks submitted here skip
// the bus and enter the ledger already queued for a worker.
type SubmitRequest struct {
	TaskID   string            `json:"taskId"`
	Body     string            `json:"body" binding:"required"`
	Metadata map[string]string `json:"metadata"`
}

// Submit persists a new queued task.
// @Summary Submit task
// @Description Persist a task directly into the ledger, queued for a worker
// @Tags tasks
// @Accept json
// @Produce json
// @Param request body SubmitRequest true "Task request"
// @Success 200 {object} model.StatusResponse
// @Router /tasks [post]
func (h *TaskHandler) Submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.ErrorCtx(c.Request.Context(), "invalid request: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	if req.TaskID == "" {
		req.TaskID = uuid.NewString()
	}

	task := &model.Task{
		TaskID:   req.TaskID,
		Body:     req.Body,
		Status:   model.TaskStatusQueued,
		Metadata: req.Metadata,
	}
	if err := h.ledger.UpsertTask(c.Request.Context(), task); err != nil {
		if errors.Is(err, taskerr.ErrDuplicateKey) {
			c.JSON(http.StatusConflict, gin.H{"error": "task already exists", "taskId": req.TaskID})
			return
		}
		logger.ErrorCtx(c.Request.Context(), "failed to submit task %s: %v", req.TaskID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist task"})
		return
	}

	c.JSON(http.StatusOK, task.ToStatusResponse())
}

// Status gets task status
// @Summary Get task status
// @Description Get task status by task ID
// @Tags tasks
// @Produce json
// @Param task_id path string true "Task ID"
// @Success 200 {object} model.StatusResponse
// @Router /tasks/{task_id} [get]
func (h *TaskHandler) Status(c *gin.Context) {
	taskID := c.Param("task_id")
	if taskID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task_id required"})
		return
	}

	task, err := h.ledger.GetByTaskID(c.Request.Context(), taskID)
	if err != nil {
		logger.ErrorCtx(c.Request.Context(), "failed to get task status, task_id: %s, error: %v", taskID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read task"})
		return
	}
	if task == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}

	c.JSON(http.StatusOK, task.ToStatusResponse())
}

// Cancel cancels task
// @Summary Cancel task
// @Description Cancel task by task ID
// @Tags tasks
// @Param task_id path string true "Task ID"
// @Success 200 {object} map[string]string
// @Router /tasks/{task_id}/cancel [post]
func (h *TaskHandler) Cancel(c *gin.Context) {
	taskID := c.Param("task_id")
	if taskID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task_id required"})
		return
	}

	task, err := h.ledger.GetByTaskID(c.Request.Context(), taskID)
	if err != nil {
		logger.ErrorCtx(c.Request.Context(), "failed to read task, task_id: %s, error: %v", taskID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read task"})
		return
	}
	if task == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	if task.Status.IsTerminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "task already terminal", "status": task.Status})
		return
	}

	ok, err := h.ledger.TryUpdateTaskStatus(c.Request.Context(), taskID, model.TaskStatusCancelled)
	if err != nil {
		logger.ErrorCtx(c.Request.Context(), "failed to cancel task, task_id: %s, error: %v", taskID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel task"})
		return
	}
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "task changed concurrently, retry"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "task cancelled"})
}
