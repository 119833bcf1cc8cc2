package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"phonepilot/models"
	"phonepilot/service"
)

// Handlers exposes the REST surface over the device and task services.
type Handlers struct {
	registry *service.DeviceRegistry
	scanner  *service.Scanner
	tasks    *service.TaskManager
	logger   zerolog.Logger
}

func NewHandlers(registry *service.DeviceRegistry, scanner *service.Scanner, tasks *service.TaskManager, logger zerolog.Logger) *Handlers {
	return &Handlers{
		registry: registry,
		scanner:  scanner,
		tasks:    tasks,
		logger:   logger.With().Str("component", "api").Logger(),
	}
}

func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, models.SuccessResponse(gin.H{"status": "ok"}))
}

// ListDevices returns all known devices; ?online=true filters to usable
// ones.
func (h *Handlers) ListDevices(c *gin.Context) {
	onlineOnly := c.Query("online") == "true"
	c.JSON(http.StatusOK, models.SuccessResponse(h.registry.List(onlineOnly)))
}

func (h *Handlers) GetDevice(c *gin.Context) {
	device, ok := h.registry.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, models.ErrorResponse("device not found"))
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(device))
}

// RenameDevice sets the display name; identity is untouched.
func (h *Handlers) RenameDevice(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse("name is required"))
		return
	}
	if !h.registry.SetDisplayName(c.Param("id"), req.Name) {
		c.JSON(http.StatusNotFound, models.ErrorResponse("device not found"))
		return
	}
	c.JSON(http.StatusOK, models.MessageResponse("device renamed"))
}

// ScanDevices triggers a discovery sweep immediately instead of waiting
// for the next scheduled one.
func (h *Handlers) ScanDevices(c *gin.Context) {
	found := h.scanner.Scan(c.Request.Context())
	c.JSON(http.StatusOK, models.SuccessResponse(gin.H{"devices_found": found}))
}

func (h *Handlers) CreateTask(c *gin.Context) {
	var req models.TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse(err.Error()))
		return
	}

	task, err := h.tasks.CreateTask(&req)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, service.ErrNoDeviceAvailable) {
			status = http.StatusConflict
		}
		c.JSON(status, models.ErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusCreated, models.SuccessResponse(task))
}

func (h *Handlers) ListTasks(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	tasks, err := h.tasks.ListTasks(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(tasks))
}

func (h *Handlers) GetTask(c *gin.Context) {
	task, err := h.tasks.GetTask(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, models.ErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(task))
}

func (h *Handlers) CancelTask(c *gin.Context) {
	if err := h.tasks.CancelTask(c.Param("id")); err != nil {
		c.JSON(taskErrStatus(err), models.ErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, models.MessageResponse("cancellation requested"))
}

func (h *Handlers) PauseTask(c *gin.Context) {
	if err := h.tasks.PauseTask(c.Param("id")); err != nil {
		c.JSON(taskErrStatus(err), models.ErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, models.MessageResponse("pause requested"))
}

func (h *Handlers) ResumeTask(c *gin.Context) {
	if err := h.tasks.ResumeTask(c.Param("id")); err != nil {
		c.JSON(taskErrStatus(err), models.ErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, models.MessageResponse("task resumed"))
}

// Intervene injects an operator hint into the task's model context.
func (h *Handlers) Intervene(c *gin.Context) {
	var req struct {
		Message string `json:"message" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse("message is required"))
		return
	}
	if err := h.tasks.Intervene(c.Param("id"), req.Message); err != nil {
		c.JSON(taskErrStatus(err), models.ErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, models.MessageResponse("intervention queued"))
}

func (h *Handlers) DeleteTask(c *gin.Context) {
	if err := h.tasks.DeleteTask(c.Param("id")); err != nil {
		c.JSON(taskErrStatus(err), models.ErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, models.MessageResponse("task deleted"))
}

// taskErrStatus maps task control errors onto HTTP codes: unknown ids
// are 404, invalid state transitions are 409.
func taskErrStatus(err error) int {
	if errors.Is(err, service.ErrTaskNotFound) {
		return http.StatusNotFound
	}
	return http.StatusConflict
}
