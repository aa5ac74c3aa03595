// Package web provides the HTTP API for starting and inspecting evaluation runs.
package web

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/dukex/evalflow/pkg/engine"
	"github.com/dukex/evalflow/pkg/models"
	"github.com/dukex/evalflow/pkg/persistence"
	"github.com/dukex/evalflow/pkg/pipeline"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

type APIHandlers struct {
	runner      *engine.Runner
	persistence persistence.Persistence
	validator   *validator.Validate
	logger      *slog.Logger
}

func NewAPIHandlers(
	runner *engine.Runner,
	persistence persistence.Persistence,
	validator *validator.Validate,
	logger *slog.Logger,
) *APIHandlers {
	return &APIHandlers{
		runner:      runner,
		persistence: persistence,
		validator:   validator,
		logger:      logger.With("module", "web"),
	}
}

// Register mounts the execution routes on app.
func (h *APIHandlers) Register(app *fiber.App) {
	e := app.Group("/executions")
	e.Get("/", h.ListExecutions)
	e.Post("/", h.CreateExecution)
	e.Get("/:id", h.GetExecution)
	e.Get("/:id/history", h.GetExecutionHistory)
	e.Post("/:id/cancel", h.CancelExecution)

	app.Get("/health", h.HealthCheck)
}

func (h *APIHandlers) CreateExecution(c fiber.Ctx) error {
	var req CreateExecutionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if err := pipeline.ValidateInput(req.Input); err != nil {
		return badRequest(c, err.Error())
	}

	execution, err := h.runner.Submit(c.Context(), engine.StartInput{ID: req.ID, Name: req.Name, Input: req.Input})
	if err != nil {
		return handleEngineError(c, err)
	}

	h.logger.InfoContext(c.Context(), "Execution submitted", "execution_id", execution.ID)

	return c.Status(fiber.StatusAccepted).JSON(TransformExecutionResponse(execution))
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	execution, err := h.runner.Engine().Get(c.Context(), id)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(TransformExecutionResponse(execution))
}

func (h *APIHandlers) GetExecutionHistory(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	execution, err := h.runner.Engine().Get(c.Context(), id)
	if err != nil {
		return handleEngineError(c, err)
	}

	history := execution.History
	if history == nil {
		history = []models.HistoryEvent{}
	}

	return c.JSON(HistoryResponse{ExecutionID: execution.ID, Status: execution.Status, History: history})
}

func (h *APIHandlers) CancelExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	execution, err := h.runner.Engine().Cancel(c.Context(), id)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(TransformExecutionResponse(execution))
}

func (h *APIHandlers) ListExecutions(c fiber.Ctx) error {
	status := models.ExecutionStatus(c.Query("status"))

	switch status {
	case "", models.ExecutionStatusRunning, models.ExecutionStatusSucceeded,
		models.ExecutionStatusFailed, models.ExecutionStatusCancelled:
	default:
		return badRequest(c, "Invalid status filter: "+string(status))
	}

	executions, err := h.runner.Engine().List(c.Context(), status)
	if err != nil {
		return handleEngineError(c, err)
	}

	responses := make([]ExecutionResponse, 0, len(executions))
	for _, execution := range executions {
		responses = append(responses, TransformExecutionResponse(execution))
	}

	return c.JSON(fiber.Map{
		"executions":  responses,
		"total_count": len(responses),
	})
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	message := "evalflow API is healthy"
	httpStatus := http.StatusOK
	repository := "ok"

	if err := h.persistence.HealthCheck(c.Context()); err != nil {
		status = "unhealthy"
		message = "evalflow API is unhealthy"
		httpStatus = http.StatusInternalServerError
		repository = err.Error()
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"repository": repository,
		},
		"timestamp": time.Now().UTC(),
	})
}
