package admin

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	libOrchestrator "github.com/LerianStudio/lib-orchestrator/orchestrator"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/internal/nilcheck"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/log"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/outbox"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/workflow"
)

const (
	// BasePath prefixes every administrative route.
	BasePath = "/v1/admin"

	headerRequestID = "X-Request-Id"

	defaultLimit = 50
	maxLimit     = 500
)

var (
	errInvalidID    = errors.New("id must be a UUID")
	errInvalidLimit = errors.New("limit and offset must be integers")
)

// Handler serves Service over fiber.
type Handler struct {
	service *Service
	logger  log.Logger
}

// NewHandler builds a Handler. A nil logger falls back to the service's.
func NewHandler(service *Service, logger log.Logger) *Handler {
	if nilcheck.Interface(logger) {
		logger = service.logger
	}

	return &Handler{service: service, logger: logger}
}

// NewApp builds a fiber app with the admin routes mounted.
func NewApp(service *Service, logger log.Logger) *fiber.App {
	handler := NewHandler(service, logger)

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          handler.errorHandler,
	})

	handler.Register(app)

	return app
}

// Register mounts the routes under BasePath.
func (h *Handler) Register(router fiber.Router) {
	group := router.Group(BasePath, h.withRequestLogging)

	group.Get("/health", h.health)

	group.Get("/outbox/dead-letters", h.listOutboxDeadLetters)
	group.Post("/outbox/dead-letters/:id/replay", h.replayOutbox)

	group.Get("/runs/dead-letters", h.listRunDeadLetters)
	group.Get("/runs/:id", h.getRun)
	group.Post("/runs/:id/replay", h.replayRun)

	group.Get("/definitions", h.listDefinitions)
	group.Post("/definitions/:id/enable", h.toggleDefinition(true))
	group.Post("/definitions/:id/disable", h.toggleDefinition(false))
}

func (h *Handler) withRequestLogging(c *fiber.Ctx) error {
	start := time.Now()

	requestID := strings.TrimSpace(c.Get(headerRequestID))
	if requestID == "" {
		requestID = uuid.NewString()
	}

	c.Set(headerRequestID, requestID)

	logger := h.logger.With(log.String("request_id", requestID))

	ctx := libOrchestrator.ContextWithHeaderID(c.UserContext(), requestID)
	ctx = libOrchestrator.ContextWithLogger(ctx, logger)
	c.SetUserContext(ctx)

	err := c.Next()
	if err != nil {
		// render now so the logged status is the one sent
		if handlerErr := c.App().ErrorHandler(c, err); handlerErr != nil {
			return handlerErr
		}
	}

	logger.Log(ctx, log.LevelInfo, "admin request",
		log.String("method", c.Method()),
		log.String("path", c.Path()),
		log.Int("status", c.Response().StatusCode()),
		log.Duration("duration", time.Since(start)),
	)

	return nil
}

func (h *Handler) health(c *fiber.Ctx) error {
	report := h.service.Health(c.UserContext())

	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}

	return c.Status(status).JSON(report)
}

func (h *Handler) listOutboxDeadLetters(c *fiber.Ctx) error {
	limit, offset, err := parsePagination(c)
	if err != nil {
		return err
	}

	records, err := h.service.OutboxDeadLetters(c.UserContext(), outbox.DeadLetterFilter{
		TenantID:  c.Query("tenantId"),
		EventType: c.Query("eventType"),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{"items": records, "limit": limit, "offset": offset})
}

func (h *Handler) replayOutbox(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}

	record, err := h.service.ReplayOutbox(c.UserContext(), id)
	if err != nil {
		return err
	}

	return c.Status(http.StatusAccepted).JSON(record)
}

func (h *Handler) listRunDeadLetters(c *fiber.Ctx) error {
	limit, offset, err := parsePagination(c)
	if err != nil {
		return err
	}

	filter := workflow.RunFilter{TenantID: c.Query("tenantId"), Limit: limit, Offset: offset}

	if raw := c.Query("definitionId"); raw != "" {
		filter.DefinitionID, err = uuid.Parse(raw)
		if err != nil {
			return errInvalidID
		}
	}

	runs, err := h.service.RunDeadLetters(c.UserContext(), filter)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{"items": runs, "limit": limit, "offset": offset})
}

func (h *Handler) getRun(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}

	detail, err := h.service.Run(c.UserContext(), id)
	if err != nil {
		return err
	}

	return c.JSON(detail)
}

func (h *Handler) replayRun(c *fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}

	run, err := h.service.ReplayRun(c.UserContext(), id)
	if err != nil {
		return err
	}

	return c.Status(http.StatusAccepted).JSON(run)
}

func (h *Handler) listDefinitions(c *fiber.Ctx) error {
	definitions, err := h.service.Definitions(c.UserContext())
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{"items": definitions})
}

func (h *Handler) toggleDefinition(enabled bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := parseID(c)
		if err != nil {
			return err
		}

		if err := h.service.SetDefinitionEnabled(c.UserContext(), id, enabled); err != nil {
			return err
		}

		return c.SendStatus(http.StatusNoContent)
	}
}

func (h *Handler) errorHandler(c *fiber.Ctx, err error) error {
	status, title := classify(err)

	message := err.Error()

	if status == http.StatusInternalServerError {
		log.SafeError(libOrchestrator.NewLoggerFromContext(c.UserContext()), c.UserContext(),
			"admin request failed", err, false)

		message = "internal server error"
	}

	return c.Status(status).JSON(libOrchestrator.Response{
		Code:    strconv.Itoa(status),
		Title:   title,
		Message: message,
	})
}

func classify(err error) (int, string) {
	var fiberErr *fiber.Error

	switch {
	case errors.As(err, &fiberErr):
		return fiberErr.Code, "request_error"
	case errors.Is(err, errInvalidID), errors.Is(err, errInvalidLimit):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, outbox.ErrRecordNotFound),
		errors.Is(err, workflow.ErrRunNotFound),
		errors.Is(err, workflow.ErrDefinitionNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, outbox.ErrNotDeadLettered),
		errors.Is(err, workflow.ErrRunNotDeadLettered),
		errors.Is(err, workflow.ErrRunTransitionConflict):
		return http.StatusConflict, "conflict"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func parseID(c *fiber.Ctx) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return uuid.Nil, errInvalidID
	}

	return id, nil
}

func parsePagination(c *fiber.Ctx) (int, int, error) {
	limit, offset := defaultLimit, 0

	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return 0, 0, errInvalidLimit
		}

		limit = parsed
	}

	if raw := c.Query("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return 0, 0, errInvalidLimit
		}

		offset = parsed
	}

	if limit <= 0 {
		limit = defaultLimit
	}

	return min(limit, maxLimit), max(offset, 0), nil
}
