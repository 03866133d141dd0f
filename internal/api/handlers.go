package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"fleetfn/internal/idempotency"
	"fleetfn/internal/lifecycle"
)

// Handlers exposes the debug/stats HTTP surface around a running
// lifecycle.Instance: invoke a function over HTTP, check health/readiness,
// and read back the running cost estimate.
type Handlers struct {
	logger   *zap.Logger
	instance *lifecycle.Instance
	idemp    *idempotency.Store
}

func NewHandlers(logger *zap.Logger, instance *lifecycle.Instance, idemp *idempotency.Store) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{logger: logger, instance: instance, idemp: idemp}
}

type invokeRequest struct {
	Function string          `json:"function"`
	Args     json.RawMessage `json:"args"`
}

// Invoke handles POST /v1/invoke: calls Function with Args against the
// running instance, honoring an optional Idempotency-Key header.
//
//	@Summary		Invoke a function
//	@Description	Call a registered function by name and return its result
//	@Tags			Invoke
//	@Accept			json
//	@Produce		json
//	@Param			request	body		invokeRequest	true	"function name and JSON args"
//	@Success		200		{object}	map[string]interface{}
//	@Failure		400		{object}	map[string]string
//	@Failure		502		{object}	map[string]string
//	@Router			/v1/invoke [post]
func (h *Handlers) Invoke(c *fiber.Ctx) error {
	var req invokeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request"})
	}
	if req.Function == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "function is required"})
	}

	idemKey := c.Get("Idempotency-Key")
	if h.idemp != nil && idemKey != "" {
		if cached, ok := h.idemp.Result(c.Context(), req.Function, idemKey); ok {
			return c.Status(fiber.StatusOK).JSON(fiber.Map{"function": req.Function, "result": cached, "replayed": true})
		}
	}

	result, err := h.instance.InvokeRaw(c.Context(), req.Function, req.Args)
	if err != nil {
		h.logger.Warn("invoke failed", zap.String("function", req.Function), zap.Error(err))
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": err.Error()})
	}

	if h.idemp != nil && idemKey != "" {
		if err := h.idemp.Store(c.Context(), req.Function, idemKey, result); err != nil {
			h.logger.Warn("failed to store idempotency result", zap.Error(err))
		}
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"function": req.Function, "result": result})
}

// Stats handles GET /v1/stats: current per-function counters and latency
// statistics, the debug dashboard's data source.
func (h *Handlers) Stats(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"functions": h.instance.Snapshot()})
}

// CostEstimate handles GET /v1/cost.
func (h *Handlers) CostEstimate(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	estimate, err := h.instance.CostEstimate(ctx)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
	return c.JSON(fiber.Map{"estimate_usd": estimate})
}

// HealthCheck handles GET /healthz: the process is up.
func (h *Handlers) HealthCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok", "time": time.Now().Unix()})
}

// ReadyCheck handles GET /readyz: the instance has a live driver state.
func (h *Handlers) ReadyCheck(c *fiber.Ctx) error {
	if h.instance == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "not ready"})
	}
	return c.JSON(fiber.Map{"status": "ready"})
}
