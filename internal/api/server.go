// Package api exposes the operator control surface of a run over HTTP
package api

import (
	"context"
	"errors"
	"time"

	"order_orchestrator/internal/core"
	"order_orchestrator/internal/infrastructure/health"
	"order_orchestrator/internal/orchestrator"
	apperrors "order_orchestrator/pkg/errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/shopspring/decimal"
)

// Controller is the part of the order manager the API drives
type Controller interface {
	Status() orchestrator.Status
	Stop(ctx context.Context) error
	UpdateParameters(ctx context.Context, p orchestrator.Params) error
	ExtendTimeout(d time.Duration) error
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
}

// ParametersRequest updates the limit price and/or target quantity
type ParametersRequest struct {
	LimitPrice    *decimal.Decimal `json:"limit_price"`
	TotalQuantity *decimal.Decimal `json:"total_quantity"`
}

// ExtendRequest extends the run timeout
type ExtendRequest struct {
	Seconds int `json:"seconds"`
}

// Server is the fiber app serving one run
type Server struct {
	app        *fiber.App
	controller Controller
	health     *health.Manager
	logger     core.ILogger
	started    time.Time
}

// NewServer builds the app and its routes
func NewServer(controller Controller, hm *health.Manager, logger core.ILogger) *Server {
	s := &Server{
		controller: controller,
		health:     hm,
		logger:     logger.WithField("component", "api"),
		started:    time.Now(),
	}

	s.app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	s.app.Use(recover.New())
	s.app.Use(s.requestLogger())

	s.app.Get("/health", s.getHealth)

	v1 := s.app.Group("/api/v1")
	v1.Get("/status", s.getStatus)
	v1.Post("/stop", s.postStop)
	v1.Post("/parameters", s.postParameters)
	v1.Post("/timeout/extend", s.postExtend)
	return s
}

// App returns the underlying fiber app, for tests
func (s *Server) App() *fiber.App { return s.app }

// Listen serves until Shutdown
func (s *Server) Listen(addr string) error {
	s.logger.Info("Starting operator API", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) requestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		s.logger.Debug("HTTP request",
			"method", c.Method(),
			"path", c.Path(),
			"ip", c.IP(),
			"status", c.Response().StatusCode(),
			"latency_ms", time.Since(start).Milliseconds(),
		)
		return err
	}
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		code = fe.Code
	case errors.Is(err, apperrors.ErrInvalidOrderParameter):
		code = fiber.StatusBadRequest
	case errors.Is(err, apperrors.ErrNotRunning), errors.Is(err, apperrors.ErrAlreadyStopped):
		code = fiber.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		code = fiber.StatusGatewayTimeout
	}
	if code >= fiber.StatusInternalServerError {
		s.logger.Error("Request failed", "path", c.Path(), "method", c.Method(), "error", err)
	}
	return c.Status(code).JSON(ErrorResponse{Error: err.Error()})
}

func (s *Server) getHealth(c *fiber.Ctx) error {
	report := s.health.Report()
	code := fiber.StatusOK
	if !report.Healthy {
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{
		"healthy":        report.Healthy,
		"components":     report.Components,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) getStatus(c *fiber.Ctx) error {
	return c.JSON(s.controller.Status())
}

func (s *Server) postStop(c *fiber.Ctx) error {
	if err := s.controller.Stop(c.UserContext()); err != nil {
		return err
	}
	s.logger.Info("Run stopped by operator")
	return c.JSON(s.controller.Status())
}

func (s *Server) postParameters(c *fiber.Ctx) error {
	var req ParametersRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed JSON")
	}
	if req.LimitPrice == nil && req.TotalQuantity == nil {
		return fiber.NewError(fiber.StatusBadRequest, "limit_price or total_quantity is required")
	}

	err := s.controller.UpdateParameters(c.UserContext(), orchestrator.Params{
		LimitPrice:    req.LimitPrice,
		TotalQuantity: req.TotalQuantity,
	})
	if err != nil {
		return err
	}
	return c.JSON(s.controller.Status())
}

func (s *Server) postExtend(c *fiber.Ctx) error {
	var req ExtendRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed JSON")
	}
	if req.Seconds <= 0 {
		return fiber.NewError(fiber.StatusBadRequest, "seconds must be positive")
	}
	if err := s.controller.ExtendTimeout(time.Duration(req.Seconds) * time.Second); err != nil {
		return err
	}
	return c.JSON(s.controller.Status())
}
