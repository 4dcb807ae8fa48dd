package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-repo/internal/logging"
)

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger     *logrus.Logger
	ListenPort int
}

const (
	contextKeyRequestID = "_anyrepo_request_id"
	contextKeyStore     = "_anyrepo_store"
	contextKeySource    = "_anyrepo_source"

	// HeaderSource 标记实际提供内容的仓库。
	HeaderSource = "X-Any-Repo-Source"
)

// NewApp builds a Fiber application with request IDs, panic recovery,
// access logging and structured error handling. Routes are attached by the
// caller.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		ErrorHandler:  errorHandler(opts.Logger),
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts))

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并在请求结束后输出访问日志。
func requestContextMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		started := time.Now()
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		err := c.Next()

		status := c.Response().StatusCode()
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		} else if err != nil {
			status = fiber.StatusInternalServerError
		}
		fields := logging.RequestFields(reqID, c.Method(), localString(c, contextKeyStore),
			c.Path(), localString(c, contextKeySource), status, time.Since(started))
		entry := opts.Logger.WithFields(fields)
		if err != nil {
			entry = entry.WithError(err)
		}
		if status >= fiber.StatusInternalServerError {
			entry.Warn("request_failed")
		} else {
			entry.Debug("request_served")
		}
		return err
	}
}

func errorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		reason := "internal_error"
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
			reason = fe.Message
		} else {
			logger.WithFields(logrus.Fields{
				"action":     "unhandled_error",
				"request_id": RequestID(c),
			}).Error(err.Error())
		}
		return c.Status(code).JSON(fiber.Map{"error": reason})
	}
}

// WriteError 输出统一的 JSON 错误体。
func WriteError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

// WriteErrorDetail 在错误码之外附带可读的原因。
func WriteErrorDetail(c fiber.Ctx, status int, code string, err error) error {
	payload := fiber.Map{"error": code}
	if err != nil {
		payload["message"] = err.Error()
	}
	return c.Status(status).JSON(payload)
}

// MarkStore 记录请求操作的仓库以及实际命中的仓库，供访问日志使用。
func MarkStore(c fiber.Ctx, store, source string) {
	if store != "" {
		c.Locals(contextKeyStore, store)
	}
	if source != "" {
		c.Locals(contextKeySource, source)
	}
}

func localString(c fiber.Ctx, key string) string {
	if value, ok := c.Locals(key).(string); ok {
		return value
	}
	return ""
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	return localString(c, contextKeyRequestID)
}
