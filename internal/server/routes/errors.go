package routes

import (
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/any-repo/internal/content"
	"github.com/any-hub/any-repo/internal/merge"
	"github.com/any-hub/any-repo/internal/model"
	"github.com/any-hub/any-repo/internal/promote"
	"github.com/any-hub/any-repo/internal/registry"
	"github.com/any-hub/any-repo/internal/server"
	"github.com/any-hub/any-repo/internal/transfer"
)

// renderError 把领域错误映射为 HTTP 状态码与错误码。
func renderError(c fiber.Ctx, err error) error {
	status, code := classify(err)
	if status >= fiber.StatusInternalServerError {
		return server.WriteError(c, status, code)
	}
	return server.WriteErrorDetail(c, status, code, err)
}

func classify(err error) (int, string) {
	var (
		invalidGroup *model.InvalidGroupConfigError
		veto         *registry.VetoError
		requestErr   *promote.RequestError
		failure      *transfer.Failure
	)
	switch {
	case errors.Is(err, promote.ErrLocked):
		return fiber.StatusConflict, "promotion_locked"
	case errors.As(err, &requestErr):
		if model.IsStoreNotFound(err) {
			return fiber.StatusNotFound, "store_not_found"
		}
		return fiber.StatusBadRequest, "invalid_request"
	case model.IsStoreNotFound(err):
		return fiber.StatusNotFound, "store_not_found"
	case errors.As(err, &invalidGroup):
		return fiber.StatusBadRequest, "invalid_group"
	case errors.As(err, &veto):
		return fiber.StatusConflict, "store_rejected"
	case errors.Is(err, registry.ErrReadonly):
		return fiber.StatusConflict, "store_readonly"
	case errors.Is(err, content.ErrNotFound):
		return fiber.StatusNotFound, "not_found"
	case errors.Is(err, content.ErrNotWritable):
		return fiber.StatusMethodNotAllowed, "not_writable"
	case errors.Is(err, merge.ErrNotMergeable):
		return fiber.StatusBadRequest, "not_mergeable"
	case errors.Is(err, model.ErrTimeout):
		return fiber.StatusGatewayTimeout, "timeout"
	case errors.As(err, &failure):
		return fiber.StatusBadGateway, "transfer_failed"
	default:
		return fiber.StatusInternalServerError, "internal_error"
	}
}

func changeUser(c fiber.Ctx) string {
	if user := c.Get("X-Change-User"); user != "" {
		return user
	}
	return "anonymous"
}
