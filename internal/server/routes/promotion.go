package routes

import (
	"context"
	"encoding/json"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/any-repo/internal/promote"
	"github.com/any-hub/any-repo/internal/server"
)

// Promoter 是 promotion 接口依赖的引擎能力。
type Promoter interface {
	Promote(ctx context.Context, req promote.Request) (*promote.Result, error)
	Resume(ctx context.Context, prior *promote.Result) (*promote.Result, error)
	Rollback(ctx context.Context, prior *promote.Result) (*promote.Result, error)
	PromoteToGroup(ctx context.Context, req promote.GroupRequest, user string) (*promote.GroupResult, error)
	RollbackGroup(ctx context.Context, prior *promote.GroupResult, user string) (*promote.GroupResult, error)
}

// RegisterPromotionRoutes 暴露 /api/promotion 下的路径与分组 promotion。
// 请求体分别为 Request / Result / GroupRequest / GroupResult 的 JSON。
func RegisterPromotionRoutes(app *fiber.App, engine Promoter) {
	if app == nil || engine == nil {
		return
	}
	api := app.Group("/api/promotion")

	api.Post("/paths/promote", func(c fiber.Ctx) error {
		var req promote.Request
		if err := json.Unmarshal(c.Body(), &req); err != nil {
			return server.WriteErrorDetail(c, fiber.StatusBadRequest, "invalid_body", err)
		}
		server.MarkStore(c, req.Target.String(), req.Source.String())
		result, err := engine.Promote(c.Context(), req)
		return renderResult(c, result, err)
	})

	api.Post("/paths/resume", func(c fiber.Ctx) error {
		prior, err := decodeResult(c)
		if err != nil {
			return server.WriteErrorDetail(c, fiber.StatusBadRequest, "invalid_body", err)
		}
		result, err := engine.Resume(c.Context(), prior)
		return renderResult(c, result, err)
	})

	api.Post("/paths/rollback", func(c fiber.Ctx) error {
		prior, err := decodeResult(c)
		if err != nil {
			return server.WriteErrorDetail(c, fiber.StatusBadRequest, "invalid_body", err)
		}
		result, err := engine.Rollback(c.Context(), prior)
		return renderResult(c, result, err)
	})

	api.Post("/groups/promote", func(c fiber.Ctx) error {
		var req promote.GroupRequest
		if err := json.Unmarshal(c.Body(), &req); err != nil {
			return server.WriteErrorDetail(c, fiber.StatusBadRequest, "invalid_body", err)
		}
		result, err := engine.PromoteToGroup(c.Context(), req, changeUser(c))
		return renderResult(c, result, err)
	})

	api.Post("/groups/rollback", func(c fiber.Ctx) error {
		var prior promote.GroupResult
		if err := json.Unmarshal(c.Body(), &prior); err != nil {
			return server.WriteErrorDetail(c, fiber.StatusBadRequest, "invalid_body", err)
		}
		result, err := engine.RollbackGroup(c.Context(), &prior, changeUser(c))
		return renderResult(c, result, err)
	})
}

func decodeResult(c fiber.Ctx) (*promote.Result, error) {
	var prior promote.Result
	if err := json.Unmarshal(c.Body(), &prior); err != nil {
		return nil, err
	}
	return &prior, nil
}

// renderResult 仅在请求级错误时返回错误码；路径级失败体现在结果的 Error 字段中。
func renderResult(c fiber.Ctx, result any, err error) error {
	if err != nil {
		return renderError(c, err)
	}
	return c.JSON(result)
}
