package routes

import (
	"bytes"
	"context"
	"io"
	"path"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/any-repo/internal/model"
	"github.com/any-hub/any-repo/internal/server"
)

// ContentService 是内容接口依赖的读写能力，content.Manager 满足该接口。
type ContentService interface {
	Retrieve(ctx context.Context, key model.StoreKey, path string) ([]byte, model.StoreKey, error)
	Exists(ctx context.Context, key model.StoreKey, path string) (bool, model.StoreKey, error)
	Store(ctx context.Context, key model.StoreKey, path string, body io.Reader) (model.StoreKey, error)
	Delete(ctx context.Context, key model.StoreKey, path string) (bool, error)
}

// RegisterContentRoutes 暴露 /api/content/:pkg/:type/:name/* 的内容读写。
func RegisterContentRoutes(app *fiber.App, svc ContentService) {
	if app == nil || svc == nil {
		return
	}
	const pattern = "/api/content/:pkg/:type/:name/*"

	// HEAD 必须先于 GET 注册，否则会被 GET 路由接管。
	app.Head(pattern, withKey(func(c fiber.Ctx, key model.StoreKey) error {
		p, ok := contentPath(c)
		if !ok {
			return c.SendStatus(fiber.StatusBadRequest)
		}
		found, source, err := svc.Exists(c.Context(), key, p)
		if err != nil {
			return renderError(c, err)
		}
		if !found {
			return c.SendStatus(fiber.StatusNotFound)
		}
		markContent(c, source, p)
		return c.SendStatus(fiber.StatusOK)
	}))

	app.Get(pattern, withKey(func(c fiber.Ctx, key model.StoreKey) error {
		p, ok := contentPath(c)
		if !ok {
			return server.WriteError(c, fiber.StatusBadRequest, "path_required")
		}
		data, source, err := svc.Retrieve(c.Context(), key, p)
		if err != nil {
			return renderError(c, err)
		}
		markContent(c, source, p)
		return c.Send(data)
	}))

	app.Put(pattern, withKey(func(c fiber.Ctx, key model.StoreKey) error {
		p, ok := contentPath(c)
		if !ok {
			return server.WriteError(c, fiber.StatusBadRequest, "path_required")
		}
		target, err := svc.Store(c.Context(), key, p, bytes.NewReader(c.Body()))
		if err != nil {
			return renderError(c, err)
		}
		server.MarkStore(c, "", target.String())
		c.Set(server.HeaderSource, target.String())
		return c.SendStatus(fiber.StatusCreated)
	}))

	app.Delete(pattern, withKey(func(c fiber.Ctx, key model.StoreKey) error {
		p, ok := contentPath(c)
		if !ok {
			return server.WriteError(c, fiber.StatusBadRequest, "path_required")
		}
		deleted, err := svc.Delete(c.Context(), key, p)
		if err != nil {
			return renderError(c, err)
		}
		if !deleted {
			return server.WriteError(c, fiber.StatusNotFound, "not_found")
		}
		return c.SendStatus(fiber.StatusNoContent)
	}))
}

func contentPath(c fiber.Ctx) (string, bool) {
	p := strings.Trim(c.Params("*"), "/")
	return p, p != ""
}

func markContent(c fiber.Ctx, source model.StoreKey, p string) {
	server.MarkStore(c, "", source.String())
	c.Set(server.HeaderSource, source.String())
	if ext := path.Ext(p); ext != "" {
		c.Type(strings.TrimPrefix(ext, "."))
	} else {
		c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
	}
}
