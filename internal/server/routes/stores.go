package routes

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/any-repo/internal/model"
	"github.com/any-hub/any-repo/internal/server"
)

// StoreAdmin 是仓库管理接口需要的注册表能力。
type StoreAdmin interface {
	Get(ctx context.Context, key model.StoreKey) (*model.ArtifactStore, error)
	Put(ctx context.Context, store *model.ArtifactStore, summary model.ChangeSummary, skipIfExists bool) (bool, error)
	Delete(ctx context.Context, key model.StoreKey, summary model.ChangeSummary) error
	ListByType(ctx context.Context, storeType model.StoreType) ([]*model.ArtifactStore, error)
	OrderedMembers(ctx context.Context, group model.StoreKey, includeGroups bool) ([]*model.ArtifactStore, error)
	GroupsContaining(ctx context.Context, key model.StoreKey) ([]*model.ArtifactStore, error)
}

// RegisterStoreRoutes 暴露 /api/admin/stores 下的仓库增删改查与成员查询。
func RegisterStoreRoutes(app *fiber.App, stores StoreAdmin) {
	if app == nil || stores == nil {
		return
	}
	api := app.Group("/api/admin/stores")

	api.Get("/:pkg/:type", func(c fiber.Ctx) error {
		storeType, err := model.ParseStoreType(c.Params("type"))
		if err != nil {
			return server.WriteErrorDetail(c, fiber.StatusBadRequest, "invalid_store_type", err)
		}
		all, err := stores.ListByType(c.Context(), storeType)
		if err != nil {
			return renderError(c, err)
		}
		pkg := strings.ToLower(c.Params("pkg"))
		out := make([]*model.ArtifactStore, 0, len(all))
		for _, store := range all {
			if pkg == "_all" || store.Key.PackageType == pkg {
				out = append(out, store)
			}
		}
		return c.JSON(fiber.Map{"items": out})
	})

	api.Get("/:pkg/:type/:name", withKey(func(c fiber.Ctx, key model.StoreKey) error {
		store, err := stores.Get(c.Context(), key)
		if err != nil {
			return renderError(c, err)
		}
		return c.JSON(store)
	}))

	api.Put("/:pkg/:type/:name", withKey(func(c fiber.Ctx, key model.StoreKey) error {
		var store model.ArtifactStore
		if err := json.Unmarshal(c.Body(), &store); err != nil {
			return server.WriteErrorDetail(c, fiber.StatusBadRequest, "invalid_body", err)
		}
		// 路径中的 key 为准，body 中的 key 可省略。
		store.Key = key
		summary := model.NewChangeSummary(changeUser(c), c.Query("summary", "update store "+key.String()))
		created, err := stores.Put(c.Context(), &store, summary, false)
		if err != nil {
			return renderError(c, err)
		}
		saved, err := stores.Get(c.Context(), key)
		if err != nil {
			return renderError(c, err)
		}
		status := fiber.StatusOK
		if created {
			status = fiber.StatusCreated
		}
		return c.Status(status).JSON(saved)
	}))

	api.Delete("/:pkg/:type/:name", withKey(func(c fiber.Ctx, key model.StoreKey) error {
		summary := model.NewChangeSummary(changeUser(c), c.Query("summary", "delete store "+key.String()))
		if err := stores.Delete(c.Context(), key, summary); err != nil {
			return renderError(c, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	}))

	api.Get("/:pkg/:type/:name/members", withKey(func(c fiber.Ctx, key model.StoreKey) error {
		members, err := stores.OrderedMembers(c.Context(), key, c.Query("groups") == "true")
		if err != nil {
			return renderError(c, err)
		}
		return c.JSON(fiber.Map{"items": members})
	}))

	api.Get("/:pkg/:type/:name/groups", withKey(func(c fiber.Ctx, key model.StoreKey) error {
		groups, err := stores.GroupsContaining(c.Context(), key)
		if err != nil {
			return renderError(c, err)
		}
		return c.JSON(fiber.Map{"items": groups})
	}))
}

func withKey(fn func(c fiber.Ctx, key model.StoreKey) error) fiber.Handler {
	return func(c fiber.Ctx) error {
		key, err := server.StoreKeyFromParams(c)
		if err != nil {
			return server.WriteErrorDetail(c, fiber.StatusBadRequest, "invalid_store_key", err)
		}
		server.MarkStore(c, key.String(), "")
		return fn(c, key)
	}
}
