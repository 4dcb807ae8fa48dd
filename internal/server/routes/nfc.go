package routes

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/any-repo/internal/model"
	"github.com/any-hub/any-repo/internal/nfc"
	"github.com/any-hub/any-repo/internal/server"
)

// NFCAdmin 是 NFC 管理接口依赖的能力，nfc.Cache 满足该接口。
type NFCAdmin interface {
	ClearStore(ctx context.Context, key model.StoreKey) error
	Export(ctx context.Context, filter []model.StoreKey) ([]nfc.Section, error)
}

// RegisterNFCRoutes 暴露 NFC 导出与按仓库清理。
// GET /api/nfc?key=maven:remote:central&key=... 按 key 过滤，缺省导出全部。
func RegisterNFCRoutes(app *fiber.App, cache NFCAdmin) {
	if app == nil || cache == nil {
		return
	}

	app.Get("/api/nfc", func(c fiber.Ctx) error {
		var filter []model.StoreKey
		for _, raw := range queryValues(c, "key") {
			key, err := model.ParseStoreKey(raw)
			if err != nil {
				return server.WriteErrorDetail(c, fiber.StatusBadRequest, "invalid_store_key", err)
			}
			filter = append(filter, key)
		}
		sections, err := cache.Export(c.Context(), filter)
		if err != nil {
			return renderError(c, err)
		}
		if sections == nil {
			sections = []nfc.Section{}
		}
		return c.JSON(fiber.Map{"sections": sections})
	})

	app.Delete("/api/nfc/:pkg/:type/:name", withKey(func(c fiber.Ctx, key model.StoreKey) error {
		if err := cache.ClearStore(c.Context(), key); err != nil {
			return renderError(c, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	}))
}

func queryValues(c fiber.Ctx, name string) []string {
	var out []string
	for _, raw := range c.Request().URI().QueryArgs().PeekMulti(name) {
		for _, part := range strings.Split(string(raw), ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
