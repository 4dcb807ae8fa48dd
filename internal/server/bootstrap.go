package server

import (
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/any-repo/internal/model"
)

// StoreKeyFromParams 从 :pkg/:type/:name 路由参数构建仓库 key。
func StoreKeyFromParams(c fiber.Ctx) (model.StoreKey, error) {
	storeType, err := model.ParseStoreType(c.Params("type"))
	if err != nil {
		return model.StoreKey{}, err
	}
	return model.NewStoreKey(
		strings.ToLower(strings.TrimSpace(c.Params("pkg"))),
		storeType,
		strings.TrimSpace(c.Params("name")),
	), nil
}
