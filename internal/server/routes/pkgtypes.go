package routes

import (
	"sort"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/any-repo/internal/pkgtype"
)

// RegisterPackageTypeRoutes 暴露 /-/pkgtypes 诊断接口，列出已注册的包类型与合并规则。
func RegisterPackageTypeRoutes(app *fiber.App) {
	if app == nil {
		return
	}

	app.Get("/-/pkgtypes", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"pkgtypes":         encodeModules(pkgtype.List()),
			"derived_suffixes": pkgtype.DerivedSuffixes,
		})
	})

	app.Get("/-/pkgtypes/:key", func(c fiber.Ctx) error {
		key := strings.ToLower(strings.TrimSpace(c.Params("key")))
		mod, ok := pkgtype.Resolve(key)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "pkgtype_not_found"})
		}
		return c.JSON(encodeModule(mod))
	})
}

type modulePayload struct {
	Key         string   `json:"key"`
	Description string   `json:"description"`
	MergeRules  []string `json:"merge_rules"`
}

func encodeModules(mods []pkgtype.Module) []modulePayload {
	sort.Slice(mods, func(i, j int) bool {
		return mods[i].Key < mods[j].Key
	})
	result := make([]modulePayload, 0, len(mods))
	for _, mod := range mods {
		result = append(result, encodeModule(mod))
	}
	return result
}

func encodeModule(mod pkgtype.Module) modulePayload {
	rules := make([]string, 0, len(mod.MergeRules))
	for _, rule := range mod.MergeRules {
		rules = append(rules, rule.Name)
	}
	return modulePayload{
		Key:         mod.Key,
		Description: mod.Description,
		MergeRules:  rules,
	}
}
