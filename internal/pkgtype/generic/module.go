// Package generic 注册没有可合并元数据的通用文件仓库类型，分组内一律按首个命中返回。
package generic

import "github.com/any-hub/any-repo/internal/pkgtype"

func init() {
	pkgtype.MustRegister(pkgtype.Module{
		Key:         "generic",
		Description: "Plain file repositories resolved by first match",
	})
}
