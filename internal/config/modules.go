package config

import (
	_ "github.com/any-hub/any-repo/internal/pkgtype/generic"
	_ "github.com/any-hub/any-repo/internal/pkgtype/maven"
	_ "github.com/any-hub/any-repo/internal/pkgtype/npm"
	_ "github.com/any-hub/any-repo/internal/pkgtype/pypi"
)
