package pkgtype

import (
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// CompareVersions 优先按 semver 比较，任一方无法解析时退回字符串比较。
func CompareVersions(a, b string) int {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA == nil && errB == nil {
		if c := va.Compare(vb); c != 0 {
			return c
		}
	}
	return strings.Compare(a, b)
}

// SortVersions 对去重后的版本集合排序，结果只取决于集合本身。
func SortVersions(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	sort.SliceStable(out, func(i, j int) bool {
		return CompareVersions(out[i], out[j]) < 0
	})
	return out
}

// IsStable 判断版本是否为正式版（非 SNAPSHOT/预发布）。
func IsStable(version string) bool {
	if strings.HasSuffix(strings.ToUpper(version), "-SNAPSHOT") {
		return false
	}
	if v, err := semver.NewVersion(version); err == nil {
		return v.Prerelease() == ""
	}
	return true
}
