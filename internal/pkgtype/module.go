package pkgtype

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"
)

// ErrEmptyMerge 表示没有任何来源可以参与合并。
var ErrEmptyMerge = errors.New("nothing to merge")

// Source 是一份待合并的文档，ID 由调用方定义（通常是仓库 key），合并函数只原样回传。
type Source struct {
	ID   string
	Data []byte
}

// ParseFailure 记录单个来源解析失败的原因，不会中断整体合并。
type ParseFailure struct {
	ID  string
	Err error
}

// Result 是一次合并的输出。Contributors 只包含成功解析并参与合并的来源。
type Result struct {
	Data         []byte
	Contributors []string
	Failures     []ParseFailure
}

// MergeFunc 合并多个来源。实现必须只依赖 sources 的内容与顺序，
// 全部来源都失败或为空时返回 ErrEmptyMerge。
type MergeFunc func(sources []Source) (*Result, error)

// MergeRule 描述一类可合并文档。
type MergeRule struct {
	Name        string
	ContentType string
	Match       func(path string) bool
	Merge       MergeFunc
}

// Module 描述一个包类型的静态信息与合并规则。
type Module struct {
	Key         string
	Description string
	MergeRules  []MergeRule
}

// RuleFor 返回匹配 path 的第一条规则。
func (m Module) RuleFor(path string) (MergeRule, bool) {
	for _, rule := range m.MergeRules {
		if rule.Match(path) {
			return rule, true
		}
	}
	return MergeRule{}, false
}

// MergeTarget 描述一次合并请求真正要处理的对象。
type MergeTarget struct {
	Rule MergeRule
	// Canonical 是被合并的规范文档路径。
	Canonical string
	// DerivedSuffix 非空时，请求的是规范文档的校验和文件。
	DerivedSuffix string
}

// Lookup 判断 packageType 下的 path 是否可合并，并给出规范文档与派生后缀。
func Lookup(packageType, path string) (MergeTarget, bool) {
	module, ok := Resolve(packageType)
	if !ok {
		return MergeTarget{}, false
	}
	canonical, suffix := CanonicalPath(path)
	rule, ok := module.RuleFor(canonical)
	if !ok {
		return MergeTarget{}, false
	}
	return MergeTarget{Rule: rule, Canonical: canonical, DerivedSuffix: suffix}, true
}

// DerivedSuffixes 是支持的校验和后缀。
var DerivedSuffixes = []string{".sha1", ".md5", ".sha256", ".sha512"}

// CanonicalPath 去掉校验和后缀，返回规范文档路径与后缀。
func CanonicalPath(path string) (string, string) {
	for _, suffix := range DerivedSuffixes {
		if strings.HasSuffix(path, suffix) && len(path) > len(suffix) {
			return strings.TrimSuffix(path, suffix), suffix
		}
	}
	return path, ""
}

// Derive 计算 content 的十六进制摘要。
func Derive(suffix string, content []byte) ([]byte, error) {
	var h hash.Hash
	switch suffix {
	case ".sha1":
		h = sha1.New()
	case ".md5":
		h = md5.New()
	case ".sha256":
		h = sha256.New()
	case ".sha512":
		h = sha512.New()
	default:
		return nil, fmt.Errorf("unsupported checksum suffix %q", suffix)
	}
	h.Write(content)
	return []byte(hex.EncodeToString(h.Sum(nil))), nil
}

// BaseName 返回路径最后一段。
func BaseName(path string) string {
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		return path[idx+1:]
	}
	return path
}
