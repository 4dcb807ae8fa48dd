// Package npm 注册 npm 包类型，并提供 package.json（registry 包文档）的并集合并规则。
package npm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/any-hub/any-repo/internal/pkgtype"
)

const packageFile = "package.json"

func init() {
	pkgtype.MustRegister(pkgtype.Module{
		Key:         "npm",
		Description: "npm registries with package document union merging",
		MergeRules: []pkgtype.MergeRule{
			{
				Name:        "package-document",
				ContentType: "application/json",
				Match:       func(p string) bool { return pkgtype.BaseName(p) == packageFile },
				Merge:       MergePackage,
			},
		},
	})
}

func parse(data []byte) (map[string]interface{}, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("empty document")
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var doc map[string]interface{}
	if err := decoder.Decode(&doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, errors.New("document is not an object")
	}
	return doc, nil
}

// MergePackage 合并多个 npm 包文档：
//   - versions/time/dist-tags 取并集，同名键保留第一个来源的值；
//   - time.modified 取最大值，time.created 取最小值；
//   - dist-tags.latest 重新计算为最高的正式版本；
//   - 其余顶层字段以第一个来源为准。
//
// 输出按 RFC 8785 规范化，保证同一输入集合得到相同字节。
func MergePackage(sources []pkgtype.Source) (*pkgtype.Result, error) {
	result := &pkgtype.Result{}
	var docs []map[string]interface{}
	for _, src := range sources {
		doc, err := parse(src.Data)
		if err != nil {
			result.Failures = append(result.Failures, pkgtype.ParseFailure{ID: src.ID, Err: err})
			continue
		}
		docs = append(docs, doc)
		result.Contributors = append(result.Contributors, src.ID)
	}
	if len(docs) == 0 {
		return result, pkgtype.ErrEmptyMerge
	}

	merged := map[string]interface{}{}
	versions := map[string]interface{}{}
	times := map[string]interface{}{}
	tags := map[string]interface{}{}

	for _, doc := range docs {
		for key, value := range doc {
			switch key {
			case "versions", "time", "dist-tags":
				continue
			}
			if _, exists := merged[key]; !exists {
				merged[key] = value
			}
		}
		unionInto(versions, doc["versions"])
		unionInto(tags, doc["dist-tags"])
		if rawTimes, ok := doc["time"].(map[string]interface{}); ok {
			for key, value := range rawTimes {
				existing, exists := times[key]
				switch {
				case !exists:
					times[key] = value
				case key == "modified" && fmt.Sprint(value) > fmt.Sprint(existing):
					times[key] = value
				case key == "created" && fmt.Sprint(value) < fmt.Sprint(existing):
					times[key] = value
				}
			}
		}
	}

	if len(versions) > 0 {
		merged["versions"] = versions
		set := make(map[string]struct{}, len(versions))
		for v := range versions {
			set[v] = struct{}{}
		}
		sorted := pkgtype.SortVersions(set)
		for i := len(sorted) - 1; i >= 0; i-- {
			if pkgtype.IsStable(sorted[i]) {
				tags["latest"] = sorted[i]
				break
			}
		}
	}
	if len(tags) > 0 {
		merged["dist-tags"] = tags
	}
	if len(times) > 0 {
		merged["time"] = times
	}

	raw, err := json.Marshal(merged)
	if err != nil {
		return result, fmt.Errorf("serialize merged package: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return result, fmt.Errorf("canonicalize merged package: %w", err)
	}
	result.Data = canonical
	return result, nil
}

func unionInto(dst map[string]interface{}, raw interface{}) {
	src, ok := raw.(map[string]interface{})
	if !ok {
		return
	}
	for key, value := range src {
		if _, exists := dst[key]; !exists {
			dst[key] = value
		}
	}
}
