// Package maven 注册 Maven 包类型，并提供 maven-metadata.xml 的并集合并规则。
package maven

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"sort"

	"github.com/any-hub/any-repo/internal/pkgtype"
)

const metadataFile = "maven-metadata.xml"

func init() {
	pkgtype.MustRegister(pkgtype.Module{
		Key:         "maven",
		Description: "Maven repositories with maven-metadata.xml union merging",
		MergeRules: []pkgtype.MergeRule{
			{
				Name:        "maven-metadata",
				ContentType: "application/xml",
				Match:       func(p string) bool { return pkgtype.BaseName(p) == metadataFile },
				Merge:       MergeMetadata,
			},
		},
	})
}

type metadata struct {
	XMLName      xml.Name    `xml:"metadata"`
	ModelVersion string      `xml:"modelVersion,attr,omitempty"`
	GroupID      string      `xml:"groupId,omitempty"`
	ArtifactID   string      `xml:"artifactId,omitempty"`
	Version      string      `xml:"version,omitempty"`
	Versioning   *versioning `xml:"versioning,omitempty"`
	Plugins      []plugin    `xml:"plugins>plugin,omitempty"`
}

type versioning struct {
	Latest           string            `xml:"latest,omitempty"`
	Release          string            `xml:"release,omitempty"`
	Snapshot         *snapshot         `xml:"snapshot,omitempty"`
	Versions         []string          `xml:"versions>version,omitempty"`
	LastUpdated      string            `xml:"lastUpdated,omitempty"`
	SnapshotVersions []snapshotVersion `xml:"snapshotVersions>snapshotVersion,omitempty"`
}

type snapshot struct {
	Timestamp   string `xml:"timestamp,omitempty"`
	BuildNumber int    `xml:"buildNumber,omitempty"`
	LocalCopy   bool   `xml:"localCopy,omitempty"`
}

type snapshotVersion struct {
	Classifier string `xml:"classifier,omitempty"`
	Extension  string `xml:"extension,omitempty"`
	Value      string `xml:"value,omitempty"`
	Updated    string `xml:"updated,omitempty"`
}

type plugin struct {
	Name       string `xml:"name,omitempty"`
	Prefix     string `xml:"prefix"`
	ArtifactID string `xml:"artifactId"`
}

func parse(data []byte) (*metadata, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("empty document")
	}
	var doc metadata
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// MergeMetadata 对多个 maven-metadata.xml 取并集：版本去重排序，latest/release 重新计算，
// lastUpdated 取最大值；groupId/artifactId 等单值字段取第一个非空值。
func MergeMetadata(sources []pkgtype.Source) (*pkgtype.Result, error) {
	result := &pkgtype.Result{}
	var docs []*metadata
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

	merged := metadata{}
	versions := map[string]struct{}{}
	plugins := map[string]plugin{}
	snapshots := map[string]snapshotVersion{}
	var (
		lastUpdated string
		snap        *snapshot
		hasVersions bool
	)

	for _, doc := range docs {
		merged.ModelVersion = firstNonEmpty(merged.ModelVersion, doc.ModelVersion)
		merged.GroupID = firstNonEmpty(merged.GroupID, doc.GroupID)
		merged.ArtifactID = firstNonEmpty(merged.ArtifactID, doc.ArtifactID)
		merged.Version = firstNonEmpty(merged.Version, doc.Version)
		for _, p := range doc.Plugins {
			if _, exists := plugins[p.Prefix]; !exists {
				plugins[p.Prefix] = p
			}
		}

		v := doc.Versioning
		if v == nil {
			continue
		}
		hasVersions = true
		for _, version := range v.Versions {
			versions[version] = struct{}{}
		}
		if v.Latest != "" {
			versions[v.Latest] = struct{}{}
		}
		if v.Release != "" {
			versions[v.Release] = struct{}{}
		}
		if v.LastUpdated > lastUpdated {
			lastUpdated = v.LastUpdated
		}
		if v.Snapshot != nil && newerSnapshot(v.Snapshot, snap) {
			copied := *v.Snapshot
			snap = &copied
		}
		for _, sv := range v.SnapshotVersions {
			id := sv.Classifier + "|" + sv.Extension
			if existing, ok := snapshots[id]; !ok || sv.Updated > existing.Updated {
				snapshots[id] = sv
			}
		}
	}

	if hasVersions {
		sorted := pkgtype.SortVersions(versions)
		// 仅在 GAV 级 metadata（带 snapshot 信息）时 versions 可能为空
		out := &versioning{
			Versions:    sorted,
			LastUpdated: lastUpdated,
			Snapshot:    snap,
		}
		if len(sorted) > 0 {
			out.Latest = sorted[len(sorted)-1]
			for i := len(sorted) - 1; i >= 0; i-- {
				if pkgtype.IsStable(sorted[i]) {
					out.Release = sorted[i]
					break
				}
			}
		}
		if len(snapshots) > 0 {
			ids := make([]string, 0, len(snapshots))
			for id := range snapshots {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				out.SnapshotVersions = append(out.SnapshotVersions, snapshots[id])
			}
		}
		merged.Versioning = out
	}

	if len(plugins) > 0 {
		prefixes := make([]string, 0, len(plugins))
		for prefix := range plugins {
			prefixes = append(prefixes, prefix)
		}
		sort.Strings(prefixes)
		for _, prefix := range prefixes {
			merged.Plugins = append(merged.Plugins, plugins[prefix])
		}
	}

	body, err := xml.MarshalIndent(merged, "", "  ")
	if err != nil {
		return result, fmt.Errorf("serialize merged metadata: %w", err)
	}
	result.Data = append([]byte(xml.Header), body...)
	result.Data = append(result.Data, '\n')
	return result, nil
}

func newerSnapshot(candidate, current *snapshot) bool {
	if current == nil {
		return true
	}
	if candidate.Timestamp != current.Timestamp {
		return candidate.Timestamp > current.Timestamp
	}
	return candidate.BuildNumber > current.BuildNumber
}

func firstNonEmpty(current, candidate string) string {
	if current != "" {
		return current
	}
	return candidate
}
