package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/any-hub/any-repo/internal/model"
)

// ImpliedReposFilter 仅在分组显式开启 implied_repos_enabled 时保留 origin=implied-repos 的成员。
type ImpliedReposFilter struct {
	NopFilter
}

func (ImpliedReposFilter) FilterMembers(_ context.Context, group *model.ArtifactStore, members []*model.ArtifactStore) ([]*model.ArtifactStore, error) {
	if strings.EqualFold(group.MetadataValue(model.MetadataImpliedReposEnabled), "true") {
		return members, nil
	}
	out := members[:0:0]
	for _, member := range members {
		if member.MetadataValue(model.MetadataOrigin) == model.OriginImpliedRepos {
			continue
		}
		out = append(out, member)
	}
	return out, nil
}

// Prober 检查远端地址是否可用。
type Prober func(ctx context.Context, rawURL string) error

// RemoteProbeFilter 在写入远端仓库时做一次连通性检查，失败的仓库被禁用并记录原因，
// 写入本身不会被拒绝。
type RemoteProbeFilter struct {
	NopFilter
	Probe Prober
}

func (f RemoteProbeFilter) FilterPut(ctx context.Context, store *model.ArtifactStore) (*model.ArtifactStore, error) {
	if f.Probe == nil || !store.IsRemote() || store.Disabled || store.URL == "" {
		return store, nil
	}
	if err := f.Probe(ctx, store.URL); err != nil {
		disabled := store.Clone()
		disabled.Disabled = true
		disabled.SetMetadata(model.MetadataDisabledReason, err.Error())
		return disabled, nil
	}
	return store, nil
}

// CELFilter 使用 CEL 表达式决定分组成员是否保留，表达式可以访问 store 与 group 两个变量：
//
//	store.name / store.type / store.packageType / store.key / store.disabled / store.url / store.metadata
//
// 求值失败的成员会被保留。
type CELFilter struct {
	NopFilter
	expression string
	program    cel.Program
}

// NewCELFilter 编译表达式，结果类型必须是 bool。
func NewCELFilter(expression string) (*CELFilter, error) {
	env, err := cel.NewEnv(
		cel.Variable("store", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("group", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error: %w", issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("CEL expression must return bool, got %s", out)
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program error: %w", err)
	}
	return &CELFilter{expression: expression, program: program}, nil
}

// Expression 返回原始表达式。
func (f *CELFilter) Expression() string {
	return f.expression
}

func (f *CELFilter) FilterMembers(_ context.Context, group *model.ArtifactStore, members []*model.ArtifactStore) ([]*model.ArtifactStore, error) {
	groupVars := celStore(group)
	out := members[:0:0]
	for _, member := range members {
		result, _, err := f.program.Eval(map[string]interface{}{
			"store": celStore(member),
			"group": groupVars,
		})
		if err != nil {
			out = append(out, member)
			continue
		}
		if keep, ok := result.Value().(bool); ok && !keep {
			continue
		}
		out = append(out, member)
	}
	return out, nil
}

func celStore(store *model.ArtifactStore) map[string]interface{} {
	metadata := make(map[string]interface{}, len(store.Metadata))
	for k, v := range store.Metadata {
		metadata[k] = v
	}
	return map[string]interface{}{
		"name":        store.Key.Name,
		"type":        string(store.Key.Type),
		"packageType": store.Key.PackageType,
		"key":         store.Key.String(),
		"disabled":    store.Disabled,
		"url":         store.URL,
		"metadata":    metadata,
	}
}
