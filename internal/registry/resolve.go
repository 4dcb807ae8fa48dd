package registry

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-repo/internal/model"
)

// resolveMembers 在单个快照上做深度优先展开。visited 覆盖整个调用：
// 已经出现过的 key 不会再次输出，已经展开过的分组不会再次下钻，因此
// 多个分组之间的环也能正常结束。悬空引用与禁用的仓库直接跳过。
func resolveMembers(snap *snapshot, root *model.ArtifactStore, includeGroups bool, logger *logrus.Logger) []*model.ArtifactStore {
	visited := map[model.StoreKey]struct{}{root.Key: {}}
	var out []*model.ArtifactStore

	var expand func(group *model.ArtifactStore)
	expand = func(group *model.ArtifactStore) {
		for _, key := range group.Constituents {
			if _, seen := visited[key]; seen {
				if key.Type == model.StoreTypeGroup {
					logger.WithFields(logrus.Fields{
						"action": "resolve_members",
						"group":  root.Key.String(),
						"member": key.String(),
					}).Debug("group_cycle_skipped")
				}
				continue
			}
			visited[key] = struct{}{}

			member, ok := snap.lookup(key)
			if !ok || member.Disabled {
				continue
			}
			if member.IsGroup() {
				if includeGroups {
					out = append(out, member.Clone())
				}
				expand(member)
				continue
			}
			out = append(out, member.Clone())
		}
	}
	expand(root)
	return out
}

// containingGroups 从 key 出发沿反向边做广度优先遍历，返回直接或间接包含它的全部分组。
func containingGroups(snap *snapshot, key model.StoreKey) []model.StoreKey {
	visited := map[model.StoreKey]struct{}{key: {}}
	queue := []model.StoreKey{key}
	var result []model.StoreKey

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, parent := range snap.parents[current] {
			if _, seen := visited[parent]; seen {
				continue
			}
			visited[parent] = struct{}{}
			if _, ok := snap.lookup(parent); !ok {
				continue
			}
			result = append(result, parent)
			queue = append(queue, parent)
		}
	}
	model.SortKeys(result)
	return result
}

func sortStores(stores []*model.ArtifactStore) {
	sort.Slice(stores, func(i, j int) bool {
		return stores[i].Key.Compare(stores[j].Key) < 0
	})
}
