package promote

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-repo/internal/model"
)

// PromoteToGroup 把 Source 加入目标分组的成员末尾。已是成员或 dry-run 时不修改注册表。
func (e *Engine) PromoteToGroup(ctx context.Context, req GroupRequest, user string) (*GroupResult, error) {
	target, err := e.validateGroupRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	result := &GroupResult{ID: uuid.NewString(), Request: req}
	if req.DryRun || target.HasConstituent(req.Source) {
		return result, nil
	}

	updated := target.Clone()
	updated.Constituents = append(updated.Constituents, req.Source)
	summary := model.NewChangeSummary(user, fmt.Sprintf("Promoting %s into membership of group: %s", req.Source, req.Target))
	if _, err := e.stores.Put(ctx, updated, summary, false); err != nil {
		return nil, fmt.Errorf("store group %s with member %s: %w", req.Target, req.Source, err)
	}
	e.logger.WithFields(logrus.Fields{
		"action": "promote_group",
		"source": req.Source.String(),
		"target": req.Target.String(),
		"user":   user,
	}).Info("group_member_added")
	return result, nil
}

// RollbackGroup 把 Source 从目标分组中移除。分组不包含该成员时结果带 Error。
func (e *Engine) RollbackGroup(ctx context.Context, prior *GroupResult, user string) (*GroupResult, error) {
	if prior == nil {
		return nil, &RequestError{Reason: "prior result required"}
	}
	req := prior.Request
	target, err := e.validateGroupRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	result := &GroupResult{ID: prior.ID, Request: req}
	if !target.HasConstituent(req.Source) {
		result.Error = fmt.Sprintf("group %s does not contain member %s", req.Target, req.Source)
		return result, nil
	}
	if req.DryRun {
		return result, nil
	}

	updated := target.Clone()
	members := updated.Constituents[:0]
	for _, member := range updated.Constituents {
		if member != req.Source {
			members = append(members, member)
		}
	}
	updated.Constituents = members
	summary := model.NewChangeSummary(user, fmt.Sprintf("Removing %s from membership of group: %s", req.Source, req.Target))
	if _, err := e.stores.Put(ctx, updated, summary, false); err != nil {
		return nil, fmt.Errorf("store group %s without member %s: %w", req.Target, req.Source, err)
	}
	e.logger.WithFields(logrus.Fields{
		"action": "promote_group",
		"source": req.Source.String(),
		"target": req.Target.String(),
		"user":   user,
	}).Info("group_member_removed")
	return result, nil
}

func (e *Engine) validateGroupRequest(ctx context.Context, req GroupRequest) (*model.ArtifactStore, error) {
	if req.Source.IsZero() || req.Target.IsZero() {
		return nil, &RequestError{Reason: "source and target are required"}
	}
	if _, err := e.stores.Get(ctx, req.Source); err != nil {
		return nil, &RequestError{Reason: fmt.Sprintf("source %s", req.Source), Err: err}
	}
	target, err := e.stores.Get(ctx, req.Target)
	if err != nil {
		return nil, &RequestError{Reason: fmt.Sprintf("target %s", req.Target), Err: err}
	}
	if !target.IsGroup() {
		return nil, &RequestError{Reason: fmt.Sprintf("target %s is not a group", req.Target)}
	}
	if req.Source.PackageType != req.Target.PackageType {
		return nil, &RequestError{Reason: "source and target package types differ"}
	}
	return target, nil
}
