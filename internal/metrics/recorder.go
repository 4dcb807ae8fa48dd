// Package metrics exposes Prometheus counters and histograms for merge
// generation, not-found cache lookups, upstream fetches and promotions.
package metrics

import "time"

// Recorder 由各核心组件调用，未配置时使用 Noop。
type Recorder interface {
	// RecordMerge 记录一次合并生成，outcome 取值 generated/hit/absent/error。
	RecordMerge(packageType, outcome string, duration time.Duration)

	// RecordNFCLookup 记录一次 NFC 查询是否命中。
	RecordNFCLookup(hit bool)

	// RecordUpstreamFetch 记录一次远端请求。
	RecordUpstreamFetch(packageType string, success bool, duration time.Duration)

	// RecordResolve 记录 content 请求的解析方式（direct/first-found/merge）与结果。
	RecordResolve(kind string, found bool)

	// RecordPromotion 记录一次 promote/rollback/resume 的路径数量。
	RecordPromotion(operation string, completed, pending int, duration time.Duration)
}

// Noop 丢弃所有指标。
type Noop struct{}

func (Noop) RecordMerge(string, string, time.Duration) {}
func (Noop) RecordNFCLookup(bool) {}
func (Noop) RecordUpstreamFetch(string, bool, time.Duration) {}
func (Noop) RecordResolve(string, bool) {}
func (Noop) RecordPromotion(string, int, int, time.Duration) {}

// OrNoop 在 r 为空时返回 Noop。
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return Noop{}
	}
	return r
}
