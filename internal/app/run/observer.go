package run

import (
	"time"

	"github.com/John-Robertt/IGC/internal/config"
	"github.com/John-Robertt/IGC/internal/domain"
)

// Observer 用于把"运行进度/阶段/批次结果"从核心执行流程中解耦出来。
//
// 约束：
// - run 包只负责发事件，不做任何输出（避免污染 stdout 的 JSON 契约）。
// - 事件由 coordinator 串行发出（worker 的失败先汇聚再上报），实现无需加锁，
//   但不得阻塞：慢 Observer 会拖慢整个流水线。
type Observer interface {
	// OnStart 在 ExecuteWithObserver 开始时调用（应尽量早，保证用户 1 秒内看到输出）。
	OnStart(eff config.EffectiveConfig)
	// OnPhaseDone 在阶段结束时调用（用于打印阶段统计与耗时）。
	OnPhaseDone(name string, fields map[string]any, dur time.Duration)
	// OnImageFailed 在单张图片提取失败时调用（该文件已被排除，运行继续）。
	OnImageFailed(category, subcategory, filename string, err error)
	// OnBatchDone 在一个批次合成落盘后调用。
	OnBatchDone(category, subcategory string, info BatchInfo, dur time.Duration)
	// OnSubcatDone 在一个子类目处理完成后调用（含 skipped/failed）。
	OnSubcatDone(category string, res domain.SubcatResult, dur time.Duration)
}

// BatchInfo 是 OnBatchDone 携带的批次落盘信息。
type BatchInfo struct {
	Number  int
	Primary string

	// Secondary/SecondaryErr：WebP 副本是 best-effort，失败不影响批次成功。
	Secondary    string
	SecondaryErr error
}
