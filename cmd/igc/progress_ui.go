package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/John-Robertt/IGC/internal/app/run"
	"github.com/John-Robertt/IGC/internal/config"
	"github.com/John-Robertt/IGC/internal/domain"
)

var _ run.Observer = (*progressUI)(nil)

// progressUI 是交互终端的进度输出。
//
// 设计目标：
// - 所有过程信息写到 stderr（或 fallback 到 stdout），不污染 stdout 的 JSON 输出契约
// - 事件驱动：run 层只发事件，CLI 决定如何展示
// - 批次/子类目完成即输出一行：提取大目录时用户不至于面对黑屏
type progressUI struct {
	w io.Writer

	mu        sync.Mutex
	startedAt time.Time
}

func newProgressUI(w io.Writer) *progressUI {
	return &progressUI{w: w}
}

func (p *progressUI) OnStart(eff config.EffectiveConfig) {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startedAt.IsZero() {
		p.startedAt = now
	}

	mode := "dry-run"
	modeHint := " (不落盘/不记账)"
	if eff.Apply {
		mode = "apply"
		modeHint = ""
	}

	fmt.Fprintf(p.w, "[%s] IGC run (%s)\n", now.Format("15:04:05"), mode)
	fmt.Fprintln(p.w, "配置（生效）:")
	fmt.Fprintf(p.w, "  path: %s\n", eff.Path)
	fmt.Fprintf(p.w, "  mode: %s%s\n", mode, modeHint)
	fmt.Fprintf(p.w, "  grid: %dx%d cell: %dx%d webp: %s\n", eff.Rows, eff.Cols, eff.CellWidth, eff.CellHeight, onOff(eff.WebP))
	fmt.Fprintf(p.w, "  concurrency: %d\n", eff.Concurrency)
	fmt.Fprintln(p.w, "输出:")
	fmt.Fprintf(p.w, "  out: %s\n", eff.OutputDir)
	fmt.Fprintf(p.w, "  ledger: %s\n", eff.Ledger)
	fmt.Fprintln(p.w)
}

func (p *progressUI) OnPhaseDone(name string, fields map[string]any, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch name {
	case "scan":
		fmt.Fprintf(p.w, "扫描: categories=%d workers=%d (%s)\n",
			intField(fields, "categories"), intField(fields, "workers"), formatShortDuration(dur),
		)
	default:
		// 兜底：未知阶段也不要静默（便于调试/演进）。
		fmt.Fprintf(p.w, "%s (%s)\n", name, formatShortDuration(dur))
	}
}

func (p *progressUI) OnImageFailed(category, subcategory, filename string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.w, "  %s/%s %s FAIL: %s\n", category, subcategory, filename, truncate(err.Error(), 160))
}

func (p *progressUI) OnBatchDone(category, subcategory string, info run.BatchInfo, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	note := ""
	if info.SecondaryErr != nil {
		note = " webp=FAIL"
	} else if info.Secondary != "" {
		note = " +webp"
	}
	fmt.Fprintf(p.w, "  %s/%s 批次 %d → %s%s (%s)\n",
		category, subcategory, info.Number, info.Primary, note, formatShortDuration(dur),
	)
}

func (p *progressUI) OnSubcatDone(category string, res domain.SubcatResult, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := "OK"
	switch res.Status {
	case domain.UnitSkipped:
		status = "SKIP"
	case domain.UnitFailed:
		status = "FAIL"
	}

	if res.Status != domain.UnitOK && res.ErrorMsg != "" {
		fmt.Fprintf(p.w, "%s/%s %s %s: %s\n",
			category, res.Name, status, res.ErrorCode, truncate(res.ErrorMsg, 160),
		)
		return
	}
	fmt.Fprintf(p.w, "%s/%s %s in_folder=%d checked=%d dup=%d stitched=%d failed=%d (%s)\n",
		category, res.Name, status,
		res.InFolder, res.Checked, res.Duplicates, res.Stitched, res.Failed,
		formatShortDuration(dur),
	)
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func formatShortDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func intField(fields map[string]any, key string) int {
	if fields == nil {
		return 0
	}
	v, ok := fields[key]
	if !ok {
		return 0
	}
	switch x := v.(type) {
	case int:
		return x
	case int32:
		return int(x)
	case int64:
		return int(x)
	default:
		return 0
	}
}
