package domain

import (
	"sort"
	"time"
)

const (
	// UnitOK 表示该（子）类目正常走完了处理循环（包括“零活动”的空目录）。
	UnitOK = "ok"
	// UnitSkipped 表示该单元因目录不可读等结构性问题被整体跳过（零活动）。
	UnitSkipped = "skipped"
	// UnitFailed 表示该单元中途失败（例如主输出写入失败），已完成的批次保持有效。
	UnitFailed = "failed"
)

const (
	ErrCodeConfigNotFound    = "config_not_found"
	ErrCodeConfigInvalid     = "config_invalid"
	ErrCodeConfigMissingPath = "config_missing_path"
	ErrCodeIOFailed          = "io_failed"
	ErrCodeLedgerIOFailed    = "ledger_io_failed"
	ErrCodeComposeFailed     = "compose_failed"
)

// RunReport 是对外稳定输出（report.json / stdout JSON）的结构。
type RunReport struct {
	Path      string `json:"path"`
	OutputDir string `json:"output_dir"`
	Ledger    string `json:"ledger"`
	DryRun    bool   `json:"dry_run"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Summary    Counters         `json:"summary"`
	Categories []CategoryResult `json:"categories"`

	// Errors 是运行级失败（config/ledger/根目录）；单元级失败只体现在各自的条目里。
	Errors []RunError `json:"errors"`
}

// Counters 是一组运行计数器；子类目、类目与整个运行共用同一形状。
type Counters struct {
	InFolder   int `json:"images_in_folder"`
	Checked    int `json:"checked"`
	Duplicates int `json:"duplicates_found"`
	Processed  int `json:"processed"`
	Stitched   int `json:"stitched_batches"`
	Failed     int `json:"extract_failures"`
}

func (c *Counters) add(o Counters) {
	c.InFolder += o.InFolder
	c.Checked += o.Checked
	c.Duplicates += o.Duplicates
	c.Processed += o.Processed
	c.Stitched += o.Stitched
	c.Failed += o.Failed
}

type CategoryResult struct {
	Name string `json:"name"`

	Status    string `json:"status"`
	ErrorCode string `json:"error_code,omitempty"`
	ErrorMsg  string `json:"error_msg,omitempty"`

	Summary Counters       `json:"summary"`
	Subcats []SubcatResult `json:"subcategories"`
}

type SubcatResult struct {
	// Name 是子目录名；类目根池固定为 "main"。
	Name string `json:"name"`

	Status    string `json:"status"`
	ErrorCode string `json:"error_code,omitempty"`
	ErrorMsg  string `json:"error_msg,omitempty"`

	Counters

	// DuplicateFiles 是本次运行中被判定为重复而被排除的文件名（原始发现名）。
	DuplicateFiles []string `json:"duplicate_files"`
	// FailedFiles 是解码/提取失败而被排除的文件名。
	FailedFiles []string `json:"failed_files"`
	// Outputs 是本次运行实际（或 dry-run 将会）产出的主输出文件名。
	Outputs []string `json:"outputs"`
}

type RunError struct {
	Code string `json:"error_code"`
	Msg  string `json:"error_msg"`
}

// Finalize 做三件事：
// 1) 时间统一为 UTC（确保 JSON 为 RFC3339 且后缀 Z）
// 2) 稳定排序：类目/子类目按名字典序；重复与失败文件列表同样排序
//    （worker 完成顺序不确定，报告必须与之无关）
// 3) 类目与运行级 summary 由叶子条目重新计算
func (r *RunReport) Finalize() {
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = r.FinishedAt.UTC()

	sort.SliceStable(r.Categories, func(i, j int) bool {
		return r.Categories[i].Name < r.Categories[j].Name
	})

	var total Counters
	for ci := range r.Categories {
		c := &r.Categories[ci]
		sort.SliceStable(c.Subcats, func(i, j int) bool {
			return c.Subcats[i].Name < c.Subcats[j].Name
		})

		var sum Counters
		for si := range c.Subcats {
			s := &c.Subcats[si]
			sort.Strings(s.DuplicateFiles)
			sort.Strings(s.FailedFiles)
			sum.add(s.Counters)
		}
		c.Summary = sum
		total.add(sum)
	}
	r.Summary = total
}

// HasFailure 报告整个运行是否有任何失败（运行级错误或失败单元）。
func (r *RunReport) HasFailure() bool {
	if len(r.Errors) > 0 {
		return true
	}
	for _, c := range r.Categories {
		if c.Status == UnitFailed {
			return true
		}
		for _, s := range c.Subcats {
			if s.Status == UnitFailed {
				return true
			}
		}
	}
	return false
}
