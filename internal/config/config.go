package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/John-Robertt/IGC/internal/domain"
)

// 错误码取自 domain 的统一口径（报告的 error_code 字段只有一份定义）。
const (
	// ErrCodeNotFound 表示无参运行但 cwd 下没有 igc.json。
	ErrCodeNotFound = domain.ErrCodeConfigNotFound
	// ErrCodeInvalid 表示配置文件无法读取/解析，或字段不合法。
	ErrCodeInvalid = domain.ErrCodeConfigInvalid
	// ErrCodeMissingPath 表示无参运行但配置文件缺少 path 字段。
	ErrCodeMissingPath = domain.ErrCodeConfigMissingPath
)

const (
	DefaultRows       = 4
	DefaultCols       = 4
	DefaultCellWidth  = 512
	DefaultCellHeight = 512

	// DefaultWhiteThreshold/DefaultBlackThreshold 是白度/黑度统计的通道阈值（含）。
	DefaultWhiteThreshold = 240
	DefaultBlackThreshold = 30
)

// CLIArgs 只包含 CLI 暴露的入口（path/apply/grid），并保留“是否显式指定”的信息。
// 这能保证覆盖优先级可实现：例如 --apply=false 必须能覆盖 config.apply=true。
type CLIArgs struct {
	Path string

	Apply    bool
	ApplySet bool

	Grid    string // "RxC"，例如 "4x4"
	GridSet bool
}

// FileConfig 对应 igc.json 的解析结构。
type FileConfig struct {
	Path      string `json:"path"`
	OutputDir string `json:"output_dir"`
	Ledger    string `json:"ledger"`
	Apply     *bool  `json:"apply"`

	Concurrency int         `json:"concurrency"`
	Grid        *GridConfig `json:"grid"`
	Cell        *CellConfig `json:"cell"`
	WebP        *bool       `json:"webp"`

	// 指针以区分"显式 0"与"未设置"（black_threshold: 0 是合法配置）。
	WhiteThreshold *int `json:"white_threshold"`
	BlackThreshold *int `json:"black_threshold"`

	ExcludeDirs []string `json:"exclude_dirs"`
}

type GridConfig struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

type CellConfig struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// EffectiveConfig 是合并并做最小规范化后的最终配置（实现层直接消费，不再做二次默认/优先级判断）。
type EffectiveConfig struct {
	Path      string
	OutputDir string
	Ledger    string
	Apply     bool

	Concurrency int
	Rows        int
	Cols        int
	CellWidth   int
	CellHeight  int
	WebP        bool

	WhiteThreshold uint8
	BlackThreshold uint8

	ExcludeDirs []string
}

// Capacity 返回网格容量（每批图片数）。
func (e EffectiveConfig) Capacity() int { return e.Rows * e.Cols }

// Error 是配置阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrCodeNotFound:
		return fmt.Sprintf("%s：未找到配置文件 %q", e.Code, e.Path)
	case ErrCodeMissingPath:
		return fmt.Sprintf("%s：配置文件 %q 缺少必填字段 path", e.Code, e.Path)
	case ErrCodeInvalid:
		if e.Err != nil {
			return fmt.Sprintf("%s：配置文件 %q 无效：%v", e.Code, e.Path, e.Err)
		}
		return fmt.Sprintf("%s：配置文件 %q 无效", e.Code, e.Path)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code 从 error 中提取 error_code；若不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// LoadEffective 发现并读取配置文件，然后与 CLI 参数合并为最终配置。
//
// 发现规则（固定）：
// 1) CLI 提供 path：尝试读取 <path>/igc.json（可选）
// 2) CLI 未提供 path：必须读取 <cwd>/igc.json（必选），且其中必须包含 path
//
// 覆盖优先级（固定）：
// - path：CLI path > config path
// - apply：CLI --apply/--apply=false > config > 默认 false（dry-run）
// - grid：CLI --grid=RxC > config.grid > 默认 4x4
// - 其他字段：仅由 config 控制（CLI 不暴露）
func LoadEffective(cwd string, cli CLIArgs) (EffectiveConfig, error) {
	cwdAbs, err := filepath.Abs(cwd)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cwd, Err: err}
	}

	if strings.TrimSpace(cli.Path) != "" {
		// CLI 给了 path：配置文件可选，位置固定在 <path>/igc.json。
		absPath := absCleanFrom(cwdAbs, cli.Path)
		cfgPath := filepath.Join(absPath, "igc.json")

		fc, _, err := readFileConfig(cfgPath)
		if err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
		}
		return merge(absPath, cli, fc, cfgPath)
	}

	// CLI 没给 path：必须读取 <cwd>/igc.json，且其中必须包含 path。
	cfgPath := filepath.Join(cwdAbs, "igc.json")
	fc, exists, err := readFileConfig(cfgPath)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}
	if !exists {
		return EffectiveConfig{}, &Error{Code: ErrCodeNotFound, Path: cfgPath, Err: os.ErrNotExist}
	}
	if strings.TrimSpace(fc.Path) == "" {
		return EffectiveConfig{}, &Error{Code: ErrCodeMissingPath, Path: cfgPath}
	}

	absPath := absCleanFrom(cwdAbs, fc.Path)
	return merge(absPath, cli, fc, cfgPath)
}

func merge(absPath string, cli CLIArgs, fc FileConfig, cfgPath string) (EffectiveConfig, error) {
	// apply：CLI > config > 默认 false
	apply := false
	if cli.ApplySet {
		apply = cli.Apply
	} else if fc.Apply != nil {
		apply = *fc.Apply
	}

	// grid：CLI > config > 默认 4x4
	rows, cols := DefaultRows, DefaultCols
	if fc.Grid != nil {
		if fc.Grid.Rows != 0 {
			rows = fc.Grid.Rows
		}
		if fc.Grid.Cols != 0 {
			cols = fc.Grid.Cols
		}
	}
	if cli.GridSet {
		r, c, err := ParseGrid(cli.Grid)
		if err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
		}
		rows, cols = r, c
	}
	if rows < 1 || rows > 16 || cols < 1 || cols > 16 {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath,
			Err: fmt.Errorf("grid 行列必须在 [1,16]，实际是 %dx%d", rows, cols)}
	}

	cellW, cellH := DefaultCellWidth, DefaultCellHeight
	if fc.Cell != nil {
		if fc.Cell.Width != 0 {
			cellW = fc.Cell.Width
		}
		if fc.Cell.Height != 0 {
			cellH = fc.Cell.Height
		}
	}
	if cellW < 16 || cellW > 4096 || cellH < 16 || cellH > 4096 {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath,
			Err: fmt.Errorf("cell 尺寸必须在 [16,4096]，实际是 %dx%d", cellW, cellH)}
	}

	// concurrency：0 → 主机可用并行度；范围建议 [1,32]，超出截断。
	concurrency := fc.Concurrency
	if concurrency == 0 {
		concurrency = runtime.GOMAXPROCS(0)
	}
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > 32 {
		concurrency = 32
	}

	white := DefaultWhiteThreshold
	if fc.WhiteThreshold != nil {
		white = *fc.WhiteThreshold
	}
	black := DefaultBlackThreshold
	if fc.BlackThreshold != nil {
		black = *fc.BlackThreshold
	}
	if white < 1 || white > 255 || black < 0 || black > 254 || black >= white {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath,
			Err: fmt.Errorf("阈值不合法：white_threshold=%d black_threshold=%d（要求 0<=black<white<=255）", white, black)}
	}

	outputDir := strings.TrimSpace(fc.OutputDir)
	if outputDir == "" {
		outputDir = filepath.Join(absPath, "out")
	} else {
		outputDir = absCleanFrom(absPath, outputDir)
	}

	ledger := strings.TrimSpace(fc.Ledger)
	if ledger == "" {
		ledger = filepath.Join(outputDir, "ledger.csv")
	} else {
		ledger = absCleanFrom(absPath, ledger)
	}

	webp := true
	if fc.WebP != nil {
		webp = *fc.WebP
	}

	return EffectiveConfig{
		Path:           absPath,
		OutputDir:      outputDir,
		Ledger:         ledger,
		Apply:          apply,
		Concurrency:    concurrency,
		Rows:           rows,
		Cols:           cols,
		CellWidth:      cellW,
		CellHeight:     cellH,
		WebP:           webp,
		WhiteThreshold: uint8(white),
		BlackThreshold: uint8(black),
		ExcludeDirs:    append([]string(nil), fc.ExcludeDirs...),
	}, nil
}

// ParseGrid 解析 "RxC" 形态的网格参数（例如 "4x4"、"2X3"）。
func ParseGrid(s string) (rows, cols int, err error) {
	t := strings.ToLower(strings.TrimSpace(s))
	parts := strings.Split(t, "x")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("--grid 必须是 RxC 形态，实际是 %q", s)
	}
	rows, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("--grid 行数无法解析：%q", s)
	}
	cols, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("--grid 列数无法解析：%q", s)
	}
	return rows, cols, nil
}

// absCleanFrom 以 base 为基准，把 p 变为 clean + absolute。
func absCleanFrom(base, p string) string {
	p = filepath.Clean(strings.TrimSpace(p))
	if p == "" {
		return ""
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}

// readFileConfig 读取并解析 JSON 配置文件。
// 返回值 exists 表示该文件是否存在（不存在不算错误）。
func readFileConfig(path string) (fc FileConfig, exists bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileConfig{}, false, nil
		}
		return FileConfig{}, false, err
	}
	if err := json.Unmarshal(b, &fc); err != nil {
		return FileConfig{}, true, err
	}
	return fc, true, nil
}
