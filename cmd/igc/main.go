package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/John-Robertt/IGC/internal/app/run"
	"github.com/John-Robertt/IGC/internal/config"
	"github.com/John-Robertt/IGC/internal/domain"
	"github.com/John-Robertt/IGC/internal/feature"
	"github.com/John-Robertt/IGC/internal/infra/fsx"
)

func main() {
	args := os.Args[1:]
	if len(args) == 0 || isHelp(args[0]) {
		printUsage()
		return
	}

	switch args[0] {
	case "run":
		if code := runCmd(args[1:]); code != 0 {
			os.Exit(code)
		}
	default:
		fmt.Fprintf(os.Stderr, "未知命令：%q\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

func runCmd(args []string) int {
	for _, a := range args {
		if isHelp(a) {
			printRunUsage()
			return 0
		}
	}

	ra, err := parseRunArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "参数错误：%v\n\n", err)
		printRunUsage()
		return 2
	}

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取当前目录失败：%v\n", err)
		return 1
	}
	cwdAbs, _ := filepath.Abs(cwd)

	eff, err := config.LoadEffective(cwd, config.CLIArgs{
		Path:     ra.Path,
		Apply:    ra.Apply,
		ApplySet: ra.ApplySet,
		Grid:     ra.Grid,
		GridSet:  ra.GridSet,
	})
	if err != nil {
		rr := reportForConfigError(cwdAbs, ra, err)
		emitReport(rr)
		return 1
	}

	progressW, interactive := pickProgressWriter()
	var obs run.Observer
	if interactive {
		obs = newProgressUI(progressW)
	}

	rr := run.ExecuteWithObserver(context.Background(), eff, feature.PHash, obs)

	// apply：必须写入 <output_dir>/report.json；dry-run 禁止落盘。
	if eff.Apply {
		if err := writeReportFile(eff.OutputDir, rr); err != nil {
			fmt.Fprintf(os.Stderr, "写入 report.json 失败：%v\n", err)
			emitReport(rr)
			return 1
		}
	}

	emitReport(rr)
	if interactive {
		emitLocations(progressW, eff)
	}
	if rr.HasFailure() {
		return 1
	}
	return 0
}

type runArgs struct {
	Path string

	Apply    bool
	ApplySet bool

	Grid    string
	GridSet bool
}

func parseRunArgs(args []string) (runArgs, error) {
	ra := runArgs{}

	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--apply":
			ra.Apply = true
			ra.ApplySet = true
		case strings.HasPrefix(a, "--apply="):
			v := strings.TrimPrefix(a, "--apply=")
			switch v {
			case "true":
				ra.Apply = true
			case "false":
				ra.Apply = false
			default:
				return runArgs{}, fmt.Errorf("--apply 只能是 true 或 false，实际是 %q", v)
			}
			ra.ApplySet = true
		case a == "--grid":
			if i+1 >= len(args) {
				return runArgs{}, fmt.Errorf("--grid 需要一个值（RxC）")
			}
			i++
			ra.Grid = args[i]
			ra.GridSet = true
		case strings.HasPrefix(a, "--grid="):
			ra.Grid = strings.TrimPrefix(a, "--grid=")
			ra.GridSet = true
		case strings.HasPrefix(a, "-"):
			return runArgs{}, fmt.Errorf("未知参数 %q", a)
		default:
			if ra.Path != "" {
				return runArgs{}, fmt.Errorf("重复的 path：%q 与 %q", ra.Path, a)
			}
			ra.Path = a
		}
	}

	if ra.GridSet {
		if _, _, err := config.ParseGrid(ra.Grid); err != nil {
			return runArgs{}, err
		}
	}

	return ra, nil
}

func isHelp(s string) bool {
	return s == "-h" || s == "--help" || s == "help"
}

func printUsage() {
	fmt.Fprint(os.Stdout, `用法：
  igc run [path] [--grid RxC] [--apply[=true|false]]

命令：
  run    扫描类目并把图片合成为网格图（默认 dry-run）

使用 "igc run --help" 查看详细说明。
`)
}

func printRunUsage() {
	fmt.Fprint(os.Stdout, `用法：
  igc run [path] [--grid RxC] [--apply[=true|false]]

参数：
  --grid      网格行列，例如 4x4（未指定则读配置文件；最终默认 4x4）
  --apply     执行落盘与记账（默认 dry-run）；支持 --apply=false 覆盖配置中的 apply=true
  -h, --help  显示帮助
`)
}

func emitReport(rr domain.RunReport) {
	if isTTY(os.Stdout) {
		fmt.Fprintln(os.Stdout, summaryTable(rr))
		fmt.Fprintf(os.Stdout, "完成：checked=%d duplicates=%d stitched=%d failed=%d\n",
			rr.Summary.Checked, rr.Summary.Duplicates, rr.Summary.Stitched, rr.Summary.Failed,
		)
		emitFailures(os.Stderr, rr)
		return
	}

	// stdout 非 TTY：stdout 必须且仅输出一个 RunReport JSON（日志/摘要走 stderr）。
	enc := json.NewEncoder(os.Stdout)
	_ = enc.Encode(rr)
	fmt.Fprintf(os.Stderr, "完成：checked=%d duplicates=%d stitched=%d failed=%d\n",
		rr.Summary.Checked, rr.Summary.Duplicates, rr.Summary.Stitched, rr.Summary.Failed,
	)
}

// summaryTable 把报告按"类目/子类目"摊平成一张表，末行是整体合计。
func summaryTable(rr domain.RunReport) string {
	headers := []string{"类目", "子类目", "状态", "在库", "检查", "重复", "入批", "成批", "失败"}
	aligns := []columnAlignment{
		alignLeft, alignLeft, alignLeft,
		alignRight, alignRight, alignRight, alignRight, alignRight, alignRight,
	}

	rows := make([][]string, 0, 16)
	for _, c := range rr.Categories {
		if len(c.Subcats) == 0 {
			rows = append(rows, []string{c.Name, "", statusLabel(c.Status), "", "", "", "", "", ""})
			continue
		}
		for _, s := range c.Subcats {
			rows = append(rows, []string{
				c.Name, s.Name, statusLabel(s.Status),
				strconv.Itoa(s.InFolder),
				strconv.Itoa(s.Checked),
				strconv.Itoa(s.Duplicates),
				strconv.Itoa(s.Processed),
				strconv.Itoa(s.Stitched),
				strconv.Itoa(s.Failed),
			})
		}
	}
	rows = append(rows, []string{
		"合计", "", "",
		strconv.Itoa(rr.Summary.InFolder),
		strconv.Itoa(rr.Summary.Checked),
		strconv.Itoa(rr.Summary.Duplicates),
		strconv.Itoa(rr.Summary.Processed),
		strconv.Itoa(rr.Summary.Stitched),
		strconv.Itoa(rr.Summary.Failed),
	})

	return renderTable(headers, rows, aligns)
}

func statusLabel(status string) string {
	switch status {
	case domain.UnitSkipped:
		return "SKIP"
	case domain.UnitFailed:
		return "FAIL"
	default:
		return "OK"
	}
}

func emitFailures(w io.Writer, rr domain.RunReport) {
	for _, e := range rr.Errors {
		fmt.Fprintf(w, "%s: %s\n", e.Code, e.Msg)
	}
	for _, c := range rr.Categories {
		if c.Status != domain.UnitOK && c.ErrorMsg != "" {
			fmt.Fprintf(w, "%s %s: %s\n", c.Name, c.ErrorCode, c.ErrorMsg)
		}
		for _, s := range c.Subcats {
			if s.Status != domain.UnitOK && s.ErrorMsg != "" {
				fmt.Fprintf(w, "%s/%s %s: %s\n", c.Name, s.Name, s.ErrorCode, s.ErrorMsg)
			}
		}
	}
}

func reportForConfigError(cwdAbs string, ra runArgs, err error) domain.RunReport {
	now := time.Now().UTC()
	rr := domain.RunReport{
		Path:       cwdAbs,
		DryRun:     !(ra.ApplySet && ra.Apply),
		StartedAt:  now,
		FinishedAt: now,
		Categories: []domain.CategoryResult{},
		Errors: []domain.RunError{{
			Code: config.Code(err),
			Msg:  err.Error(),
		}},
	}
	rr.Finalize()
	return rr
}

func writeReportFile(outputDir string, rr domain.RunReport) error {
	b, err := json.MarshalIndent(rr, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return fsx.WriteFileAtomicReplace(outputDir, "report.json", b)
}

func isTTY(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func pickProgressWriter() (io.Writer, bool) {
	// 进度输出只在交互终端启用；默认走 stderr（不污染 stdout JSON）。
	if isTTY(os.Stderr) {
		return os.Stderr, true
	}
	// 某些环境（例如仅重定向 stderr）下，stdout 仍是 TTY：退化输出到 stdout。
	if isTTY(os.Stdout) {
		return os.Stdout, true
	}
	return nil, false
}

func emitLocations(w io.Writer, eff config.EffectiveConfig) {
	// 这两行用于降低"完成后不知道产物在哪"的摩擦，且不影响 stdout JSON 契约。
	if w == nil {
		return
	}
	if eff.Apply {
		fmt.Fprintf(w, "report: %s\n", filepath.Join(eff.OutputDir, "report.json"))
	}
	fmt.Fprintf(w, "out: %s\n", eff.OutputDir)
}
