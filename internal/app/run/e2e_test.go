package run

import (
	"context"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/John-Robertt/IGC/internal/config"
	"github.com/John-Robertt/IGC/internal/domain"
)

// fnvHasher 对工作分辨率像素做逐字节哈希：内容不同的平色测试图必然得到不同指纹，
// 内容相同必然相同。感知哈希的鲁棒性不在这里验证。
func fnvHasher(img image.Image) (domain.Fingerprint, error) {
	n, ok := img.(*image.NRGBA)
	if !ok {
		return 0, fmt.Errorf("期望 *image.NRGBA，实际是 %T", img)
	}
	h := fnv.New64a()
	_, _ = h.Write(n.Pix)
	return domain.Fingerprint(h.Sum64()), nil
}

func writeFlatPNG(t *testing.T, path string, c color.NRGBA) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 24, 24))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("创建文件失败：%v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("编码 PNG 失败：%v", err)
	}
}

// seedCategory 在 root 下建一个类目目录，图片直接放在类目根（隐式 main 池），
// 每张图颜色互不相同。
func seedCategory(t *testing.T, root, cat string, n int) {
	t.Helper()
	dir := filepath.Join(root, cat)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("建目录失败：%v", err)
	}
	for i := 0; i < n; i++ {
		writeFlatPNG(t, filepath.Join(dir, fmt.Sprintf("img-%02d.png", i)),
			color.NRGBA{uint8(10 + i*10), uint8(5 + i*5), uint8(200 - i*7), 255})
	}
}

func testConfig(root string, apply bool) config.EffectiveConfig {
	return config.EffectiveConfig{
		Path:           root,
		OutputDir:      filepath.Join(root, "out"),
		Ledger:         filepath.Join(root, "out", "ledger.csv"),
		Apply:          apply,
		Concurrency:    4,
		Rows:           4,
		Cols:           4,
		CellWidth:      16,
		CellHeight:     16,
		WebP:           false,
		WhiteThreshold: 240,
		BlackThreshold: 30,
	}
}

func mainSubcat(t *testing.T, rr domain.RunReport, cat string) domain.SubcatResult {
	t.Helper()
	for _, c := range rr.Categories {
		if c.Name != cat {
			continue
		}
		for _, s := range c.Subcats {
			if s.Name == "main" {
				return s
			}
		}
	}
	t.Fatalf("报告里找不到 %s/main：%+v", cat, rr.Categories)
	return domain.SubcatResult{}
}

func TestExecute_ApplyThenRerun(t *testing.T) {
	root := t.TempDir()
	seedCategory(t, root, "Sketches", 17)
	eff := testConfig(root, true)

	// 第一次运行：17 张里凑满一批 16 张，池尾 1 张留到下次。
	rr := Execute(context.Background(), eff, fnvHasher)
	if len(rr.Errors) != 0 {
		t.Fatalf("不期望运行级错误：%+v", rr.Errors)
	}
	sr := mainSubcat(t, rr, "Sketches")
	if sr.Status != domain.UnitOK {
		t.Fatalf("子类目状态不对：%+v", sr)
	}
	// processed 只数进了已合成批次的 16 张；池尾那 1 张不算。
	if sr.InFolder != 17 || sr.Checked != 17 || sr.Processed != 16 ||
		sr.Duplicates != 0 || sr.Failed != 0 || sr.Stitched != 1 {
		t.Fatalf("首轮计数不对：%+v", sr.Counters)
	}
	if len(sr.Outputs) != 1 || sr.Outputs[0] != "Sketches-main-1.png" {
		t.Fatalf("输出文件名不符合契约：%v", sr.Outputs)
	}
	if _, err := os.Stat(filepath.Join(eff.OutputDir, "Sketches-main-1.png")); err != nil {
		t.Fatalf("网格图未落盘：%v", err)
	}
	if rr.Summary != sr.Counters {
		t.Fatalf("运行级汇总应等于唯一子类目的计数：%+v vs %+v", rr.Summary, sr.Counters)
	}

	b, err := os.ReadFile(eff.Ledger)
	if err != nil {
		t.Fatalf("读取 ledger 失败：%v", err)
	}
	if lines := strings.Split(strings.TrimSpace(string(b)), "\n"); len(lines) != 17 {
		t.Fatalf("期望表头 + 16 条记录，实际 %d 行", len(lines))
	}

	// 第二次运行：已入账的 16 张全部判重，池尾那 1 张重新提取但仍凑不满一批。
	rr2 := Execute(context.Background(), eff, fnvHasher)
	if len(rr2.Errors) != 0 {
		t.Fatalf("不期望运行级错误：%+v", rr2.Errors)
	}
	sr2 := mainSubcat(t, rr2, "Sketches")
	if sr2.Checked != 17 || sr2.Duplicates != 16 || sr2.Processed != 0 || sr2.Stitched != 0 {
		t.Fatalf("次轮计数不对：%+v", sr2.Counters)
	}
	if len(sr2.DuplicateFiles) != 16 {
		t.Fatalf("重复文件清单不对：%v", sr2.DuplicateFiles)
	}

	b2, err := os.ReadFile(eff.Ledger)
	if err != nil {
		t.Fatalf("读取 ledger 失败：%v", err)
	}
	if string(b2) != string(b) {
		t.Fatalf("零新批次的运行不得改写 ledger")
	}
}

func TestExecute_BatchNumbersDenseAcrossCycles(t *testing.T) {
	root := t.TempDir()
	seedCategory(t, root, "Big", 33)
	eff := testConfig(root, true)

	// 33 张 / 容量 16：两个完整批次 + 1 张池尾。
	rr := Execute(context.Background(), eff, fnvHasher)
	if len(rr.Errors) != 0 {
		t.Fatalf("不期望运行级错误：%+v", rr.Errors)
	}
	sr := mainSubcat(t, rr, "Big")
	if sr.Checked != 33 || sr.Processed != 32 || sr.Stitched != 2 {
		t.Fatalf("计数不对：%+v", sr.Counters)
	}

	// 批号必须是 1,2,…：无空洞、不复用，且与保存顺序一致。
	if len(sr.Outputs) != 2 || sr.Outputs[0] != "Big-main-1.png" || sr.Outputs[1] != "Big-main-2.png" {
		t.Fatalf("输出序列不符合批号契约：%v", sr.Outputs)
	}
	for _, name := range sr.Outputs {
		if _, err := os.Stat(filepath.Join(eff.OutputDir, name)); err != nil {
			t.Fatalf("网格图未落盘 %q：%v", name, err)
		}
	}

	b, err := os.ReadFile(eff.Ledger)
	if err != nil {
		t.Fatalf("读取 ledger 失败：%v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 33 {
		t.Fatalf("期望表头 + 32 条记录，实际 %d 行", len(lines))
	}
	// 行序是时间线：前 16 条批号 1，后 16 条批号 2。
	for i, line := range lines[1:] {
		want := "1"
		if i >= 16 {
			want = "2"
		}
		if fields := strings.Split(line, ","); fields[2] != want {
			t.Fatalf("第 %d 条记录批号应是 %s：%q", i+1, want, line)
		}
	}
}

func TestExecute_DryRunWritesNothing(t *testing.T) {
	root := t.TempDir()
	seedCategory(t, root, "Paintings", 16)
	eff := testConfig(root, false)

	rr := Execute(context.Background(), eff, fnvHasher)
	if !rr.DryRun {
		t.Fatalf("报告应标注 dry_run")
	}
	if len(rr.Errors) != 0 {
		t.Fatalf("不期望运行级错误：%+v", rr.Errors)
	}

	sr := mainSubcat(t, rr, "Paintings")
	if sr.Stitched != 1 || len(sr.Outputs) != 1 || sr.Outputs[0] != "Paintings-main-1.png" {
		t.Fatalf("dry-run 也必须预告批次与输出名：%+v", sr)
	}

	// 零落盘：输出目录与 ledger 都不应存在。
	if _, err := os.Stat(eff.OutputDir); !os.IsNotExist(err) {
		t.Fatalf("dry-run 不得创建输出目录")
	}
	if _, err := os.Stat(eff.Ledger + ".lock"); !os.IsNotExist(err) {
		t.Fatalf("dry-run 不得创建 lock 文件")
	}
}

func TestExecute_BadImageExcludedRunContinues(t *testing.T) {
	root := t.TempDir()
	seedCategory(t, root, "Mixed", 16)
	if err := os.WriteFile(filepath.Join(root, "Mixed", "broken.png"), []byte("not a png"), 0o644); err != nil {
		t.Fatalf("写文件失败：%v", err)
	}

	eff := testConfig(root, true)
	rr := Execute(context.Background(), eff, fnvHasher)

	sr := mainSubcat(t, rr, "Mixed")
	if sr.Status != domain.UnitOK {
		t.Fatalf("单张失败不应拖垮子类目：%+v", sr)
	}
	if sr.Failed != 1 || len(sr.FailedFiles) != 1 || sr.FailedFiles[0] != "broken.png" {
		t.Fatalf("失败文件未被记录：%+v", sr)
	}
	// 16 张好图补上名额，照常凑满一批。
	if sr.Stitched != 1 || sr.Processed != 16 {
		t.Fatalf("补货后仍应凑满一批：%+v", sr.Counters)
	}
	if rr.HasFailure() {
		t.Fatalf("单张失败不应使整个运行判失败")
	}
}

func TestExecute_LedgerOpenFailureIsFatal(t *testing.T) {
	root := t.TempDir()
	seedCategory(t, root, "A", 1)

	eff := testConfig(root, true)
	// 把 ledger 指到一个无法创建的位置（路径中段是普通文件）。
	blocker := filepath.Join(root, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("写文件失败：%v", err)
	}
	eff.Ledger = filepath.Join(blocker, "ledger.csv")

	rr := Execute(context.Background(), eff, fnvHasher)
	if len(rr.Errors) != 1 || rr.Errors[0].Code != domain.ErrCodeLedgerIOFailed {
		t.Fatalf("ledger 打不开应是运行级致命：%+v", rr.Errors)
	}
	if len(rr.Categories) != 0 {
		t.Fatalf("致命错误后不应继续处理类目")
	}
	if !rr.HasFailure() {
		t.Fatalf("运行级错误必须计为失败")
	}
}

type recordingObserver struct {
	started    int
	phases     []string
	imageFails []string
	batches    []BatchInfo
	subcats    []string
}

func (r *recordingObserver) OnStart(config.EffectiveConfig) { r.started++ }
func (r *recordingObserver) OnPhaseDone(name string, _ map[string]any, _ time.Duration) {
	r.phases = append(r.phases, name)
}
func (r *recordingObserver) OnImageFailed(_, _, filename string, _ error) {
	r.imageFails = append(r.imageFails, filename)
}
func (r *recordingObserver) OnBatchDone(_, _ string, info BatchInfo, _ time.Duration) {
	r.batches = append(r.batches, info)
}
func (r *recordingObserver) OnSubcatDone(_ string, res domain.SubcatResult, _ time.Duration) {
	r.subcats = append(r.subcats, res.Name)
}

func TestExecuteWithObserver_Events(t *testing.T) {
	root := t.TempDir()
	seedCategory(t, root, "Obs", 16)
	if err := os.WriteFile(filepath.Join(root, "Obs", "broken.png"), []byte("x"), 0o644); err != nil {
		t.Fatalf("写文件失败：%v", err)
	}

	obs := &recordingObserver{}
	rr := ExecuteWithObserver(context.Background(), testConfig(root, true), fnvHasher, obs)
	if len(rr.Errors) != 0 {
		t.Fatalf("不期望运行级错误：%+v", rr.Errors)
	}

	if obs.started != 1 {
		t.Fatalf("OnStart 应恰好一次：%d", obs.started)
	}
	if len(obs.phases) != 1 || obs.phases[0] != "scan" {
		t.Fatalf("阶段事件不对：%v", obs.phases)
	}
	if len(obs.imageFails) != 1 || obs.imageFails[0] != "broken.png" {
		t.Fatalf("失败事件不对：%v", obs.imageFails)
	}
	if len(obs.batches) != 1 || obs.batches[0].Number != 1 || obs.batches[0].Primary != "Obs-main-1.png" {
		t.Fatalf("批次事件不对：%+v", obs.batches)
	}
	if len(obs.subcats) != 1 || obs.subcats[0] != "main" {
		t.Fatalf("子类目事件不对：%v", obs.subcats)
	}
}
