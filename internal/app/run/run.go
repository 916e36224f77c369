package run

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/John-Robertt/IGC/internal/compose"
	"github.com/John-Robertt/IGC/internal/config"
	"github.com/John-Robertt/IGC/internal/domain"
	"github.com/John-Robertt/IGC/internal/feature"
	"github.com/John-Robertt/IGC/internal/group"
	"github.com/John-Robertt/IGC/internal/ledger"
	"github.com/John-Robertt/IGC/internal/scan"
)

// Execute 执行一次 run（dry-run/apply），并返回对外稳定的 RunReport。
// 错误尽量"降级"：单张图片失败不影响子类目，子类目失败不影响其他单元；
// 只有 ledger I/O 失败会中止整个运行（去重正确性高于可用性）。
func Execute(ctx context.Context, eff config.EffectiveConfig, hasher feature.Hasher) domain.RunReport {
	return ExecuteWithObserver(ctx, eff, hasher, nil)
}

// ExecuteWithObserver 与 Execute 相同，但允许传入 Observer 以输出进度/阶段信息（由上层决定是否启用）。
func ExecuteWithObserver(ctx context.Context, eff config.EffectiveConfig, hasher feature.Hasher, obs Observer) domain.RunReport {
	started := time.Now().UTC()

	if obs != nil {
		obs.OnStart(eff)
	}

	rr := domain.RunReport{
		Path:       eff.Path,
		OutputDir:  eff.OutputDir,
		Ledger:     eff.Ledger,
		DryRun:     !eff.Apply,
		StartedAt:  started,
		Categories: make([]domain.CategoryResult, 0, 16),
		Errors:     []domain.RunError{},
	}

	led, err := ledger.Open(eff.Ledger, !eff.Apply)
	if err != nil {
		rr.Errors = append(rr.Errors, domain.RunError{
			Code: domain.ErrCodeLedgerIOFailed,
			Msg:  err.Error(),
		})
		return finish(&rr)
	}
	defer led.Close()

	scanStarted := time.Now()
	cats, err := scan.Categories(eff.Path, eff.OutputDir, eff.ExcludeDirs)
	if err != nil {
		rr.Errors = append(rr.Errors, domain.RunError{
			Code: domain.ErrCodeIOFailed,
			Msg:  fmt.Sprintf("扫描输入目录失败：%v", err),
		})
		return finish(&rr)
	}
	if obs != nil {
		obs.OnPhaseDone("scan", map[string]any{
			"categories": len(cats),
			"workers":    eff.Concurrency,
		}, time.Since(scanStarted))
	}

	p := processor{
		eff: eff,
		led: led,
		obs: obs,
		ext: feature.Extractor{
			// 提取时就缩放到单元格尺寸：特征可比，且合成阶段可以免二次缩放直接贴图。
			Width:          eff.CellWidth,
			Height:         eff.CellHeight,
			WhiteThreshold: eff.WhiteThreshold,
			BlackThreshold: eff.BlackThreshold,
			Hasher:         hasher,
		},
		comp: compose.Compositor{
			Rows:       eff.Rows,
			Cols:       eff.Cols,
			CellWidth:  eff.CellWidth,
			CellHeight: eff.CellHeight,
			WebP:       eff.WebP,
		},
	}

	for _, cat := range cats {
		cr := domain.CategoryResult{Name: cat.Name, Status: domain.UnitOK, Subcats: []domain.SubcatResult{}}

		subs, err := scan.Subcats(cat)
		if err != nil {
			cr.Status = domain.UnitSkipped
			cr.ErrorCode = domain.ErrCodeIOFailed
			cr.ErrorMsg = fmt.Sprintf("读取类目目录失败：%v", err)
			rr.Categories = append(rr.Categories, cr)
			continue
		}

		for _, sub := range subs {
			subStarted := time.Now()
			sr, fatal := p.processSubcat(ctx, cat, sub)
			cr.Subcats = append(cr.Subcats, sr)
			if obs != nil {
				obs.OnSubcatDone(cat.Name, sr, time.Since(subStarted))
			}
			if fatal != nil {
				// ledger 追加失败：没有一致的记忆就不能继续接受新批次。
				rr.Errors = append(rr.Errors, domain.RunError{
					Code: domain.ErrCodeLedgerIOFailed,
					Msg:  fatal.Error(),
				})
				rr.Categories = append(rr.Categories, cr)
				return finish(&rr)
			}
		}
		rr.Categories = append(rr.Categories, cr)
	}

	return finish(&rr)
}

func finish(rr *domain.RunReport) domain.RunReport {
	rr.FinishedAt = time.Now().UTC()
	rr.Finalize()
	return *rr
}

type processor struct {
	eff  config.EffectiveConfig
	led  *ledger.Ledger
	obs  Observer
	ext  feature.Extractor
	comp compose.Compositor
}

// processSubcat 走完一个子类目的"提取 → 去重 → 分组 → 合成 → 记账"循环。
//
// 提取按补货轮进行：每轮只取"填满一批还缺"的文件数并发提取，
// 重复/失败的名额由下一轮补上；候选池攒满容量即切批合成。
// 池尾不足一批的剩余不合成（下次运行会重新提取同样的文件重试）。
//
// 返回的 error 非 nil 表示运行级致命（目前只有 ledger 追加失败）。
func (p *processor) processSubcat(ctx context.Context, cat scan.Category, sub scan.Subcat) (domain.SubcatResult, error) {
	sr := domain.SubcatResult{
		Name:           sub.Name,
		Status:         domain.UnitOK,
		DuplicateFiles: []string{},
		FailedFiles:    []string{},
		Outputs:        []string{},
	}

	names, err := scan.Images(sub.Path)
	if err != nil {
		sr.Status = domain.UnitSkipped
		sr.ErrorCode = domain.ErrCodeIOFailed
		sr.ErrorMsg = fmt.Sprintf("读取子类目目录失败：%v", err)
		return sr, nil
	}
	sr.InFolder = len(names)

	capacity := p.eff.Capacity()
	// 批号从 ledger 的历史最大值续号；本次运行内本地自增
	//（dry-run 不写 ledger，也必须产生与 apply 相同的编号序列）。
	nextNum := p.led.NextBatch(cat.Name, sub.Name)

	var pool []*domain.ImageRecord
	cursor := 0
	for cursor < len(names) {
		need := capacity - len(pool)
		if need < 1 {
			need = 1
		}
		end := cursor + need
		if end > len(names) {
			end = len(names)
		}
		round := names[cursor:end]
		cursor = end

		results := p.extractMany(ctx, sub.Path, round, nextNum)
		for _, name := range round {
			res, ok := results[name]
			if !ok {
				// 取消导致该文件未被调度。
				res = extractResult{err: fmt.Errorf("提取被中断：%w", ctx.Err())}
			}
			sr.Checked++
			switch {
			case res.err != nil:
				sr.Failed++
				sr.FailedFiles = append(sr.FailedFiles, name)
				if p.obs != nil {
					p.obs.OnImageFailed(cat.Name, sub.Name, name, res.err)
				}
			case res.dup:
				sr.Duplicates++
				sr.DuplicateFiles = append(sr.DuplicateFiles, name)
			default:
				pool = append(pool, res.rec)
			}
		}

		if len(pool) < capacity {
			continue
		}

		batches, leftover := group.Plan(pool, capacity)
		pool = leftover
		for bi, recs := range batches {
			b := domain.Batch{Category: cat.Name, Subcategory: sub.Name, Number: nextNum, Records: recs}

			batchStarted := time.Now()
			out, err := p.stitch(b)
			if err != nil {
				sr.Status = domain.UnitFailed
				sr.ErrorCode = domain.ErrCodeComposeFailed
				sr.ErrorMsg = err.Error()
				for _, rest := range batches[bi:] {
					releaseAll(rest)
				}
				releaseAll(pool)
				return sr, nil
			}

			// 条目在合成成功之后才进 ledger：失败的批次不留痕，下次运行重试。
			if p.eff.Apply {
				if err := p.led.Append(entriesFor(b)); err != nil {
					sr.Status = domain.UnitFailed
					sr.ErrorCode = domain.ErrCodeLedgerIOFailed
					sr.ErrorMsg = err.Error()
					releaseAll(pool)
					return sr, err
				}
			}

			// "processed" 只统计真正进入已合成批次的图片；池尾剩余不算。
			sr.Processed += len(recs)
			sr.Stitched++
			sr.Outputs = append(sr.Outputs, out.Primary)
			if p.obs != nil {
				p.obs.OnBatchDone(cat.Name, sub.Name, BatchInfo{
					Number:       b.Number,
					Primary:      out.Primary,
					Secondary:    out.Secondary,
					SecondaryErr: out.SecondaryErr,
				}, time.Since(batchStarted))
			}
			nextNum++
		}
	}

	// 池尾剩余：像素释放，文件留到下次运行重试（它们没进 ledger）。
	releaseAll(pool)
	return sr, nil
}

// stitch 合成并保存一个批次。dry-run 只预告输出名，不渲染不落盘。
func (p *processor) stitch(b domain.Batch) (compose.Output, error) {
	if !p.eff.Apply {
		releaseAll(b.Records)
		return compose.Output{Primary: b.Stem() + ".png"}, nil
	}
	canvas, err := p.comp.Render(b.Records)
	if err != nil {
		return compose.Output{}, err
	}
	return p.comp.Save(p.eff.OutputDir, b.Stem(), canvas)
}

type extractResult struct {
	rec *domain.ImageRecord
	dup bool
	err error
}

// extractMany 并发提取一轮文件并做去重检查，按文件名返回结果。
// 去重（CheckAndMark）在 worker 内完成：同一轮里两个同指纹文件只有一个会被接受。
func (p *processor) extractMany(ctx context.Context, dir string, names []string, tentativeBatch int) map[string]extractResult {
	type keyed struct {
		name string
		res  extractResult
	}

	workers := p.eff.Concurrency
	if workers > len(names) {
		workers = len(names)
	}
	if workers < 1 {
		workers = 1
	}

	jobs := make(chan string)
	results := make(chan keyed, len(names))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for name := range jobs {
				rec, err := p.ext.Extract(filepath.Join(dir, name))
				if err != nil {
					results <- keyed{name, extractResult{err: err}}
					continue
				}
				if p.led.CheckAndMark(rec.Fingerprint, tentativeBatch) {
					rec.Release()
					results <- keyed{name, extractResult{dup: true}}
					continue
				}
				results <- keyed{name, extractResult{rec: rec}}
			}
			return nil
		})
	}
	g.Go(func() error {
		defer close(jobs)
		for _, name := range names {
			select {
			case jobs <- name:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	_ = g.Wait()
	close(results)

	out := make(map[string]extractResult, len(names))
	for k := range results {
		out[k.name] = k.res
	}
	return out
}

func entriesFor(b domain.Batch) []domain.LedgerEntry {
	entries := make([]domain.LedgerEntry, 0, len(b.Records))
	for _, rec := range b.Records {
		entries = append(entries, domain.LedgerEntry{
			Category:    b.Category,
			Subcategory: b.Subcategory,
			Batch:       b.Number,
			Fingerprint: rec.Fingerprint,
			Filename:    rec.Filename,
		})
	}
	return entries
}

func releaseAll(recs []*domain.ImageRecord) {
	for _, rec := range recs {
		rec.Release()
	}
}
