package compose

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/png"

	"github.com/chai2010/webp"
	xdraw "golang.org/x/image/draw"

	"github.com/John-Robertt/IGC/internal/domain"
	"github.com/John-Robertt/IGC/internal/infra/fsx"
)

// Compositor 把一个满容量批次合成为 Rows x Cols 的网格图并落盘。
//
// 约束：
// - Render 只接受恰好 Rows*Cols 条记录（调用方保证批次满容量）
// - 单元格按行主序填充：第 i 条记录落在 (i/Cols 行, i%Cols 列)
// - 主输出 PNG 必须原子写入；WebP 副本是 best-effort，失败不影响批次成功
type Compositor struct {
	Rows int
	Cols int

	// CellWidth/CellHeight 是网格单元的目标尺寸；尺寸不符的记录在贴入时缩放。
	CellWidth  int
	CellHeight int

	// WebP 控制是否额外导出无损 WebP 副本。
	WebP bool
}

// Error 描述批次级合成失败。批次内记录回到调用方手里（不会进 ledger）。
type Error struct {
	Stem string
	Op   string // "render" | "encode" | "save"
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("合成 %q 失败（%s）：%v", e.Stem, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Output 记录一次保存的落盘结果。
type Output struct {
	// Primary 是 PNG 的最终路径（保存成功时非空）。
	Primary string
	// Secondary 是 WebP 副本的路径；SecondaryErr 非空时副本缺失但批次仍算成功。
	Secondary    string
	SecondaryErr error
}

// Render 把 records 逐格贴入新画布。记录的像素在贴入后立即 Release。
func (c Compositor) Render(records []*domain.ImageRecord) (*image.RGBA, error) {
	want := c.Rows * c.Cols
	if len(records) != want {
		return nil, fmt.Errorf("网格需要 %d 张图，实际 %d 张", want, len(records))
	}

	canvas := image.NewRGBA(image.Rect(0, 0, c.Cols*c.CellWidth, c.Rows*c.CellHeight))

	for i, rec := range records {
		if rec.Pixels == nil {
			return nil, fmt.Errorf("记录 %q 的像素已被释放", rec.Filename)
		}
		row, col := i/c.Cols, i%c.Cols
		cell := image.Rect(
			col*c.CellWidth, row*c.CellHeight,
			(col+1)*c.CellWidth, (row+1)*c.CellHeight,
		)

		b := rec.Pixels.Bounds()
		if b.Dx() == c.CellWidth && b.Dy() == c.CellHeight {
			draw.Draw(canvas, cell, rec.Pixels, b.Min, draw.Src)
		} else {
			xdraw.CatmullRom.Scale(canvas, cell, rec.Pixels, b, xdraw.Src, nil)
		}
		rec.Release()
	}
	return canvas, nil
}

// Save 把画布落盘到 dir 下，文件名由 stem 派生（stem.png / stem.webp）。
// PNG 写入失败整个批次失败；WebP 失败只记入 Output.SecondaryErr。
func (c Compositor) Save(dir, stem string, canvas *image.RGBA) (Output, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return Output{}, &Error{Stem: stem, Op: "encode", Err: err}
	}
	primary := stem + ".png"
	if err := fsx.WriteFileAtomicReplace(dir, primary, buf.Bytes()); err != nil {
		return Output{}, &Error{Stem: stem, Op: "save", Err: err}
	}

	out := Output{Primary: primary}
	if !c.WebP {
		return out, nil
	}

	buf.Reset()
	if err := webp.Encode(&buf, canvas, &webp.Options{Lossless: true}); err != nil {
		out.SecondaryErr = &Error{Stem: stem, Op: "encode", Err: err}
		return out, nil
	}
	secondary := stem + ".webp"
	if err := fsx.WriteFileAtomicReplace(dir, secondary, buf.Bytes()); err != nil {
		out.SecondaryErr = &Error{Stem: stem, Op: "save", Err: err}
		return out, nil
	}
	out.Secondary = secondary
	return out, nil
}
