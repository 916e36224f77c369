package feature

import (
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/artyom/phash"
	"github.com/disintegration/imaging"

	"github.com/John-Robertt/IGC/internal/domain"
)

// Hasher 是外部感知哈希能力：输入工作分辨率的解码图片，输出定宽可比较的指纹。
// 鲁棒性（近似重复的容忍度）由实现保证，提取器只消费结果。
type Hasher func(image.Image) (domain.Fingerprint, error)

// PHash 是默认 Hasher：DCT 感知哈希，内部缩放采用 Lanczos。
func PHash(img image.Image) (domain.Fingerprint, error) {
	h, err := phash.Get(img, func(img image.Image, w, h int) image.Image {
		return imaging.Resize(img, w, h, imaging.Lanczos)
	})
	if err != nil {
		return 0, err
	}
	return domain.Fingerprint(h), nil
}

// Extractor 对单张图片计算 ImageRecord 的全部特征字段。
//
// 约束：
// - 先缩放到工作分辨率（Width x Height，忽略纵横比），再计算特征，
//   保证不同原始分辨率的图片特征可比
// - 同一字节序列的输入必须产出相同的指纹/主色/白度/黑度（确定性）
type Extractor struct {
	Width  int
	Height int

	// WhiteThreshold/BlackThreshold 是白/黑像素判定的通道阈值（含）。
	WhiteThreshold uint8
	BlackThreshold uint8

	// Hasher 为空时使用 PHash。
	Hasher Hasher
}

// Error 描述单张图片的提取失败。按张恢复：调用方记录并排除该文件，不中断运行。
type Error struct {
	Filename string
	Stage    string // "open" | "decode" | "hash"
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("提取 %q 失败（%s）：%v", e.Filename, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Extract 解码 path 指向的图片并产出候选记录。
func (e Extractor) Extract(path string) (*domain.ImageRecord, error) {
	name := filepath.Base(path)

	f, err := os.Open(path)
	if err != nil {
		return nil, &Error{Filename: name, Stage: "open", Err: err}
	}
	defer f.Close()

	img, err := imaging.Decode(f, imaging.AutoOrientation(true))
	if err != nil {
		return nil, &Error{Filename: name, Stage: "decode", Err: err}
	}

	resized := imaging.Resize(img, e.Width, e.Height, imaging.Lanczos)

	rec := &domain.ImageRecord{
		Filename: name,
		Pixels:   resized,
	}
	e.measure(resized, rec)

	hasher := e.Hasher
	if hasher == nil {
		hasher = PHash
	}
	fp, err := hasher(resized)
	if err != nil {
		return nil, &Error{Filename: name, Stage: "hash", Err: err}
	}
	rec.Fingerprint = fp
	return rec, nil
}

// measure 统计主色均值与白/黑像素占比。
// 白像素：R,G,B 三通道全部 >= 白阈值；黑像素：全部 <= 黑阈值。alpha 不参与判定。
func (e Extractor) measure(img *image.NRGBA, rec *domain.ImageRecord) {
	b := img.Bounds()
	total := b.Dx() * b.Dy()
	if total == 0 {
		return
	}

	var sumR, sumG, sumB float64
	var white, black int

	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[(y-b.Min.Y)*img.Stride : (y-b.Min.Y)*img.Stride+b.Dx()*4]
		for x := 0; x < len(row); x += 4 {
			r, g, bl := row[x], row[x+1], row[x+2]
			sumR += float64(r)
			sumG += float64(g)
			sumB += float64(bl)
			if r >= e.WhiteThreshold && g >= e.WhiteThreshold && bl >= e.WhiteThreshold {
				white++
			}
			if r <= e.BlackThreshold && g <= e.BlackThreshold && bl <= e.BlackThreshold {
				black++
			}
		}
	}

	n := float64(total)
	rec.Dominant = [3]float64{sumR / n, sumG / n, sumB / n}
	rec.Whiteness = float64(white) / n
	rec.Blackness = float64(black) / n
}
