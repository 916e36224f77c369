package domain

import (
	"fmt"
	"image"
	"strconv"
	"strings"
)

// Fingerprint 是图片的感知指纹（64 位，由外部感知哈希能力产生）。
//
// 约束：
// - 对外序列化固定为 16 位小写十六进制（%016x），在 ledger 生命周期内保持稳定
// - 指纹的鲁棒性由外部哈希函数保证，这里只当作可比较的定宽值使用
type Fingerprint uint64

func (f Fingerprint) String() string { return fmt.Sprintf("%016x", uint64(f)) }

// ParseFingerprint 解析规范字符串形态的指纹。
// 只接受恰好 16 位十六进制；其他输入一律报错（ledger 损坏必须尽早暴露，而不是静默吞掉）。
func ParseFingerprint(s string) (Fingerprint, error) {
	s = strings.TrimSpace(s)
	if len(s) != 16 {
		return 0, fmt.Errorf("指纹必须是 16 位十六进制，实际是 %q", s)
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("指纹 %q 无法解析：%w", s, err)
	}
	return Fingerprint(v), nil
}

// ImageRecord 是一张通过提取与去重检查的候选图片。
//
// 不变量（实现必须遵守）：
// - 特征字段（指纹/主色/白度/黑度）在创建后只读
// - Pixels 是瞬态持有的解码像素（已缩放到工作分辨率）；合成完成后必须 Release，
//   避免整个子类目的像素同时驻留内存
// - 不做持久化：跨运行记忆只存在于 ledger
type ImageRecord struct {
	Filename    string
	Fingerprint Fingerprint

	// Dominant 是工作分辨率像素的 R,G,B 均值（每通道 0-255 的实数）。
	Dominant [3]float64
	// Whiteness 是三通道全部 >= 白阈值的像素占比，[0,1]。
	Whiteness float64
	// Blackness 是三通道全部 <= 黑阈值的像素占比，[0,1]。
	Blackness float64

	Pixels *image.NRGBA
}

// Release 释放解码像素（合成之后调用）。
func (r *ImageRecord) Release() { r.Pixels = nil }
