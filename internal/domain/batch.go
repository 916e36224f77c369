package domain

import "fmt"

// Batch 是一个将被合成为单张网格图的定长图片序列。
// Records 的顺序就是网格的行优先摆放顺序（由 grouper 决定）。
type Batch struct {
	Category    string
	Subcategory string
	Number      int

	Records []*ImageRecord
}

// Stem 返回输出文件的基名（不含扩展名）：{category}-{subcategory}-{batchNumber}。
func (b Batch) Stem() string {
	return fmt.Sprintf("%s-%s-%d", b.Category, b.Subcategory, b.Number)
}
