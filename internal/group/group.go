package group

import (
	"math"
	"sort"

	"github.com/John-Robertt/IGC/internal/domain"
)

// Plan 对候选池排序并切成若干满容量批，剩余尾巴原样返回（不渲染，留给下一次运行）。
//
// 纯函数契约：
// - 输入多重集相同 ⇒ 输出序列与切片边界相同，与到达顺序无关
// - 排序键（优先级从高到低）：黑度降序 → 白度升序 → 主色离中灰 (128,128,128) 的 L2 距离升序
//   → 文件名字典序（兜底平局，保证全序）
// - 池小于容量时不切片：batches 为空，全部进入 leftover
func Plan(pool []*domain.ImageRecord, capacity int) (batches [][]*domain.ImageRecord, leftover []*domain.ImageRecord) {
	if capacity < 1 {
		return nil, pool
	}

	ordered := Order(pool)
	full := len(ordered) / capacity * capacity

	for i := 0; i < full; i += capacity {
		batches = append(batches, ordered[i:i+capacity])
	}
	return batches, ordered[full:]
}

// Order 返回按相似度启发式排序后的副本（深色向网格一端，浅色/彩色向另一端）。
func Order(pool []*domain.ImageRecord) []*domain.ImageRecord {
	out := make([]*domain.ImageRecord, len(pool))
	copy(out, pool)
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func less(a, b *domain.ImageRecord) bool {
	if a.Blackness != b.Blackness {
		return a.Blackness > b.Blackness
	}
	if a.Whiteness != b.Whiteness {
		return a.Whiteness < b.Whiteness
	}
	da, db := grayDistance(a.Dominant), grayDistance(b.Dominant)
	if da != db {
		return da < db
	}
	return a.Filename < b.Filename
}

// grayDistance 是主色相对中灰点的 L2 范数（彩度的粗略代理）。
func grayDistance(c [3]float64) float64 {
	dr := c[0] - 128
	dg := c[1] - 128
	db := c[2] - 128
	return math.Sqrt(dr*dr + dg*dg + db*db)
}
