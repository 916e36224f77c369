package domain

// LedgerEntry 是 ledger 的一行：某张图片被接受进某个批次的事实。
//
// 约束：
// - 追加后不可变；backing store 只追加、不重写、不重排（它同时是审计轨迹）
// - Subcategory 对类目根池固定序列化为 "main"（根池只在类目下不存在真实 main/ 目录时出现，
//   构造上不会与真实目录冲突）
type LedgerEntry struct {
	Category    string
	Subcategory string
	Batch       int
	Fingerprint Fingerprint
	Filename    string
}
