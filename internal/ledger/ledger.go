package ledger

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/gofrs/flock"

	"github.com/John-Robertt/IGC/internal/domain"
)

// header 是 backing store 的首行（仅在文件尚不存在时写入一次）。
// 列顺序是对外契约：消费方把行序当作时间线，不当作排序键。
var header = []string{"Category", "Subcategory", "BatchNumber", "Fingerprint", "Filename"}

var ErrReadOnly = errors.New("ledger: read-only")

// Error 是 ledger 的 I/O 级错误。对整个运行致命：没有一致的 ledger 就没有去重正确性。
type Error struct {
	Op   string // "lock" | "load" | "append"
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("ledger %s 失败（%s）：%v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Ledger 是跨运行去重记忆的唯一来源：
// 内存索引 fingerprint → 最近批号，backing store 为只追加的 CSV 文本。
//
// 并发契约：
// - CheckAndMark 是互斥保护的 read-modify-write，可被多个 worker 并发调用
// - Append 只由 coordinator 在批次合成成功后调用（单写者）
// - 跨进程单写者由同目录 .lock 文件（flock）落实；只读模式不加锁、不写入
type Ledger struct {
	path     string
	readOnly bool
	lock     *flock.Flock

	mu       sync.Mutex
	index    map[domain.Fingerprint]int
	maxBatch map[string]int
	existed  bool
}

// Open 加载（必要时创建目录并锁定）path 指向的 ledger。
//
// readOnly=true（dry-run）：只重放已有文件，不创建目录、不加锁、拒绝 Append；
// 内存索引仍然可写，保证同一次运行内的去重语义与 apply 一致。
func Open(path string, readOnly bool) (*Ledger, error) {
	l := &Ledger{
		path:     filepath.Clean(path),
		readOnly: readOnly,
		index:    make(map[domain.Fingerprint]int),
		maxBatch: make(map[string]int),
	}

	if !readOnly {
		if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
			return nil, &Error{Op: "lock", Path: l.path, Err: err}
		}
		l.lock = flock.New(l.path + ".lock")
		ok, err := l.lock.TryLock()
		if err != nil {
			return nil, &Error{Op: "lock", Path: l.path, Err: err}
		}
		if !ok {
			return nil, &Error{Op: "lock", Path: l.path, Err: errors.New("ledger 已被另一进程持有（单写者假设）")}
		}
	}

	if err := l.load(); err != nil {
		if l.lock != nil {
			_ = l.lock.Unlock()
		}
		return nil, err
	}
	return l, nil
}

// Close 释放进程间锁（只读模式为 no-op）。
func (l *Ledger) Close() error {
	if l.lock == nil {
		return nil
	}
	return l.lock.Unlock()
}

func (l *Ledger) load() error {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &Error{Op: "load", Path: l.path, Err: err}
	}
	defer f.Close()
	l.existed = true

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(header)

	first := true
	for {
		row, err := r.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return &Error{Op: "load", Path: l.path, Err: err}
		}
		if first {
			first = false
			if row[0] == header[0] {
				continue
			}
			// 缺表头的旧文件也照常重放（历史产物，不因此判损坏）。
		}

		batch, err := strconv.Atoi(row[2])
		if err != nil {
			return &Error{Op: "load", Path: l.path, Err: fmt.Errorf("批号 %q 无法解析：%w", row[2], err)}
		}
		fp, err := domain.ParseFingerprint(row[3])
		if err != nil {
			return &Error{Op: "load", Path: l.path, Err: err}
		}

		// 重放即覆盖：索引保留“最近一次”批号（行序是时间线）。
		l.index[fp] = batch
		k := unitKey(row[0], row[1])
		if batch > l.maxBatch[k] {
			l.maxBatch[k] = batch
		}
	}
}

// CheckAndMark 原子地完成“查重 + 预留”：
// 已知指纹返回 true；未知则以 batch 为临时批号记入索引并返回 false，
// 保证同一运行中两个同指纹文件（不同名）不会都被接受。
func (l *Ledger) CheckAndMark(fp domain.Fingerprint, batch int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.index[fp]; ok {
		return true
	}
	l.index[fp] = batch
	return false
}

// NextBatch 返回该单元的下一个批号：历史最大批号 + 1（无历史时为 1）。
// 跨运行续号，保证输出文件名与历史产物不冲突、单元生命周期内批号从 1 起稠密。
func (l *Ledger) NextBatch(category, subcategory string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxBatch[unitKey(category, subcategory)] + 1
}

// Append 把一个已成功合成批次的条目持久化（O_APPEND，只追加不重写）。
// 表头仅在文件尚不存在时写入。
func (l *Ledger) Append(entries []domain.LedgerEntry) error {
	if l.readOnly {
		return ErrReadOnly
	}
	if len(entries) == 0 {
		return nil
	}

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return &Error{Op: "append", Path: l.path, Err: err}
	}
	defer f.Close()

	w := csv.NewWriter(f)

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.existed {
		if err := w.Write(header); err != nil {
			return &Error{Op: "append", Path: l.path, Err: err}
		}
	}
	for _, e := range entries {
		row := []string{e.Category, e.Subcategory, strconv.Itoa(e.Batch), e.Fingerprint.String(), e.Filename}
		if err := w.Write(row); err != nil {
			return &Error{Op: "append", Path: l.path, Err: err}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return &Error{Op: "append", Path: l.path, Err: err}
	}
	if err := f.Sync(); err != nil {
		return &Error{Op: "append", Path: l.path, Err: err}
	}

	l.existed = true
	for _, e := range entries {
		l.index[e.Fingerprint] = e.Batch
		k := unitKey(e.Category, e.Subcategory)
		if e.Batch > l.maxBatch[k] {
			l.maxBatch[k] = e.Batch
		}
	}
	return nil
}

// unitKey 以 NUL 连接两段（目录名不可能包含 NUL，拼接无歧义）。
func unitKey(category, subcategory string) string {
	return category + "\x00" + subcategory
}
