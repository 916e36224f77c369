package ledger

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/John-Robertt/IGC/internal/domain"
)

func TestAppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "ledger.csv")

	l, err := Open(path, false)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}

	if got := l.NextBatch("Sketches", "main"); got != 1 {
		t.Fatalf("无历史时批号应从 1 开始：%d", got)
	}

	entries := []domain.LedgerEntry{
		{Category: "Sketches", Subcategory: "main", Batch: 1, Fingerprint: 0x01, Filename: "a.png"},
		{Category: "Sketches", Subcategory: "main", Batch: 1, Fingerprint: 0x02, Filename: "b.png"},
	}
	if err := l.Append(entries); err != nil {
		t.Fatalf("追加失败：%v", err)
	}
	if err := l.Append([]domain.LedgerEntry{
		{Category: "Sketches", Subcategory: "main", Batch: 2, Fingerprint: 0x03, Filename: "c.png"},
	}); err != nil {
		t.Fatalf("追加失败：%v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("关闭失败：%v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("读取失败：%v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 4 {
		t.Fatalf("期望表头 + 3 行数据，实际：%q", lines)
	}
	if lines[0] != "Category,Subcategory,BatchNumber,Fingerprint,Filename" {
		t.Fatalf("表头不符合契约：%q", lines[0])
	}
	// 行序必须是时间线：追加顺序保持不变。
	if !strings.HasPrefix(lines[1], "Sketches,main,1,0000000000000001,a.png") ||
		!strings.HasPrefix(lines[3], "Sketches,main,2,0000000000000003,c.png") {
		t.Fatalf("行序/内容不符合预期：%q", lines)
	}

	// 重新打开：重放出索引与批号。
	l2, err := Open(path, false)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	defer l2.Close()
	if !l2.CheckAndMark(0x01, 9) || !l2.CheckAndMark(0x03, 9) {
		t.Fatalf("历史指纹应判定为重复")
	}
	if l2.CheckAndMark(0x99, 3) {
		t.Fatalf("新指纹不应判定为重复")
	}
	if got := l2.NextBatch("Sketches", "main"); got != 3 {
		t.Fatalf("批号应从历史最大值续号：%d", got)
	}
	if got := l2.NextBatch("Sketches", "charcoal"); got != 1 {
		t.Fatalf("其他单元不受影响：%d", got)
	}
}

func TestHeaderWrittenOnlyForNewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.csv")

	l, err := Open(path, false)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	_ = l.Append([]domain.LedgerEntry{{Category: "A", Subcategory: "main", Batch: 1, Fingerprint: 1, Filename: "x.png"}})
	l.Close()

	l2, _ := Open(path, false)
	_ = l2.Append([]domain.LedgerEntry{{Category: "A", Subcategory: "main", Batch: 2, Fingerprint: 2, Filename: "y.png"}})
	l2.Close()

	b, _ := os.ReadFile(path)
	if got := strings.Count(string(b), "Category,Subcategory"); got != 1 {
		t.Fatalf("表头只能出现一次，实际 %d 次：%s", got, b)
	}
}

func TestCheckAndMark_ConcurrentSingleWinner(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "ledger.csv"), false)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	defer l.Close()

	const workers = 16
	accepted := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !l.CheckAndMark(0xabc, 1) {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if accepted != 1 {
		t.Fatalf("同一指纹只能被接受一次，实际 %d 次", accepted)
	}
}

func TestReadOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.csv")
	csv := "Category,Subcategory,BatchNumber,Fingerprint,Filename\nA,main,1,00000000000000aa,x.png\n"
	if err := os.WriteFile(path, []byte(csv), 0o644); err != nil {
		t.Fatalf("写文件失败：%v", err)
	}

	l, err := Open(path, true)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	defer l.Close()

	if !l.CheckAndMark(0xaa, 5) {
		t.Fatalf("只读模式也必须重放历史索引")
	}
	if err := l.Append([]domain.LedgerEntry{{Category: "A", Subcategory: "main", Batch: 2, Fingerprint: 2, Filename: "y.png"}}); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("只读模式 Append 应报 ErrReadOnly：%v", err)
	}
	if _, err := os.Stat(path + ".lock"); !os.IsNotExist(err) {
		t.Fatalf("只读模式不应创建 lock 文件")
	}
}

func TestLoad_CorruptRowIsFatal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.csv")
	csv := "Category,Subcategory,BatchNumber,Fingerprint,Filename\nA,main,notanumber,00000000000000aa,x.png\n"
	if err := os.WriteFile(path, []byte(csv), 0o644); err != nil {
		t.Fatalf("写文件失败：%v", err)
	}

	_, err := Open(path, true)
	var le *Error
	if !errors.As(err, &le) || le.Op != "load" {
		t.Fatalf("损坏行应报 load 错误：%v", err)
	}
}

func TestOpen_SecondWriterRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.csv")

	l, err := Open(path, false)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	defer l.Close()

	_, err = Open(path, false)
	var le *Error
	if !errors.As(err, &le) || le.Op != "lock" {
		t.Fatalf("第二个写者应被拒绝：%v", err)
	}
}
