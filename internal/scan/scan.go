package scan

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Category 是输入根目录下的一个顶级类目目录。
type Category struct {
	Name string
	Path string
}

// Subcat 是发现/分组的最小单元：具名子目录，或类目根目录的隐式池。
//
// 约束：
// - Root=true 表示隐式池（Path 指向类目目录本身），序列化名固定为 "main"
// - 隐式池只在类目下不存在真实 main/ 目录时出现；真实 main/ 按普通子目录处理。
//   由此 "main" 这个序列化名在构造上不可能同时指向两个池。
type Subcat struct {
	Name string
	Root bool
	Path string
}

// RootName 是隐式根池的序列化名（ledger 行与输出文件名使用）。
const RootName = "main"

// Categories 列出 root 的直接子目录作为类目，应用排除规则后按名字典序返回。
//
// 排除规则：
// - 输出目录（若位于 root 之下）永久排除，避免把已合成的网格图当作输入
// - excludeDirs 来自配置文件，均视为相对 root 的路径（绝对路径按绝对路径处理）
func Categories(root, outputDir string, excludeDirs []string) ([]Category, error) {
	root = filepath.Clean(root)
	excluded := buildExcluded(root, outputDir, excludeDirs)

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	cats := make([]Category, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p := filepath.Join(root, e.Name())
		if isExcluded(p, excluded) {
			continue
		}
		cats = append(cats, Category{Name: e.Name(), Path: p})
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i].Name < cats[j].Name })
	return cats, nil
}

// Subcats 列出类目的子类目：全部直接子目录（按名字典序），外加隐式根池
// （仅当不存在名为 main 的真实子目录时追加在末尾）。
func Subcats(cat Category) ([]Subcat, error) {
	entries, err := os.ReadDir(cat.Path)
	if err != nil {
		return nil, err
	}

	subs := make([]Subcat, 0, len(entries)+1)
	hasMain := false
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if e.Name() == RootName {
			hasMain = true
		}
		subs = append(subs, Subcat{Name: e.Name(), Path: filepath.Join(cat.Path, e.Name())})
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Name < subs[j].Name })

	if !hasMain {
		subs = append(subs, Subcat{Name: RootName, Root: true, Path: cat.Path})
	}
	return subs, nil
}

// Images 列出 dir 下可识别的图片文件名（不递归），按名字典序返回。
// 只做 ReadDir，不读文件内容。
func Images(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if !isImageExt(strings.ToLower(filepath.Ext(e.Name()))) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func isImageExt(ext string) bool {
	switch ext {
	case ".png", ".jpg", ".jpeg":
		return true
	default:
		return false
	}
}

func buildExcluded(root, outputDir string, excludeDirs []string) []string {
	excluded := make([]string, 0, 1+len(excludeDirs))
	if strings.TrimSpace(outputDir) != "" {
		excluded = append(excluded, filepath.Clean(outputDir))
	}
	for _, x := range excludeDirs {
		x = strings.TrimSpace(x)
		if x == "" {
			continue
		}
		if filepath.IsAbs(x) {
			excluded = append(excluded, filepath.Clean(x))
			continue
		}
		excluded = append(excluded, filepath.Clean(filepath.Join(root, x)))
	}
	sort.Strings(excluded)
	return excluded
}

func isExcluded(path string, excluded []string) bool {
	path = filepath.Clean(path)
	for _, base := range excluded {
		if path == base {
			return true
		}
		if strings.HasPrefix(path, base+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
