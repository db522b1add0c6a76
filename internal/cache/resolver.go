package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// tempPrefix/tempExt 构成临时文件名：<root>/.incoming-<uuid>.jpg。
const (
	tempPrefix = ".incoming-"
	tempExt    = ".jpg"
)

// Resolver 负责把 Key 翻译为缓存根目录下的绝对路径，并报告哪些文件已经存在。
// 它只决定“检查什么”，不负责回源。
type Resolver struct {
	root string
}

// NewResolver 以 root 为缓存根目录构建 Resolver，整站复用一份实例。
func NewResolver(root string) (*Resolver, error) {
	if root == "" {
		return nil, errors.New("cache dir required")
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve cache dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Resolver{root: abs}, nil
}

// Root 返回缓存根目录的绝对路径。
func (r *Resolver) Root() string {
	return r.root
}

// Resolution 是 Resolve 的结果：命中时只有 Path 有意义；未命中时目录已就绪，
// 调用方可以直接向 TempPath 写入。
type Resolution struct {
	Key Key
	Hit bool
	// Path 是本次请求最终要交付的规范路径（派生图或原图）。
	Path            string
	OriginalPath    string
	DerivedPath     string
	OriginalPresent bool
	TempPath        string
}

// Resolve 计算 Key 对应的路径。派生图（或无 geometry 时的原图）存在即命中；
// 否则确保规范路径的父目录存在，并给出一个新的临时文件路径。
func (r *Resolver) Resolve(ctx context.Context, key Key) (Resolution, error) {
	if err := ctx.Err(); err != nil {
		return Resolution{}, err
	}

	res := Resolution{
		Key:          key,
		OriginalPath: r.Path(key.Original()),
	}
	res.Path = res.OriginalPath
	if key.HasGeometry() {
		res.DerivedPath = r.Path(key)
		res.Path = res.DerivedPath
	}

	present, err := r.Exists(res.Path)
	if err != nil {
		return Resolution{}, err
	}
	if present {
		res.Hit = true
		res.OriginalPresent = !key.HasGeometry()
		return res, nil
	}

	if key.HasGeometry() {
		if res.OriginalPresent, err = r.Exists(res.OriginalPath); err != nil {
			return Resolution{}, err
		}
	}

	// 派生目录 <id>/<geometry>/ 嵌套在原图目录内，一次 MkdirAll 同时覆盖两者。
	if err := os.MkdirAll(filepath.Dir(res.Path), 0o755); err != nil {
		return Resolution{}, fmt.Errorf("create cache dir for %s: %w", key, err)
	}
	res.TempPath = r.TempPath()
	return res, nil
}

// Path 返回 Key 的规范路径，不访问文件系统。
func (r *Resolver) Path(key Key) string {
	return filepath.Join(append([]string{r.root}, key.segments()...)...)
}

// TempPath 生成一个不可预测的临时文件路径，位于缓存根目录以保证 rename 不跨文件系统。
func (r *Resolver) TempPath() string {
	return filepath.Join(r.root, tempPrefix+uuid.NewString()+tempExt)
}

// Exists 报告 path 是否为已存在的普通文件；目录占位视为错误而非缺失。
func (r *Resolver) Exists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if !info.Mode().IsRegular() {
		return false, fmt.Errorf("cache path %s is not a regular file", path)
	}
	return true, nil
}
