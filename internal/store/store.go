// Package store adapts the relational database that owns image payloads.
// It resolves (collection, identifier, filename) to an opaque blob id, streams
// the blob inside a transaction scoped to one pooled connection, and applies
// batched balance deductions for the billing aggregator.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/pichub/pichub/internal/billing"
	"github.com/pichub/pichub/internal/config"
)

var (
	// ErrNotFound 表示查询未命中任何行。
	ErrNotFound = errors.New("blob not found")
	// ErrUnavailable 表示无法从连接池获取连接。
	ErrUnavailable = errors.New("database unavailable")
	// ErrUnknownCollection 表示 collection 不在静态映射表中。
	ErrUnknownCollection = errors.New("unknown collection")
)

// StreamFunc 消费 blob 字节流；size 为 blob 总长度，未知时为 -1。
// 返回之后 reader 不再可用。
type StreamFunc func(r io.Reader, size int64) error

// BlobSource 按逻辑坐标查找并流式读取 blob。实现需保证在所有返回路径上释放连接。
type BlobSource interface {
	StreamBlob(ctx context.Context, collection Collection, identifier, filename string, fn StreamFunc) error
}

// Store 汇总进程需要的全部数据库能力。
type Store interface {
	BlobSource
	billing.Writer
	Ping(ctx context.Context) error
	Close() error
}

// Collection 描述一个资源族：对应的表、blob 列与查询列，以及是否计费。
type Collection struct {
	Name           string `json:"name"`
	Table          string `json:"table"`
	BlobColumn     string `json:"blob_column"`
	KeyColumn      string `json:"key_column"`
	FilenameColumn string `json:"filename_column"`
	Metered        bool   `json:"metered"`
}

var collections = map[string]Collection{
	"pictures": {
		Name:           "pictures",
		Table:          "pictures",
		BlobColumn:     "image",
		KeyColumn:      "token",
		FilenameColumn: "image_filename",
		Metered:        true,
	},
	"avatars": {
		Name:           "avatars",
		Table:          "users",
		BlobColumn:     "avatar",
		KeyColumn:      "username",
		FilenameColumn: "avatar_filename",
	},
}

// LookupCollection 根据 URL 中的 collection 名称查找映射。
func LookupCollection(name string) (Collection, bool) {
	c, ok := collections[name]
	return c, ok
}

// Collections 返回按名称排序的全部 collection，供诊断接口输出。
func Collections() []Collection {
	result := make([]Collection, 0, len(collections))
	for _, c := range collections {
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// LookupQuery 生成 blob id 查询语句，placeholder 决定占位符风格（$n 或 ?）。
func (c Collection) LookupQuery(placeholder func(n int) string) string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s AND %s = %s",
		c.BlobColumn, c.Table, c.KeyColumn, placeholder(1), c.FilenameColumn, placeholder(2))
}

func dollarPlaceholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

func questionPlaceholder(int) string {
	return "?"
}

// Open 根据配置中的驱动构造 Store。
func Open(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case config.DriverPostgres:
		return OpenPostgres(ctx, cfg.URL, cfg.MaxConns)
	case config.DriverSQLite:
		return OpenSQLite(ctx, cfg.URL, cfg.MaxConns)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
