package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/pichub/pichub/internal/cache"
	"github.com/pichub/pichub/internal/store"
)

// errShortBlob 表示复制的字节数与存储声明的长度不一致。
var errShortBlob = errors.New("blob length mismatch")

// fetchOriginal 把 blob 流式写入 tempPath 后 rename 到 finalPath。
// 复制失败或长度不符时 finalPath 保持不存在。
func (s *Service) fetchOriginal(ctx context.Context, coll store.Collection, key cache.Key, tempPath, finalPath string) (int64, error) {
	var written int64
	err := s.source.StreamBlob(ctx, coll, key.Identifier, key.Filename, func(r io.Reader, size int64) error {
		n, err := cache.WriteAtomic(ctx, tempPath, finalPath, func(w io.Writer) error {
			copied, err := cache.CopyContext(ctx, w, r)
			if err != nil {
				return err
			}
			if size >= 0 && copied != size {
				return fmt.Errorf("%w: copied %d of %d bytes", errShortBlob, copied, size)
			}
			return nil
		})
		written = n
		return err
	})
	switch {
	case err == nil:
		return written, nil
	case errors.Is(err, store.ErrNotFound):
		return 0, fail(ErrNotFound, err)
	default:
		return written, fail(ErrFetchFailed, err)
	}
}
