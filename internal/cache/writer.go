package cache

import (
	"context"
	"errors"
	"io"
	"os"
)

// WriteAtomic 通过 fill 把内容写入 tempPath，成功后 rename 到 finalPath。
// 失败时删除临时文件且绝不 rename，finalPath 因此只会从不存在直接变为完整文件。
func WriteAtomic(ctx context.Context, tempPath, finalPath string, fill func(w io.Writer) error) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}

	counter := &countingWriter{w: f}
	err = fill(counter)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		os.Remove(tempPath)
		return counter.n, err
	}

	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return counter.n, err
	}
	return counter.n, nil
}

// CopyContext 按块复制 src 到 dst，每块之间检查 ctx 以便超时后尽快放弃。
func CopyContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
