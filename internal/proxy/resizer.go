package proxy

import (
	"context"
	"io"
	"os"

	"github.com/pichub/pichub/internal/cache"
	"github.com/pichub/pichub/internal/imaging"
)

// renderDerived 从已缓存的原图渲染派生图。它从不回源。
func (s *Service) renderDerived(ctx context.Context, g imaging.Geometry, originalPath, tempPath, derivedPath string) error {
	src, err := os.Open(originalPath)
	if err != nil {
		return fail(ErrResizeFailed, err)
	}
	defer src.Close()

	if _, err := cache.WriteAtomic(ctx, tempPath, derivedPath, func(w io.Writer) error {
		return s.transformer.Transform(w, src, g)
	}); err != nil {
		return fail(ErrResizeFailed, err)
	}
	return nil
}
