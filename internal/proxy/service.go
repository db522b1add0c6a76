package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/pichub/pichub/internal/cache"
	"github.com/pichub/pichub/internal/imaging"
	"github.com/pichub/pichub/internal/metrics"
	"github.com/pichub/pichub/internal/store"
)

// DefaultFetchTimeout 是单次缓存填充（回源或缩放）的上限。
const DefaultFetchTimeout = 60 * time.Second

// UsageRecorder 接收计费 collection 的交付字节数。
type UsageRecorder interface {
	RecordUsage(token string, bytes int64)
}

// ImageTransformer 把原图渲染为给定 Geometry 的派生图，imaging.Transformer 是默认实现。
type ImageTransformer interface {
	Transform(dst io.Writer, src io.ReadSeeker, g imaging.Geometry) error
}

// Options 描述 Service 依赖，Resolver 与 Source 必填。
type Options struct {
	Resolver     *cache.Resolver
	Source       store.BlobSource
	Transformer  ImageTransformer
	Usage        UsageRecorder
	Metrics      *metrics.Collector
	Logger       *logrus.Logger
	FetchTimeout time.Duration
}

// Service 是请求管线的调度器：根据 Resolver 的结果决定回源、缩放或直接交付。
type Service struct {
	resolver     *cache.Resolver
	source       store.BlobSource
	transformer  ImageTransformer
	usage        UsageRecorder
	metrics      *metrics.Collector
	logger       *logrus.Logger
	fetchTimeout time.Duration

	flights singleflight.Group
}

// NewService 校验依赖并补齐默认值。
func NewService(opts Options) (*Service, error) {
	if opts.Resolver == nil {
		return nil, errors.New("cache resolver is required")
	}
	if opts.Source == nil {
		return nil, errors.New("blob source is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Transformer == nil {
		opts.Transformer = imaging.NewTransformer()
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	return &Service{
		resolver:     opts.Resolver,
		source:       opts.Source,
		transformer:  opts.Transformer,
		usage:        opts.Usage,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		fetchTimeout: opts.FetchTimeout,
	}, nil
}

// Delivery 是一次成功请求的交付内容。
type Delivery struct {
	Body        []byte
	ContentType string
	// CacheHit 表示规范路径在请求到达时已存在，无需任何填充。
	CacheHit bool
}

// Serve 确保 key 的规范文件存在并读取其全部内容。
func (s *Service) Serve(ctx context.Context, key cache.Key) (Delivery, error) {
	path, hit, err := s.Ensure(ctx, key)
	if err != nil {
		return Delivery{}, err
	}
	body, err := readCached(path)
	if err != nil {
		return Delivery{}, err
	}
	return Delivery{Body: body, ContentType: imaging.ContentType, CacheHit: hit}, nil
}

// Ensure 返回 key 的规范路径，必要时先回源原图、再渲染派生图。
// hit 为 true 时本次请求没有做任何填充工作。
func (s *Service) Ensure(ctx context.Context, key cache.Key) (path string, hit bool, err error) {
	coll, ok := store.LookupCollection(key.Collection)
	if !ok {
		return "", false, fail(ErrNotFound, fmt.Errorf("%w: %s", store.ErrUnknownCollection, key.Collection))
	}

	// geometry 必须在触碰文件系统之前解析，避免为无效尺寸创建目录或回源。
	var geometry imaging.Geometry
	if key.HasGeometry() {
		if geometry, err = imaging.ParseGeometry(key.Geometry); err != nil {
			return "", false, fail(ErrResizeFailed, err)
		}
	}

	res, err := s.resolver.Resolve(ctx, key)
	if err != nil {
		return "", false, fail(ErrFetchFailed, err)
	}
	if res.Hit {
		s.metrics.ObserveLookup(coll.Name, "hit")
		return res.Path, true, nil
	}

	if res.OriginalPresent {
		s.metrics.ObserveLookup(coll.Name, "original")
	} else {
		s.metrics.ObserveLookup(coll.Name, "miss")
		if err := s.populateOriginal(ctx, coll, key.Original(), res); err != nil {
			return "", false, err
		}
	}

	if key.HasGeometry() {
		if err := s.populateDerived(ctx, coll, key, geometry, res); err != nil {
			return "", false, err
		}
	}
	return res.Path, false, nil
}

// RecordDelivery 为计费 collection 记录一次交付；非计费 collection 直接忽略。
func (s *Service) RecordDelivery(key cache.Key, bytes int) {
	coll, ok := store.LookupCollection(key.Collection)
	if !ok {
		return
	}
	s.metrics.ObserveDelivery(coll.Name, bytes)
	if !coll.Metered || s.usage == nil {
		return
	}
	s.usage.RecordUsage(key.Identifier, int64(bytes))
}

func (s *Service) populateOriginal(ctx context.Context, coll store.Collection, key cache.Key, res cache.Resolution) error {
	return s.share(ctx, "original:"+key.String(), res.OriginalPath, ErrFetchFailed, func(work context.Context) error {
		n, err := s.fetchOriginal(work, coll, key, res.TempPath, res.OriginalPath)
		s.metrics.ObserveFetch(coll.Name, n, err)
		if err != nil {
			return err
		}
		s.logger.WithFields(logrus.Fields{
			"action":     "fetch",
			"collection": coll.Name,
			"id":         key.Identifier,
			"bytes":      n,
		}).Debug("original cached")
		return nil
	})
}

func (s *Service) populateDerived(ctx context.Context, coll store.Collection, key cache.Key, g imaging.Geometry, res cache.Resolution) error {
	return s.share(ctx, "derived:"+key.String(), res.DerivedPath, ErrResizeFailed, func(work context.Context) error {
		err := s.renderDerived(work, g, res.OriginalPath, res.TempPath, res.DerivedPath)
		s.metrics.ObserveResize(coll.Name, err)
		return err
	})
}

// share 按 flightKey 合并并发的填充工作。工作运行在脱离请求取消的 context 上，
// 调用方的 ctx 只决定它愿意等待多久。
func (s *Service) share(ctx context.Context, flightKey, finalPath string, kind error, work func(context.Context) error) error {
	ch := s.flights.DoChan(flightKey, func() (result interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fail(kind, fmt.Errorf("panic: %v", r))
			}
		}()

		// 上一轮 flight 可能刚好在本轮开始前完成。
		if present, err := s.resolver.Exists(finalPath); err != nil {
			return nil, fail(kind, err)
		} else if present {
			return nil, nil
		}

		workCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fetchTimeout)
		defer cancel()
		return nil, work(workCtx)
	})

	select {
	case r := <-ch:
		if r.Shared {
			s.metrics.ObserveShared()
		}
		return r.Err
	case <-ctx.Done():
		return fail(kind, ctx.Err())
	}
}
