package proxy

import (
	"net/url"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/utils/v2"
	"github.com/sirupsen/logrus"

	"github.com/pichub/pichub/internal/cache"
	"github.com/pichub/pichub/internal/imaging"
	"github.com/pichub/pichub/internal/logging"
	"github.com/pichub/pichub/internal/server"
	"github.com/pichub/pichub/internal/store"
)

// CacheStatusHeader 标记本次响应是否直接命中磁盘缓存。
const CacheStatusHeader = "X-Pichub-Cache"

// Handler 把 Fiber 请求翻译为 cache.Key 并交给 Service，对外暴露 Fiber handler。
type Handler struct {
	service *Service
	logger  *logrus.Logger
}

// NewHandler constructs an image handler around a shared Service.
func NewHandler(service *Service, logger *logrus.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Handle 服务 /:collection/:id/:filename 与 /:collection/:id/:geometry/:filename。
// 路径不构成合法 Key 时调用 c.Next()，交给静态资源与 404 页处理。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()

	geometry, ok := param(c, "geometry")
	if !ok || (geometry != "" && !imaging.IsGeometryToken(geometry)) {
		return c.Next()
	}
	collection, ok1 := param(c, "collection")
	identifier, ok2 := param(c, "id")
	filename, ok3 := param(c, "filename")
	if !ok1 || !ok2 || !ok3 {
		return c.Next()
	}
	// 未知 collection 多半是三层目录的静态资源。
	if _, known := store.LookupCollection(collection); !known {
		return c.Next()
	}
	key, err := cache.NewKey(collection, identifier, filename, geometry)
	if err != nil {
		return c.Next()
	}

	out, err := h.service.Serve(c.Context(), key)
	if err != nil {
		return err
	}

	cacheStatus := "miss"
	if out.CacheHit {
		cacheStatus = "hit"
	}
	c.Set(fiber.HeaderContentType, out.ContentType)
	c.Set(CacheStatusHeader, cacheStatus)

	// HEAD 不传输正文，不计费。
	if c.Method() != fiber.MethodHead {
		h.service.RecordDelivery(key, len(out.Body))
	}

	fields := logging.RequestFields(key.Collection, key.Identifier, key.Geometry, server.RequestID(c), out.CacheHit)
	fields["action"] = "serve"
	fields["status"] = fiber.StatusOK
	fields["client_ip"] = c.IP()
	fields["bytes"] = len(out.Body)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	h.logger.WithFields(fields).Info("image served")

	return c.Send(out.Body)
}

// param 返回解码后的路由参数；解码失败时 ok 为 false。
// 返回值会在请求结束后被计费聚合持有，而 c.Params 指向 fasthttp 复用的缓冲区，须先复制。
func param(c fiber.Ctx, name string) (string, bool) {
	value, err := url.PathUnescape(utils.CopyString(c.Params(name)))
	if err != nil {
		return "", false
	}
	return value, true
}
