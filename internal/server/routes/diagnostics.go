package routes

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pichub/pichub/internal/metrics"
	"github.com/pichub/pichub/internal/store"
	"github.com/pichub/pichub/internal/version"
)

// Pinger 由数据库存储实现，供健康检查使用。
type Pinger interface {
	Ping(ctx context.Context) error
}

const pingTimeout = 2 * time.Second

// RegisterDiagnostics 暴露 /-/ 前缀下的诊断接口：collection 映射、Prometheus 指标与健康检查。
// db 为 nil 时健康检查只报告进程存活。
func RegisterDiagnostics(r fiber.Router, collector *metrics.Collector, db Pinger) {
	if r == nil {
		return
	}

	r.Get("/-/collections", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"collections": encodeCollections(store.Collections()),
		})
	})

	r.Get("/-/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(collector.Gatherer(), promhttp.HandlerOpts{})))

	r.Get("/-/healthz", func(c fiber.Ctx) error {
		payload := fiber.Map{"version": version.Full(), "database": "skipped"}
		if db != nil {
			ctx, cancel := context.WithTimeout(c.Context(), pingTimeout)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				payload["database"] = "unavailable"
				payload["error"] = err.Error()
				return c.Status(fiber.StatusServiceUnavailable).JSON(payload)
			}
			payload["database"] = "ok"
		}
		return c.JSON(payload)
	})
}

type collectionPayload struct {
	Name    string `json:"name"`
	Table   string `json:"table"`
	Column  string `json:"blob_column"`
	Lookup  string `json:"lookup"`
	Metered bool   `json:"metered"`
}

func encodeCollections(list []store.Collection) []collectionPayload {
	out := make([]collectionPayload, 0, len(list))
	for _, coll := range list {
		out = append(out, collectionPayload{
			Name:    coll.Name,
			Table:   coll.Table,
			Column:  coll.BlobColumn,
			Lookup:  coll.KeyColumn + "+" + coll.FilenameColumn,
			Metered: coll.Metered,
		})
	}
	return out
}
