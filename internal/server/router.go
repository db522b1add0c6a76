package server

import (
	"errors"
	"os"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/gofiber/fiber/v3/middleware/static"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ImageHandler describes the component that serves image routes. It allows
// injecting fake handlers during tests.
type ImageHandler interface {
	Handle(fiber.Ctx) error
}

// ImageHandlerFunc adapts a function to the ImageHandler interface.
type ImageHandlerFunc func(fiber.Ctx) error

// Handle makes ImageHandlerFunc satisfy ImageHandler.
func (f ImageHandlerFunc) Handle(c fiber.Ctx) error {
	return f(c)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger *logrus.Logger
	Images ImageHandler
	// PublicDir 为空时不挂载静态资源。
	PublicDir string
	// ErrorPage 是 404/500 共用的 HTML 页面，读取失败时退回内置页面。
	ErrorPage  string
	TrustProxy bool
	// Routes 在静态资源与 404 兜底之前注册额外路由（诊断接口等）。
	Routes []func(fiber.Router)
}

const contextKeyRequestID = "_pichub_request_id"

// 图片路由。geometry 语法由 ImageHandler 校验，不符合时回落到静态资源。
const (
	RouteOriginal = "/:collection/:id/:filename"
	RouteDerived  = "/:collection/:id/:geometry/:filename"
)

// NewApp builds a Fiber application with request-id middleware, the image
// routes, static fallback and structured error handling.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Images == nil {
		return nil, errors.New("image handler is required")
	}

	cfg := fiber.Config{
		CaseSensitive: true,
		ErrorHandler:  errorHandler(opts.Logger, loadErrorPage(opts.Logger, opts.ErrorPage)),
	}
	if opts.TrustProxy {
		cfg.ProxyHeader = fiber.HeaderXForwardedFor
	}
	app := fiber.New(cfg)

	app.Use(recover.New())
	app.Use(requestContextMiddleware())

	for _, register := range opts.Routes {
		register(app)
	}

	methods := []string{fiber.MethodGet, fiber.MethodHead}
	app.Add(methods, RouteOriginal, opts.Images.Handle)
	app.Add(methods, RouteDerived, opts.Images.Handle)

	if opts.PublicDir != "" {
		app.Use(static.New(opts.PublicDir))
	}
	app.Use(func(c fiber.Ctx) error {
		return fiber.ErrNotFound
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID 并回写到响应头。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

const fallbackErrorPage = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>pichub</title></head>
<body><h1>Something went wrong</h1></body></html>
`

func loadErrorPage(logger *logrus.Logger, path string) []byte {
	if path == "" {
		return []byte(fallbackErrorPage)
	}
	page, err := os.ReadFile(path)
	if err != nil {
		logger.WithError(err).WithField("path", path).Warn("error page unavailable, using built-in page")
		return []byte(fallbackErrorPage)
	}
	return page
}
