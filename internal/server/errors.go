package server

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

// statusCoder 由携带 HTTP 语义的领域错误实现。
type statusCoder interface {
	HTTPStatus() int
}

// StatusOf 将错误映射为状态码：fiber.Error 与 statusCoder 自带状态，其余一律 500。
func StatusOf(err error) int {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return fiber.StatusInternalServerError
}

// errorHandler 是所有请求错误的唯一出口：记录原因并渲染通用错误页。
func errorHandler(logger *logrus.Logger, page []byte) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		status := StatusOf(err)
		fields := logrus.Fields{
			"action":    "request",
			"method":    c.Method(),
			"path":      c.Path(),
			"status":    status,
			"client_ip": c.IP(),
		}
		if reqID := RequestID(c); reqID != "" {
			fields["request_id"] = reqID
		}

		entry := logger.WithFields(fields)
		var fe *fiber.Error
		switch {
		case status >= fiber.StatusInternalServerError:
			entry.WithError(err).Error("request failed")
		case errors.As(err, &fe):
			entry.Debug(fe.Message)
		default:
			entry.WithError(err).Warn("request failed")
		}

		c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
		return c.Status(status).Send(page)
	}
}
