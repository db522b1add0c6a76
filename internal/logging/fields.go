package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 collection/id/geometry/命中状态字段，供图片请求日志复用。
func RequestFields(collection, identifier, geometry, requestID string, cacheHit bool) logrus.Fields {
	fields := logrus.Fields{
		"collection": collection,
		"id":         identifier,
		"cache_hit":  cacheHit,
	}
	if geometry != "" {
		fields["geometry"] = geometry
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}
