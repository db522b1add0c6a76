package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

var supportedDrivers = map[string]struct{}{
	DriverPostgres: {},
	DriverSQLite:   {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return newFieldError("Global.LogLevel", fmt.Sprintf("无法识别的日志级别: %s", g.LogLevel))
	}
	if strings.TrimSpace(g.CacheDir) == "" {
		return newFieldError("Global.CacheDir", "不能为空")
	}
	if g.FetchTimeout.DurationValue() <= 0 {
		return newFieldError("Global.FetchTimeout", "必须大于 0")
	}

	db := c.Database
	if _, ok := supportedDrivers[db.Driver]; !ok {
		return newFieldError("Database.Driver", "仅支持 postgres|sqlite")
	}
	if strings.TrimSpace(db.URL) == "" {
		return newFieldError("Database.URL", "不能为空（可通过 DATABASE_URL 设置）")
	}
	if db.MaxConns < 0 {
		return newFieldError("Database.MaxConns", "不能为负数")
	}

	b := c.Billing
	if b.FlushInterval.DurationValue() <= 0 {
		return newFieldError("Billing.FlushInterval", "必须大于 0")
	}
	if b.WriteTimeout.DurationValue() <= 0 {
		return newFieldError("Billing.WriteTimeout", "必须大于 0")
	}

	return nil
}
