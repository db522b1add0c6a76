package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// 支持的数据库驱动。
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// GlobalConfig 描述进程级运行参数：监听端口、日志、缓存目录与静态资源。
type GlobalConfig struct {
	ListenPort    int      `mapstructure:"ListenPort"`
	LogLevel      string   `mapstructure:"LogLevel"`
	LogFilePath   string   `mapstructure:"LogFilePath"`
	LogMaxSize    int      `mapstructure:"LogMaxSize"`
	LogMaxBackups int      `mapstructure:"LogMaxBackups"`
	LogCompress   bool     `mapstructure:"LogCompress"`
	CacheDir      string   `mapstructure:"CacheDir"`
	PublicDir     string   `mapstructure:"PublicDir"`
	ErrorPage     string   `mapstructure:"ErrorPage"`
	TrustProxy    bool     `mapstructure:"TrustProxy"`
	FetchTimeout  Duration `mapstructure:"FetchTimeout"`
}

// DatabaseConfig 决定 Blob 存储与余额扣减所使用的数据库。
type DatabaseConfig struct {
	Driver   string `mapstructure:"Driver"`
	URL      string `mapstructure:"URL"`
	MaxConns int    `mapstructure:"MaxConns"`
}

// BillingConfig 控制按 token 计量的聚合写入节奏。
type BillingConfig struct {
	Enabled       bool     `mapstructure:"Enabled"`
	FlushInterval Duration `mapstructure:"FlushInterval"`
	WriteTimeout  Duration `mapstructure:"WriteTimeout"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global   GlobalConfig   `mapstructure:",squash"`
	Database DatabaseConfig `mapstructure:"Database"`
	Billing  BillingConfig  `mapstructure:"Billing"`
}

// DatabaseTarget 输出脱敏后的数据库描述，供启动日志使用，不包含凭证。
func (c DatabaseConfig) DatabaseTarget() string {
	raw := c.URL
	if at := strings.LastIndex(raw, "@"); at >= 0 {
		if scheme := strings.Index(raw, "://"); scheme >= 0 && scheme < at {
			raw = raw[:scheme+3] + "***" + raw[at:]
		}
	}
	return fmt.Sprintf("%s:%s", c.Driver, raw)
}
