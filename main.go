package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/pichub/pichub/internal/billing"
	"github.com/pichub/pichub/internal/cache"
	"github.com/pichub/pichub/internal/config"
	"github.com/pichub/pichub/internal/logging"
	"github.com/pichub/pichub/internal/metrics"
	"github.com/pichub/pichub/internal/proxy"
	"github.com/pichub/pichub/internal/server"
	"github.com/pichub/pichub/internal/server/routes"
	"github.com/pichub/pichub/internal/store"
	"github.com/pichub/pichub/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

const (
	defaultConfigPath = "config.toml"
	shutdownTimeout   = 15 * time.Second
)

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	// .env 只是本地开发的便利手段，缺失时静默忽略。
	_ = godotenv.Load()

	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := configFields(cfg, "check_config", opts.configPath)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动顺序：配置 → 数据库 → 计费聚合 → 磁盘缓存 → Fiber server，
	// 所有请求共享同一套缓存、连接池与计费窗口。
	svc, err := buildService(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化服务失败: %v\n", err)
		return 1
	}
	defer svc.close(logger)

	fields := configFields(cfg, "startup", opts.configPath)
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := serve(ctx, svc.app, cfg.Global.ListenPort, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
// 未显式指定且 ./config.toml 不存在时仅使用环境变量与默认值。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("pichub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 PICHUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("PICHUB_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			path = defaultConfigPath
		}
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func configFields(cfg *config.Config, action, configPath string) logrus.Fields {
	fields := logging.BaseFields(action, configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["cache_dir"] = cfg.Global.CacheDir
	fields["database"] = cfg.Database.DatabaseTarget()
	fields["billing"] = cfg.Billing.Enabled
	return fields
}

// service 持有一次进程生命周期内的全部组件，close 按依赖逆序释放。
type service struct {
	app        *fiber.App
	db         store.Store
	aggregator *billing.Aggregator
	collector  *metrics.Collector
}

func buildService(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*service, error) {
	resolver, err := cache.NewResolver(cfg.Global.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
	}

	db, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.New(reg)

	svc := &service{db: db, collector: collector}

	var usage proxy.UsageRecorder
	if cfg.Billing.Enabled {
		svc.aggregator = billing.NewAggregator(db, billing.Options{
			Interval:     cfg.Billing.FlushInterval.DurationValue(),
			WriteTimeout: cfg.Billing.WriteTimeout.DurationValue(),
			Logger:       logger,
			Metrics:      collector,
		})
		usage = svc.aggregator
	}

	images, err := proxy.NewService(proxy.Options{
		Resolver:     resolver,
		Source:       db,
		Usage:        usage,
		Metrics:      collector,
		Logger:       logger,
		FetchTimeout: cfg.Global.FetchTimeout.DurationValue(),
	})
	if err != nil {
		svc.close(logger)
		return nil, err
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Images:     proxy.NewHandler(images, logger),
		PublicDir:  cfg.Global.PublicDir,
		ErrorPage:  cfg.Global.ErrorPage,
		TrustProxy: cfg.Global.TrustProxy,
		Routes: []func(fiber.Router){
			func(r fiber.Router) { routes.RegisterDiagnostics(r, collector, db) },
		},
	})
	if err != nil {
		svc.close(logger)
		return nil, err
	}
	svc.app = app
	return svc, nil
}

func (s *service) close(logger *logrus.Logger) {
	if s.aggregator != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := s.aggregator.Close(ctx); err != nil {
			logger.WithError(err).WithField("action", "shutdown").Warn("final billing flush failed")
		}
		cancel()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			logger.WithError(err).WithField("action", "shutdown").Warn("database close failed")
		}
	}
}

// serve 监听端口直到 ctx 结束，然后在 shutdownTimeout 内优雅退出。
func serve(ctx context.Context, app *fiber.App, port int, logger *logrus.Logger) error {
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf(":%d", port))
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.WithField("action", "shutdown").Info("收到退出信号，停止接收新请求")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
