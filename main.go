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

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-repo/internal/config"
	"github.com/any-hub/any-repo/internal/content"
	"github.com/any-hub/any-repo/internal/logging"
	"github.com/any-hub/any-repo/internal/merge"
	"github.com/any-hub/any-repo/internal/metrics"
	"github.com/any-hub/any-repo/internal/model"
	"github.com/any-hub/any-repo/internal/nfc"
	"github.com/any-hub/any-repo/internal/promote"
	"github.com/any-hub/any-repo/internal/registry"
	"github.com/any-hub/any-repo/internal/server"
	"github.com/any-hub/any-repo/internal/server/routes"
	"github.com/any-hub/any-repo/internal/transfer"
	"github.com/any-hub/any-repo/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
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
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["stores"] = config.StoreSummaries(cfg.Stores)
		fields["pkgtypes"] = cfg.PackageTypes()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动顺序：配置 → 注册表 → NFC → 存储网关 → 合并/内容/promotion → Fiber server。
	svc, err := buildServices(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化服务失败: %v\n", err)
		return 1
	}
	defer svc.Close()

	fields := logging.BaseFields("startup", opts.configPath)
	fields["stores"] = len(cfg.Stores)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["nfc_backend"] = cfg.Global.NFCBackend
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(ctx, cfg, svc, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("any-repo", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 ANY_REPO_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("ANY_REPO_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// services 持有进程内共享的全部组件。
type services struct {
	registry registry.Registry
	nfc      nfc.Cache
	content  *content.Manager
	merge    *merge.Engine
	promote  *promote.Engine
	metrics  *prometheus.Registry

	closers []func() error
}

// Close 释放持久化与外部连接。
func (s *services) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

func buildServices(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (_ *services, err error) {
	svc := &services{metrics: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			_ = svc.Close()
		}
	}()

	svc.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.NewPrometheusRecorder(svc.metrics)
	httpClient := server.NewUpstreamClient(cfg)

	var persister registry.Persister
	if cfg.Global.RegistryDB != "" {
		db, err := registry.OpenSQLite(ctx, cfg.Global.RegistryDB)
		if err != nil {
			return nil, fmt.Errorf("打开注册表数据库失败: %w", err)
		}
		svc.closers = append(svc.closers, db.Close)
		persister = db
	}
	base, err := registry.NewMemoryRegistry(ctx, registry.Options{Logger: logger, Persister: persister})
	if err != nil {
		return nil, fmt.Errorf("构建注册表失败: %w", err)
	}

	filters := []registry.Filter{registry.ImpliedReposFilter{}}
	if cfg.Global.MemberFilter != "" {
		celFilter, err := registry.NewCELFilter(cfg.Global.MemberFilter)
		if err != nil {
			return nil, fmt.Errorf("编译 MemberFilter 失败: %w", err)
		}
		filters = append(filters, celFilter)
	}
	if cfg.Global.ProbeRemotes {
		filters = append(filters, registry.RemoteProbeFilter{
			Probe: func(ctx context.Context, rawURL string) error {
				return transfer.ProbeUpstream(ctx, httpClient, rawURL)
			},
		})
	}
	svc.registry = registry.Decorate(base, filters...)

	svc.nfc, err = buildNFC(ctx, cfg, logger, svc)
	if err != nil {
		return nil, err
	}

	local, err := transfer.NewOSGateway(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("初始化存储目录失败: %w", err)
	}
	gateway := transfer.NewRemoteGateway(local, svc.registry, transfer.RemoteOptions{
		Client:         httpClient,
		NFC:            svc.nfc,
		DefaultNFCTTL:  cfg.Global.NFCTimeout.DurationValue(),
		MaxRetries:     cfg.Global.MaxRetries,
		InitialBackoff: cfg.Global.InitialBackoff.DurationValue(),
		RatePerSecond:  cfg.Global.UpstreamRPS,
		Logger:         logger,
		Metrics:        recorder,
	})

	svc.merge = merge.NewEngine(svc.registry, gateway, merge.Options{
		FetchWorkers: cfg.Global.MergeFetchWorkers,
		Timeout:      cfg.Global.MergeTimeout.DurationValue(),
		Logger:       logger,
		Metrics:      recorder,
	})
	svc.registry.Subscribe(svc.merge.Listener())

	svc.content = content.NewManager(content.Options{
		Stores:  svc.registry,
		Gateway: gateway,
		Merger:  svc.merge,
		NFC:     svc.nfc,
		Logger:  logger,
		Metrics: recorder,
	})
	svc.promote = promote.NewEngine(svc.registry, gateway, promote.Options{
		Workers:     cfg.Global.PromoteWorkers,
		LockTimeout: cfg.Global.PromoteLockTimeout.DurationValue(),
		Listener:    svc.content,
		Logger:      logger,
		Metrics:     recorder,
	})

	if err := seedStores(ctx, cfg, svc.registry, logger); err != nil {
		return nil, err
	}
	return svc, nil
}

func buildNFC(ctx context.Context, cfg *config.Config, logger *logrus.Logger, svc *services) (nfc.Cache, error) {
	if cfg.Global.NFCBackend == config.NFCBackendRedis {
		cache := nfc.NewRedisCache(cfg.Global.RedisAddr, cfg.Global.RedisPassword, cfg.Global.RedisDB)
		svc.closers = append(svc.closers, cache.Close)
		if err := cache.Ping(ctx); err != nil {
			return nil, fmt.Errorf("连接 redis 失败: %w", err)
		}
		return cache, nil
	}
	cache := nfc.NewMemoryCache(nfc.WithLogger(logger))
	if interval := cfg.Global.NFCSweepInterval.DurationValue(); interval > 0 {
		cache.StartSweeper(ctx, interval, interval)
	}
	return cache, nil
}

// seedStores 把配置中的仓库写入注册表，已存在（例如从数据库加载）的仓库保持不变。
func seedStores(ctx context.Context, cfg *config.Config, reg registry.Registry, logger *logrus.Logger) error {
	stores, err := cfg.SeedStores()
	if err != nil {
		return err
	}
	summary := model.NewChangeSummary("system", "seed from configuration")
	for _, store := range stores {
		created, err := reg.Put(ctx, store, summary, true)
		if err != nil {
			return fmt.Errorf("写入仓库 %s 失败: %w", store.Key, err)
		}
		logger.WithFields(logrus.Fields{
			"action":  "seed_store",
			"store":   store.Key.String(),
			"created": created,
		}).Debug("store_seeded")
	}
	return nil
}

func newApp(cfg *config.Config, svc *services, logger *logrus.Logger) (*fiber.App, error) {
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterStoreRoutes(app, svc.registry)
	routes.RegisterContentRoutes(app, svc.content)
	routes.RegisterPromotionRoutes(app, svc.promote)
	routes.RegisterNFCRoutes(app, svc.nfc)
	routes.RegisterPackageTypeRoutes(app)
	routes.RegisterMetricsRoutes(app, svc.metrics)
	return app, nil
}

func startHTTPServer(ctx context.Context, cfg *config.Config, svc *services, logger *logrus.Logger) error {
	app, err := newApp(cfg, svc, logger)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		logger.WithField("action", "shutdown").Info("Fiber 服务停止")
		_ = app.Shutdown()
	}()

	port := cfg.Global.ListenPort
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
