// cmd/gaia-send/main.go
// RWCP 固件传输客户端入口
// 系统装配器与环境初始化中心

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/KunYi/droid-gaia-ctrl/internal/config"
	"github.com/KunYi/droid-gaia-ctrl/internal/link"
	"github.com/KunYi/droid-gaia-ctrl/internal/metrics"
	"github.com/KunYi/droid-gaia-ctrl/internal/transfer"
)

// ============================================
// 版本信息
// ============================================

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
)

// ============================================
// 应用结构
// ============================================

// Application 应用程序
type Application struct {
	config  *config.Config
	link    link.Link
	sender  *transfer.Sender
	metrics *metrics.MetricsServer
	gauges  *metrics.TransferMetrics

	payload   []byte
	startTime time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// ============================================
// 主函数
// ============================================

func main() {
	cfg, inputPath := parseFlags()

	printBanner(cfg, inputPath)

	app, err := NewApplication(cfg, inputPath)
	if err != nil {
		log.Errorf("初始化失败: %v", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		log.Errorf("传输失败: %v", err)
		os.Exit(1)
	}
}

// parseFlags 解析命令行参数，返回配置和输入文件路径
func parseFlags() (*config.Config, string) {
	configFile := flag.String("config", "", "配置文件路径 (YAML)")
	remote := flag.String("remote", "", "对端地址 (host:port)")
	linkType := flag.String("link", "", "链路类型: udp, websocket")
	wsURL := flag.String("ws-url", "", "WebSocket 链路地址")
	packetSize := flag.Int("packet-size", 0, "DATA 段负载上限 (字节)")
	window := flag.Int("window", 0, "会话起始窗口大小 (1-32)")
	logLevel := flag.String("log", "", "日志级别: debug, info, warn, error")
	debugLogs := flag.Bool("rwcp-debug", false, "输出 RWCP 状态机调试日志")
	metricsListen := flag.String("metrics", "", "Prometheus 监听地址 (启用监控)")
	input := flag.String("file", "", "要发送的文件 (缺省读标准输入)")
	genConfig := flag.String("gen-config", "", "生成示例配置到指定路径后退出")
	showVersion := flag.Bool("version", false, "显示版本")

	flag.Parse()

	if *showVersion {
		fmt.Printf("gaia-send v%s\n", Version)
		fmt.Printf("Build: %s\n", BuildTime)
		fmt.Printf("Go: %s\n", runtime.Version())
		fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	if *genConfig != "" {
		if err := config.WriteExampleConfig(*genConfig); err != nil {
			fmt.Printf("[ERROR] 生成示例配置失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("[INFO] 示例配置已写入: %s\n", *genConfig)
		os.Exit(0)
	}

	var cfg *config.Config
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			fmt.Printf("[ERROR] 加载配置失败: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	} else {
		cfg = config.DefaultConfig()
	}

	// 命令行参数覆盖配置文件
	if *remote != "" {
		cfg.Remote = *remote
	}
	if *linkType != "" {
		cfg.Link = *linkType
	}
	if *wsURL != "" {
		cfg.WebSocket.URL = *wsURL
	}
	if *packetSize != 0 {
		cfg.RWCP.PacketSize = *packetSize
	}
	if *window != 0 {
		cfg.RWCP.Window = *window
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *debugLogs {
		cfg.RWCP.DebugLogs = true
	}
	if *metricsListen != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Listen = *metricsListen
	}

	if err := cfg.Validate(); err != nil {
		fmt.Printf("[ERROR] 配置错误: %v\n", err)
		flag.Usage()
		os.Exit(1)
	}

	setupLogging(cfg.LogLevel)

	return cfg, *input
}

// setupLogging 初始化日志
func setupLogging(level string) {
	switch level {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})
}

// printBanner 打印横幅
func printBanner(cfg *config.Config, inputPath string) {
	target := cfg.Remote
	if cfg.Link == config.LinkWebSocket {
		target = cfg.WebSocket.URL
	}
	source := inputPath
	if source == "" {
		source = "(stdin)"
	}

	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Println("║               RWCP Firmware Transfer Client               ║")
	fmt.Println("╠═══════════════════════════════════════════════════════════╣")
	fmt.Printf("║  对端:   %-48s ║\n", target)
	fmt.Printf("║  链路:   %-48s ║\n", cfg.Link)
	fmt.Printf("║  数据:   %-48s ║\n", source)
	fmt.Printf("║  段负载: %-4d 字节                                         ║\n", cfg.RWCP.PacketSize)
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()
}

// ============================================
// 应用生命周期
// ============================================

// NewApplication 创建应用
func NewApplication(cfg *config.Config, inputPath string) (*Application, error) {
	ctx, cancel := context.WithCancel(context.Background())

	app := &Application{
		config:    cfg,
		startTime: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}

	// 1. 读取待发送数据
	payload, err := readPayload(inputPath)
	if err != nil {
		cancel()
		return nil, err
	}
	app.payload = payload

	// 2. 初始化链路。入站数据直接转交 RWCP 客户端。
	onReceive := func(data []byte) {
		app.sender.OnReceiveSegment(data)
	}
	switch cfg.Link {
	case config.LinkWebSocket:
		app.link = link.NewWebSocketLink(&link.WebSocketConfig{
			URL:             cfg.WebSocket.URL,
			Host:            cfg.WebSocket.Host,
			ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
			WriteBufferSize: cfg.WebSocket.WriteBufferSize,
		}, onReceive)
	default:
		app.link = link.NewUDPLink(cfg.Remote, onReceive)
	}

	// 3. 初始化传输编排器
	app.sender = transfer.NewSender(app.link, cfg.RWCP.PacketSize)
	app.sender.Client().SetInitialWindowSize(cfg.RWCP.Window)
	app.sender.Client().SetDebugLogs(cfg.RWCP.DebugLogs)

	// 4. 初始化监控
	if cfg.Metrics.Enabled {
		app.metrics = metrics.NewMetricsServer(
			cfg.Metrics.Listen, cfg.Metrics.Path, cfg.Metrics.HealthPath,
			cfg.Metrics.EnablePprof)
		app.metrics.MustRegisterCollector(metrics.NewClientCollector(app.sender.Client()))
		if provider, ok := app.link.(metrics.LinkStatsProvider); ok {
			app.metrics.MustRegisterCollector(metrics.NewLinkCollector(provider))
		}
		app.gauges = metrics.NewTransferMetrics(app.metrics.GetRegistry())
		app.metrics.SetHealthCheck(app.healthStatus)
	}

	return app, nil
}

// healthStatus 汇总链路和 RWCP 会话状态，供健康检查端点使用
func (app *Application) healthStatus() metrics.HealthStatus {
	stats := app.sender.Client().Stats()
	components := map[string]metrics.ComponentHealth{
		"rwcp": {Status: "healthy", Message: stats.State},
	}
	if provider, ok := app.link.(metrics.LinkStatsProvider); ok {
		linkStats := provider.GetStats()
		components["link"] = metrics.ComponentHealth{
			Status:  "healthy",
			Message: fmt.Sprintf("sent=%d recv=%d", linkStats["bytes_sent"], linkStats["bytes_recv"]),
		}
	}
	return metrics.HealthStatus{
		Status:     "healthy",
		Timestamp:  time.Now(),
		Version:    Version,
		Uptime:     time.Since(app.startTime),
		Components: components,
	}
}

// readPayload 读取待发送数据
func readPayload(path string) ([]byte, error) {
	if path == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("读取标准输入失败: %w", err)
		}
		return data, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取 %s 失败: %w", path, err)
	}
	return data, nil
}

// Run 运行应用
func (app *Application) Run() error {
	defer app.cancel()

	if err := app.link.Start(app.ctx); err != nil {
		return fmt.Errorf("链路启动失败: %w", err)
	}
	defer app.link.Stop()

	if app.metrics != nil {
		if err := app.metrics.Start(app.ctx); err != nil {
			return fmt.Errorf("监控启动失败: %w", err)
		}
		defer app.metrics.Stop()
	}

	log.Infof("开始传输 %d 字节", len(app.payload))
	if err := app.sender.Offer(app.payload); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(app.ctx)

	g.Go(func() error {
		return app.eventLoop(ctx)
	})

	g.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		select {
		case sig := <-sigChan:
			log.Infof("收到信号 %v，取消传输", sig)
			app.sender.Cancel()
			return fmt.Errorf("被信号 %v 中断", sig)
		case <-ctx.Done():
			return nil
		}
	})

	return g.Wait()
}

// eventLoop 消费传输事件直到终态
func (app *Application) eventLoop(ctx context.Context) error {
	started := time.Now()
	total := int64(len(app.payload))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event := <-app.sender.Events():
			if app.gauges != nil {
				app.gauges.RecordProgress(event.BytesAcked, event.BytesTotal)
			}

			switch event.Type {
			case transfer.EventProgress:
				log.Infof("进度: %s / %s (%.1f%%)",
					formatBytes(uint64(event.BytesAcked)),
					formatBytes(uint64(total)),
					float64(event.BytesAcked)*100/float64(total))

			case transfer.EventFinished:
				if app.gauges != nil {
					app.gauges.RecordFinished()
				}
				elapsed := time.Since(started)
				log.Infof("传输完成: %s 用时 %v (%s/s)",
					formatBytes(uint64(total)), elapsed.Round(time.Millisecond),
					formatBytes(uint64(float64(total)/elapsed.Seconds())))
				app.printStats()
				return nil

			case transfer.EventFailed:
				if app.gauges != nil {
					app.gauges.RecordFailed()
				}
				app.printStats()
				return fmt.Errorf("对端终止或链路故障 (已确认 %s / %s)",
					formatBytes(uint64(event.BytesAcked)), formatBytes(uint64(total)))
			}
		}
	}
}

// printStats 输出会话统计
func (app *Application) printStats() {
	stats := app.sender.Client().Stats()
	log.Infof("会话统计: 发送 %d 段, 重发 %d 段, 确认 %d 段, 超时 %d 次, GAP %d 次",
		stats.SegmentsSent, stats.SegmentsResent, stats.SegmentsAcked,
		stats.Timeouts, stats.GapsReceived)
}

// formatBytes 格式化字节
func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
