// =============================================================================
// 文件: internal/config/config.go
// 描述: 配置管理 - 链路选择、RWCP 参数校验、监控端口冲突检测
// =============================================================================
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// 链路类型
const (
	LinkUDP       = "udp"
	LinkWebSocket = "websocket"
)

// Config 主配置
type Config struct {
	Remote   string `yaml:"remote"`
	Link     string `yaml:"link"`
	LogLevel string `yaml:"log_level"`

	RWCP      RWCPConfig      `yaml:"rwcp"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// RWCPConfig RWCP 协议配置
type RWCPConfig struct {
	// PacketSize 每个 DATA 段的负载上限 (字节)
	PacketSize int `yaml:"packet_size"`

	// Window 会话起始窗口大小
	Window int `yaml:"window"`

	// DebugLogs 每次状态变更后输出调试日志
	DebugLogs bool `yaml:"debug_logs"`
}

// WebSocketConfig WebSocket 链路配置
type WebSocketConfig struct {
	URL             string `yaml:"url"`
	Host            string `yaml:"host"`
	ReadBufferSize  int    `yaml:"read_buffer_size"`
	WriteBufferSize int    `yaml:"write_buffer_size"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Listen      string `yaml:"listen"`
	Path        string `yaml:"path"`
	HealthPath  string `yaml:"health_path"`
	EnablePprof bool   `yaml:"enable_pprof"`
}

// Load 加载配置
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Link:     LinkUDP,
		LogLevel: "info",

		RWCP: RWCPConfig{
			PacketSize: 256,
			Window:     15,
			DebugLogs:  false,
		},

		WebSocket: WebSocketConfig{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
		},

		Metrics: MetricsConfig{
			Enabled:     false,
			Listen:      ":9100",
			Path:        "/metrics",
			HealthPath:  "/health",
			EnablePprof: false,
		},
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch c.Link {
	case LinkUDP:
		if c.Remote == "" {
			return fmt.Errorf("udp 链路需要配置 remote")
		}
		if _, err := parsePort(c.Remote); err != nil {
			return fmt.Errorf("remote 端口格式错误: %w", err)
		}
	case LinkWebSocket:
		if c.WebSocket.URL == "" {
			return fmt.Errorf("websocket 链路需要配置 websocket.url")
		}
	default:
		return fmt.Errorf("无效的链路类型: %s (支持: %s, %s)", c.Link, LinkUDP, LinkWebSocket)
	}

	if c.RWCP.PacketSize < 1 || c.RWCP.PacketSize > 65526 {
		return fmt.Errorf("rwcp.packet_size 需在 1-65526 之间")
	}

	if c.RWCP.Window < 1 || c.RWCP.Window > 32 {
		return fmt.Errorf("rwcp.window 需在 1-32 之间")
	}

	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("无效的日志级别: %s", c.LogLevel)
	}

	if c.Metrics.Enabled {
		metricsPort, err := parsePort(c.Metrics.Listen)
		if err != nil {
			return fmt.Errorf("metrics.listen 端口格式错误: %w", err)
		}
		if c.Link == LinkUDP {
			if remotePort, err := parsePort(c.Remote); err == nil && remotePort == metricsPort {
				if isLoopbackOrEmpty(c.Remote) {
					return fmt.Errorf("metrics.listen 端口 (%d) 与 remote 冲突", metricsPort)
				}
			}
		}
	}

	return nil
}

// parsePort 从 host:port 中取端口
func parsePort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("无效端口: %s", portStr)
	}
	return port, nil
}

// isLoopbackOrEmpty 地址是否指向本机
func isLoopbackOrEmpty(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "" || host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// GenerateExampleConfig 生成示例配置
func GenerateExampleConfig() string {
	return `# 设备固件传输客户端配置

# 对端地址 (udp 链路)
remote: "192.168.1.10:54330"

# 链路类型: udp | websocket
link: "udp"

# 日志级别: debug | info | warn | error
log_level: "info"

rwcp:
  # 每个 DATA 段的负载上限 (字节)，受链路 MTU 约束
  packet_size: 256
  # 会话起始窗口大小 (1-32)
  window: 15
  # 每次状态变更后输出调试日志
  debug_logs: false

# websocket 链路配置 (link: websocket 时生效)
websocket:
  url: "wss://example.com/rwcp"
  host: ""
  read_buffer_size: 32768
  write_buffer_size: 32768

# Prometheus 监控
metrics:
  enabled: false
  listen: ":9100"
  path: "/metrics"
  health_path: "/health"
  enable_pprof: false
`
}

// WriteExampleConfig 把示例配置写入文件
func WriteExampleConfig(path string) error {
	return os.WriteFile(path, []byte(GenerateExampleConfig()), 0644)
}
