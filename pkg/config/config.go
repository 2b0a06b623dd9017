package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 是 provider 进程的完整配置。启动时加载一次，之后只读，
// 按值传给需要的组件（没有进程级可变全局配置）。
type Config struct {
	Provider ProviderConfig `yaml:"provider"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Tickets  TicketConfig   `yaml:"tickets"`
	Bus      BusConfig      `yaml:"bus"`
	Store    StoreConfig    `yaml:"store"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
}

// ProviderConfig provider 标识与分片
type ProviderConfig struct {
	Name         string        `yaml:"name"`         // provider 标识，例如 betika
	Shard        int           `yaml:"shard"`        // 分片编号
	ScanInterval time.Duration `yaml:"scanInterval"` // 票据巡检周期
}

// GatewayConfig 网关连接池配置
type GatewayConfig struct {
	URL             string        `yaml:"url"`             // wss 网关地址
	BasePath        string        `yaml:"basePath"`        // 请求 basePath
	MinConnections  int           `yaml:"minConnections"`  // 连接池最小连接数
	MaxConnections  int           `yaml:"maxConnections"`  // 连接池最大连接数
	MaxUsersPerConn int           `yaml:"maxUsersPerConn"` // 单连接最大附加用户数
	IdleTimeout     time.Duration `yaml:"idleTimeout"`     // 读空闲超时，触发存活探测
	ProbeTimeout    time.Duration `yaml:"probeTimeout"`    // ping 探测超时
	DialBackoff     time.Duration `yaml:"dialBackoff"`     // 初次拨号失败的重试间隔
	SyncInterval    time.Duration `yaml:"syncInterval"`    // 会话 SYNC 保活周期
}

// TicketConfig 票据提交配置
type TicketConfig struct {
	SubmitInterval time.Duration `yaml:"submitInterval"` // 单用户连续提交的最小间隔
	SentDeadline   time.Duration `yaml:"sentDeadline"`   // SENT 状态的看门狗窗口
	RetryCodes     []int         `yaml:"retryCodes"`     // 可重试的上游错误码
}

// BusConfig 控制总线（redis pub/sub）配置
type BusConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StoreConfig 持久化配置
type StoreConfig struct {
	Path string `yaml:"path"` // sqlite 文件路径
}

// AuthConfig 上游认证接口配置
type AuthConfig struct {
	BaseURL   string `yaml:"baseURL"`   // 上游站点 HTTP 地址
	CachePath string `yaml:"cachePath"` // 凭证缓存（badger）目录
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level"`
	OutputFile string `yaml:"outputFile"`
	MaxSize    int    `yaml:"maxSize"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAge     int    `yaml:"maxAge"`
	Compress   bool   `yaml:"compress"`
}

// DefaultConfig 返回内置默认值，字段与原始部署保持一致
func DefaultConfig() Config {
	return Config{
		Provider: ProviderConfig{
			Name:         "betika",
			Shard:        0,
			ScanInterval: 3500 * time.Millisecond,
		},
		Gateway: GatewayConfig{
			URL:             "wss://virtual-proxy.golden-race.net:9443/vs",
			BasePath:        "/api/client/v0.1",
			MinConnections:  5,
			MaxConnections:  10,
			MaxUsersPerConn: 10,
			IdleTimeout:     40 * time.Second,
			ProbeTimeout:    20 * time.Second,
			DialBackoff:     30 * time.Second,
			SyncInterval:    30 * time.Second,
		},
		Tickets: TicketConfig{
			SubmitInterval: 0,
			SentDeadline:   5 * time.Second,
			RetryCodes:     []int{604, 500},
		},
		Bus: BusConfig{
			Addr: "localhost:6379",
		},
		Store: StoreConfig{
			Path: "data/vbet.db",
		},
		Auth: AuthConfig{
			CachePath: "data/credentials",
		},
		Log: LogConfig{
			Level:      "info",
			OutputFile: "logs/vbetd.log",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
			Compress:   true,
		},
	}
}

// Load 从 YAML 文件加载配置，文件缺失字段使用默认值，
// 再用环境变量覆盖（VBET_PROVIDER, VBET_SHARD, VBET_REDIS_ADDR）。
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("解析配置文件失败: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("VBET_PROVIDER"); v != "" {
		cfg.Provider.Name = v
	}
	if v := os.Getenv("VBET_SHARD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Provider.Shard = n
		}
	}
	if v := os.Getenv("VBET_REDIS_ADDR"); v != "" {
		cfg.Bus.Addr = v
	}
	if v := os.Getenv("VBET_GATEWAY_URL"); v != "" {
		cfg.Gateway.URL = v
	}
}

// Validate 检查配置的基本约束
func (c Config) Validate() error {
	if c.Provider.Name == "" {
		return fmt.Errorf("provider.name 不能为空")
	}
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url 不能为空")
	}
	if c.Gateway.MinConnections < 0 || c.Gateway.MaxConnections < c.Gateway.MinConnections {
		return fmt.Errorf("连接池配置非法: min=%d max=%d",
			c.Gateway.MinConnections, c.Gateway.MaxConnections)
	}
	if c.Gateway.MaxUsersPerConn <= 0 {
		return fmt.Errorf("gateway.maxUsersPerConn 必须大于 0")
	}
	if c.Tickets.SentDeadline <= 0 {
		return fmt.Errorf("tickets.sentDeadline 必须大于 0")
	}
	return nil
}

// ServerName 返回 provider 进程注册名，格式 {provider}_{shard}
func (c Config) ServerName() string {
	return fmt.Sprintf("%s_%d", c.Provider.Name, c.Provider.Shard)
}

// ChannelName 返回控制总线订阅主题，格式 {provider}_{shard}_live
func (c Config) ChannelName() string {
	return fmt.Sprintf("%s_%d_live", c.Provider.Name, c.Provider.Shard)
}
