package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Upstream       UpstreamConfig       `mapstructure:"upstream"`
	Models         ModelsConfig         `mapstructure:"models"`
	SignatureCache SignatureCacheConfig `mapstructure:"signature_cache"`
	LoadBalancer   LoadBalancerConfig   `mapstructure:"load_balancer"`
	Retry          RetryConfig          `mapstructure:"retry"`
	Compression    CompressionConfig    `mapstructure:"compression"`
	Accounts       AccountsConfig       `mapstructure:"accounts"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Log            LogConfig            `mapstructure:"log"`
}

// ServerConfig 监听配置
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr 返回监听地址
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// UpstreamConfig 上游服务配置
type UpstreamConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	TokenURL       string        `mapstructure:"token_url"`        // OAuth2 token 端点
	ClientID       string        `mapstructure:"client_id"`        // installed-app 凭据
	ClientSecret   string        `mapstructure:"client_secret"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`  // 单次上游请求超时
	SignatureGroup string        `mapstructure:"signature_group"`  // 为空时按模型族推导
}

// ModelsConfig 模型路由配置
type ModelsConfig struct {
	Default  string            `mapstructure:"default"`  // 兜底模型
	Mappings map[string]string `mapstructure:"mappings"` // 自定义映射，支持 * 通配
	Limits   map[string]int    `mapstructure:"limits"`   // 每模型上下文窗口覆盖
}

// SignatureCacheConfig 思考签名缓存配置
type SignatureCacheConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	MaxEntries      int           `mapstructure:"max_entries"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"` // 0 关闭后台清理
}

// LoadBalancerConfig 账号负载均衡配置
type LoadBalancerConfig struct {
	Strategy                 string        `mapstructure:"strategy"` // roundRobin, fillFirst
	DefaultRateLimitDuration time.Duration `mapstructure:"default_rate_limit_duration"`
}

// RetryConfig 认证重试配置
type RetryConfig struct {
	MaxAuthRetries   int  `mapstructure:"max_auth_retries"`
	AutoRefreshToken bool `mapstructure:"auto_refresh_token"`
}

// CompressionConfig 上下文压缩配置
type CompressionConfig struct {
	Layer1Threshold    float64 `mapstructure:"layer1_threshold"` // 工具轮裁剪
	Layer2Threshold    float64 `mapstructure:"layer2_threshold"` // 思考文本压缩
	Layer3Threshold    float64 `mapstructure:"layer3_threshold"` // 分叉锚点
	KeepLastToolRounds int     `mapstructure:"keep_last_tool_rounds"`
	ProtectedLastN     int     `mapstructure:"protected_last_n"`
}

// AccountsConfig 账号存储配置
type AccountsConfig struct {
	Path  string `mapstructure:"path"`
	Watch bool   `mapstructure:"watch"` // fsnotify 热加载
}

// DatabaseConfig 用量数据库配置
type DatabaseConfig struct {
	Type string `mapstructure:"type"` // sqlite, postgres
	DSN  string `mapstructure:"dsn"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load 加载配置
func Load() (*Config, error) {
	v := viper.New()

	// 设置默认值
	setDefaults(v)

	// ─── 分层配置加载 ───
	// 优先级 (低 → 高): 默认值 → 全局 ~/.gravitygate/ → 项目本地 → 环境变量
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Layer 1: 全局配置 ~/.gravitygate/config.yaml
	v.AddConfigPath(globalDir())
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read global config: %w", err)
		}
	}

	// Layer 2: 项目本地配置，用 MergeConfigMap 叠加
	for _, localDir := range []string{"./config", "."} {
		localPath := filepath.Join(localDir, "config.yaml")
		if _, err := os.Stat(localPath); err == nil {
			v2 := viper.New()
			v2.SetConfigFile(localPath)
			if err := v2.ReadInConfig(); err == nil {
				_ = v.MergeConfigMap(v2.AllSettings())
			}
			break // 只取第一个找到的本地配置
		}
	}

	// 环境变量覆盖，如 GRAVITYGATE_SERVER_PORT
	v.SetEnvPrefix("GRAVITYGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Accounts.Path = ExpandHome(cfg.Accounts.Path)
	if cfg.Database.Type == "sqlite" {
		cfg.Database.DSN = ExpandHome(cfg.Database.DSN)
	}

	return &cfg, nil
}

// setDefaults 设置默认配置
func setDefaults(v *viper.Viper) {
	// Server 默认值
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8045)

	// Upstream 默认值
	v.SetDefault("upstream.base_url", "https://cloudcode-pa.googleapis.com/v1internal")
	v.SetDefault("upstream.token_url", "https://oauth2.googleapis.com/token")
	v.SetDefault("upstream.request_timeout", "300s")
	v.SetDefault("upstream.signature_group", "")

	// Models 默认值
	v.SetDefault("models.default", "gemini-3-flash")

	// SignatureCache 默认值
	v.SetDefault("signature_cache.ttl", "1h")
	v.SetDefault("signature_cache.max_entries", 10000)
	v.SetDefault("signature_cache.cleanup_interval", "5m")

	// LoadBalancer 默认值
	v.SetDefault("load_balancer.strategy", "roundRobin")
	v.SetDefault("load_balancer.default_rate_limit_duration", "1m")

	// Retry 默认值
	v.SetDefault("retry.max_auth_retries", 1)
	v.SetDefault("retry.auto_refresh_token", true)

	// Compression 默认值
	v.SetDefault("compression.layer1_threshold", 60.0)
	v.SetDefault("compression.layer2_threshold", 75.0)
	v.SetDefault("compression.layer3_threshold", 90.0)
	v.SetDefault("compression.keep_last_tool_rounds", 5)
	v.SetDefault("compression.protected_last_n", 4)

	// Accounts 默认值
	v.SetDefault("accounts.path", "~/.gravitygate/accounts.yaml")
	v.SetDefault("accounts.watch", true)

	// Database 默认值
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", "~/.gravitygate/usage.db")

	// Log 默认值
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// globalDir 返回全局配置目录 ~/.gravitygate
func globalDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".gravitygate")
}

// ExpandHome 展开路径中的 ~ 前缀
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(path, "~"), "/"))
	}
	return path
}
