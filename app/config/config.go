package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	JWT        JWTConfig        `mapstructure:"jwt"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Generation GenerationConfig `mapstructure:"generation"`
	Poller     PollerConfig     `mapstructure:"poller"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	Reconcile  ReconcileConfig  `mapstructure:"reconcile"`
	OpenAI     OpenAIConfig     `mapstructure:"openai"`
	Blob       BlobConfig       `mapstructure:"blob"`
}

type ServerConfig struct {
	Port    string `mapstructure:"port"`
	Mode    string `mapstructure:"mode"`    // gin 运行模式: debug, release, test
	Metrics bool   `mapstructure:"metrics"` // 是否暴露 /metrics
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`      // json 或 text
	Output     string `mapstructure:"output"`      // stdout 或 file
	File       string `mapstructure:"file"`        // output 为 file 时的日志路径
	MaxSize    int    `mapstructure:"max_size"`    // 兆字节
	MaxBackups int    `mapstructure:"max_backups"` // 备份数量
	MaxAge     int    `mapstructure:"max_age"`     // 天数
	Compress   bool   `mapstructure:"compress"`    // 是否压缩旧文件
}

type JWTConfig struct {
	Secret     string `mapstructure:"secret"`      // JWT 密钥，与身份提供方共享
	ExpireTime int    `mapstructure:"expire_time"` // 过期时间（小时）
	Issuer     string `mapstructure:"issuer"`      // 签发者
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"` // sqlite 文件路径
}

// EndpointConfig 单个生成模式对应的任务服务地址与令牌
type EndpointConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AuthToken string `mapstructure:"auth_token"`
}

type GenerationConfig struct {
	Modes          map[string]EndpointConfig `mapstructure:"modes"`
	RequestTimeout time.Duration             `mapstructure:"request_timeout"`
}

type PollerConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	MaxRetries  int           `mapstructure:"max_retries"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
}

type WebhookConfig struct {
	Secret          string        `mapstructure:"secret"` // 为空时不校验签名
	TTL             time.Duration `mapstructure:"ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	StreamInterval  time.Duration `mapstructure:"stream_interval"`
}

type ReconcileConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Schedule   string        `mapstructure:"schedule"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
	BatchSize  int           `mapstructure:"batch_size"`
}

type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
}

type BlobConfig struct {
	Dir         string `mapstructure:"dir"`
	BaseURL     string `mapstructure:"base_url"`
	MaxUploadMB int    `mapstructure:"max_upload_mb"`
}

// Endpoint 查找模式对应的端点配置
func (g GenerationConfig) Endpoint(mode string) (EndpointConfig, bool) {
	ep, ok := g.Modes[strings.ToLower(mode)]
	if !ok || ep.Endpoint == "" {
		return EndpointConfig{}, false
	}
	return ep, true
}

func Load() *Config {
	v := viper.GetViper()
	setDefaults(v)

	// 读取配置
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("未找到配置文件，使用默认配置")
		} else {
			log.Fatalf("读取配置文件出错: %v", err)
		}
	}

	config, err := Parse(v)
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}
	return config
}

// Parse 从 viper 实例解码并验证配置
func Parse(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解码配置: %w", err)
	}

	// 模式名统一小写，环境变量覆盖时大小写不一
	modes := make(map[string]EndpointConfig, len(config.Generation.Modes))
	for name, ep := range config.Generation.Modes {
		modes[strings.ToLower(name)] = ep
	}
	config.Generation.Modes = modes

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}
	return &config, nil
}

// setDefaults 设置默认配置
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "5000")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.metrics", true)

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file", "data/logs/app.log")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("log.compress", true)

	// JWT默认配置
	v.SetDefault("jwt.secret", "your-secret-key-change-in-production")
	v.SetDefault("jwt.expire_time", 24) // 24小时
	v.SetDefault("jwt.issuer", "print-studio")

	v.SetDefault("database.path", "data/print-studio.db")

	v.SetDefault("generation.request_timeout", 30*time.Second)

	// 轮询默认与前端保持一致：5 秒一次
	v.SetDefault("poller.interval", 5*time.Second)
	v.SetDefault("poller.max_retries", 3)
	v.SetDefault("poller.backoff_base", time.Second)
	v.SetDefault("poller.backoff_max", 30*time.Second)

	v.SetDefault("webhook.ttl", 30*time.Minute)
	v.SetDefault("webhook.cleanup_interval", 5*time.Minute)
	v.SetDefault("webhook.stream_interval", time.Second)

	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.schedule", "@every 1m")
	v.SetDefault("reconcile.stale_after", 2*time.Minute)
	v.SetDefault("reconcile.batch_size", 20)

	v.SetDefault("openai.model", "gpt-4o")

	v.SetDefault("blob.dir", "data/blobs")
	v.SetDefault("blob.base_url", "/blobs")
	v.SetDefault("blob.max_upload_mb", 20)
}

// validateConfig 验证配置的有效性
func validateConfig(config *Config) error {
	if config.Server.Port == "" {
		return fmt.Errorf("服务器端口未设置")
	}
	if config.JWT.Secret == "" {
		return fmt.Errorf("JWT密钥未设置")
	}
	if config.Poller.Interval <= 0 {
		return fmt.Errorf("轮询间隔必须大于0")
	}
	if config.Poller.MaxRetries < 0 {
		return fmt.Errorf("轮询重试次数不能为负数")
	}
	if config.Webhook.StreamInterval <= 0 {
		return fmt.Errorf("webhook 推送间隔必须大于0")
	}
	for name, ep := range config.Generation.Modes {
		if ep.Endpoint != "" && !strings.HasPrefix(ep.Endpoint, "http") {
			return fmt.Errorf("模式 %s 的端点地址无效: %s", name, ep.Endpoint)
		}
	}
	return nil
}
