package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Database   DatabaseConfig   `yaml:"database" mapstructure:"database"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Platforms  PlatformsConfig  `yaml:"platforms" mapstructure:"platforms"`
	AI         AIConfig         `yaml:"ai" mapstructure:"ai"`
	Automation AutomationConfig `yaml:"automation" mapstructure:"automation"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Security   SecurityConfig   `yaml:"security" mapstructure:"security"`
	JWT        JWTConfig        `yaml:"jwt" mapstructure:"jwt"`
}

// JWTConfig 实时通道的访问令牌；secret 为空时拒绝所有连接
type JWTConfig struct {
	Secret string        `yaml:"secret" mapstructure:"secret"`
	TTL    time.Duration `yaml:"ttl" mapstructure:"ttl"`
}

type ServerConfig struct {
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host" mapstructure:"host"`
	Port            int           `yaml:"port" mapstructure:"port"`
	User            string        `yaml:"user" mapstructure:"user"`
	Password        string        `yaml:"password" mapstructure:"password"`
	Name            string        `yaml:"name" mapstructure:"name"`
	SSLMode         string        `yaml:"ssl_mode" mapstructure:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

// DSN 返回 postgres 连接串
func (d DatabaseConfig) DSN() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
		d.Host, d.User, d.Password, d.Name, d.Port, sslMode)
}

// RedisConfig 可选；Enabled=false 时投递去重只依赖数据库唯一索引
type RedisConfig struct {
	Enabled     bool          `yaml:"enabled" mapstructure:"enabled"`
	Host        string        `yaml:"host" mapstructure:"host"`
	Port        int           `yaml:"port" mapstructure:"port"`
	Password    string        `yaml:"password" mapstructure:"password"`
	DB          int           `yaml:"db" mapstructure:"db"`
	PoolSize    int           `yaml:"pool_size" mapstructure:"pool_size"`
	DialTimeout time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`
	DeliveryTTL time.Duration `yaml:"delivery_ttl" mapstructure:"delivery_ttl"`
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type PlatformsConfig struct {
	Facebook  PlatformConfig `yaml:"facebook" mapstructure:"facebook"`
	Instagram PlatformConfig `yaml:"instagram" mapstructure:"instagram"`
	Graph     GraphConfig    `yaml:"graph" mapstructure:"graph"`
}

type PlatformConfig struct {
	AppSecret   string `yaml:"app_secret" mapstructure:"app_secret"`
	VerifyToken string `yaml:"verify_token" mapstructure:"verify_token"`
}

// GraphConfig 出站 Graph API 客户端配置
type GraphConfig struct {
	FacebookBaseURL  string        `yaml:"facebook_base_url" mapstructure:"facebook_base_url"`
	InstagramBaseURL string        `yaml:"instagram_base_url" mapstructure:"instagram_base_url"`
	APIVersion       string        `yaml:"api_version" mapstructure:"api_version"`
	Timeout          time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxRetries       int           `yaml:"max_retries" mapstructure:"max_retries"`
	RetryDelay       time.Duration `yaml:"retry_delay" mapstructure:"retry_delay"`
	RateLimit        float64       `yaml:"rate_limit" mapstructure:"rate_limit"` // requests per second
	RateBurst        int           `yaml:"rate_burst" mapstructure:"rate_burst"`
}

type AIConfig struct {
	OpenAI         ProviderConfig       `yaml:"openai" mapstructure:"openai"`
	Anthropic      ProviderConfig       `yaml:"anthropic" mapstructure:"anthropic"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" mapstructure:"circuit_breaker"`
}

type ProviderConfig struct {
	APIKey  string        `yaml:"api_key" mapstructure:"api_key"`
	BaseURL string        `yaml:"base_url" mapstructure:"base_url"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

type CircuitBreakerConfig struct {
	Enabled         bool          `yaml:"enabled" mapstructure:"enabled"`
	MaxFailures     int           `yaml:"max_failures" mapstructure:"max_failures"`
	ResetTimeout    time.Duration `yaml:"reset_timeout" mapstructure:"reset_timeout"`
	HalfOpenMaxReqs int           `yaml:"half_open_max_requests" mapstructure:"half_open_max_requests"`
}

// AutomationConfig 漏斗/机器人流水线配置
type AutomationConfig struct {
	SweepSchedule    string        `yaml:"sweep_schedule" mapstructure:"sweep_schedule"` // cron 表达式，例如 "@every 1m"
	SweepBatchSize   int           `yaml:"sweep_batch_size" mapstructure:"sweep_batch_size"`
	StageTimeout     time.Duration `yaml:"stage_timeout" mapstructure:"stage_timeout"`
	SendTimeout      time.Duration `yaml:"send_timeout" mapstructure:"send_timeout"`
	MaxResponseDelay time.Duration `yaml:"max_response_delay" mapstructure:"max_response_delay"`
	// AsyncStages 为 true 时 webhook 在消息落库后即确认，自动化阶段在后台执行
	AsyncStages      bool          `yaml:"async_stages" mapstructure:"async_stages"`
}

type LogConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"` // json, text
	Output     string `yaml:"output" mapstructure:"output"` // stdout, file, both
	FilePath   string `yaml:"file_path" mapstructure:"file_path"`
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size"`       // MB
	MaxAge     int    `yaml:"max_age" mapstructure:"max_age"`         // days
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"` // number of backup files
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

type MonitoringConfig struct {
	Enabled     bool          `yaml:"enabled" mapstructure:"enabled"`
	MetricsPath string        `yaml:"metrics_path" mapstructure:"metrics_path"`
	Tracing     TracingConfig `yaml:"tracing" mapstructure:"tracing"`
}

// TracingConfig OpenTelemetry 追踪配置
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" mapstructure:"enabled"`
	Endpoint    string  `yaml:"endpoint" mapstructure:"endpoint"`         // OTLP gRPC 端点，例如 http://otel-collector:4317
	Insecure    bool    `yaml:"insecure" mapstructure:"insecure"`         // 是否使用明文（本地/开发）
	SampleRatio float64 `yaml:"sample_ratio" mapstructure:"sample_ratio"` // 采样率 0.0~1.0
	ServiceName string  `yaml:"service_name" mapstructure:"service_name"`
}

type SecurityConfig struct {
	RateLimiting        RateLimitingConfig `yaml:"rate_limiting" mapstructure:"rate_limiting"`
	WebhookMaxBodyBytes int64              `yaml:"webhook_max_body_bytes" mapstructure:"webhook_max_body_bytes"`
}

type RateLimitingConfig struct {
	Enabled           bool                  `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int                   `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	Burst             int                   `yaml:"burst" mapstructure:"burst"`
	Paths             []PathRateLimitConfig `yaml:"paths" mapstructure:"paths"`
	WhitelistIPs      []string              `yaml:"whitelist_ips" mapstructure:"whitelist_ips"`
}

// PathRateLimitConfig 按路径前缀覆盖全局限流
type PathRateLimitConfig struct {
	Enabled           bool   `yaml:"enabled" mapstructure:"enabled"`
	Prefix            string `yaml:"prefix" mapstructure:"prefix"`
	RequestsPerMinute int    `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	Burst             int    `yaml:"burst" mapstructure:"burst"`
}

// Load 从 viper 读取配置，缺省字段回落到 GetDefaultConfig
func Load() *Config {
	config := GetDefaultConfig()
	if err := viper.Unmarshal(config); err != nil {
		panic(err)
	}
	return config
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "inboxflow",
			SSLMode:         "disable",
			MaxOpenConns:    50,
			MaxIdleConns:    10,
			ConnMaxLifetime: 3600 * time.Second,
		},
		Redis: RedisConfig{
			Enabled:     false,
			Host:        "localhost",
			Port:        6379,
			PoolSize:    10,
			DialTimeout: 2 * time.Second,
			DeliveryTTL: 24 * time.Hour,
		},
		Platforms: PlatformsConfig{
			Graph: GraphConfig{
				FacebookBaseURL:  "https://graph.facebook.com",
				InstagramBaseURL: "https://graph.instagram.com",
				APIVersion:       "v18.0",
				Timeout:          10 * time.Second,
				MaxRetries:       2,
				RetryDelay:       500 * time.Millisecond,
				RateLimit:        20,
				RateBurst:        40,
			},
		},
		AI: AIConfig{
			OpenAI: ProviderConfig{
				BaseURL: "https://api.openai.com/v1",
				Timeout: 30 * time.Second,
			},
			Anthropic: ProviderConfig{
				BaseURL: "https://api.anthropic.com",
				Timeout: 30 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:         true,
				MaxFailures:     5,
				ResetTimeout:    60 * time.Second,
				HalfOpenMaxReqs: 3,
			},
		},
		Automation: AutomationConfig{
			SweepSchedule:    "@every 1m",
			SweepBatchSize:   200,
			StageTimeout:     20 * time.Second,
			SendTimeout:      15 * time.Second,
			MaxResponseDelay: 10 * time.Minute,
			AsyncStages:      true,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "./logs/inboxflow.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Enabled:     true,
			MetricsPath: "/metrics",
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "inboxflow",
			},
		},
		Security: SecurityConfig{
			RateLimiting: RateLimitingConfig{
				Enabled:           true,
				RequestsPerMinute: 600,
				Burst:             100,
			},
			WebhookMaxBodyBytes: 1 << 20,
		},
		JWT: JWTConfig{
			TTL: 24 * time.Hour,
		},
	}
}
