// Package config 统一配置管理
//
// 配置加载策略：
//  1. 从 .env 加载敏感信息（API Key、JWT 密钥）和 APP_ENV
//  2. 根据 APP_ENV 加载对应的 configs/{env}.yaml 配置文件
//  3. 环境变量可覆盖 YAML 配置
//
// 使用方式：
//   - 开发环境: APP_ENV=dev (默认)
//   - 测试环境: APP_ENV=test
//   - 生产环境: APP_ENV=prod
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test"
	EnvDevelopment Environment = "dev"
)

// YAMLConfig YAML 配置文件结构
type YAMLConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	MinIO     MinIOConfig     `yaml:"minio"`
	Registry  RegistryConfig  `yaml:"registry"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Providers ProvidersConfig `yaml:"providers"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Port string `yaml:"port"`
}

// DatabaseConfig 数据库配置
//
// Driver 为 sqlite 时 DSN 是文件路径（或 :memory:），
// 为 postgres 时是标准连接串。
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// RedisConfig Redis 配置（事件回放流）
type RedisConfig struct {
	Addr string `yaml:"addr"`
	DB   int    `yaml:"db"`
}

// MinIOConfig 对象存储配置（文件片段 blob）
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// RegistryConfig 注册表配置
type RegistryConfig struct {
	// AgentsFile Agent 配置文件路径
	AgentsFile string `yaml:"agents_file"`

	// McpServersFile MCP 服务配置文件路径
	McpServersFile string `yaml:"mcp_servers_file"`
}

// LifecycleConfig 生命周期/协调循环配置
type LifecycleConfig struct {
	// ReconcileInterval 协调周期
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`

	// MaxConcurrentStarts 单个周期内的最大并发启动数
	MaxConcurrentStarts int `yaml:"max_concurrent_starts"`

	// GracefulWait TERM 之后到 KILL 的等待时长
	GracefulWait time.Duration `yaml:"graceful_wait"`

	// PortReleaseAttempts 端口释放等待次数
	PortReleaseAttempts int `yaml:"port_release_attempts"`

	// PortReleaseDelay 每次端口释放等待的间隔
	PortReleaseDelay time.Duration `yaml:"port_release_delay"`

	// HealthProbeTimeout 健康探测超时（硬上限）
	HealthProbeTimeout time.Duration `yaml:"health_probe_timeout"`

	// HealthFailureThreshold 连续失败多少次后请求重启
	HealthFailureThreshold int `yaml:"health_failure_threshold"`
}

// ProvidersConfig 模型提供商配置
type ProvidersConfig struct {
	Anthropic ProviderKeyConfig `yaml:"anthropic"`
	OpenAI    ProviderKeyConfig `yaml:"openai"`
	Gemini    ProviderKeyConfig `yaml:"gemini"`

	// Timeout 单次请求超时
	Timeout time.Duration `yaml:"timeout"`
}

// ProviderKeyConfig 单个提供商配置
type ProviderKeyConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// Config 应用配置（最终使用的配置）
type Config struct {
	Env       Environment
	APIPort   string
	JWTSecret string
	Database  DatabaseConfig
	Redis     RedisConfig
	MinIO     MinIOConfig
	Registry  RegistryConfig
	Lifecycle LifecycleConfig
	Providers ProvidersConfig
}

var configPaths = []string{
	"configs",
	"../configs",
	"../../configs",
	"../../../configs",
}

var envPaths = []string{
	".env",
	"../.env",
	"../../.env",
}

// Load 加载配置
func Load() *Config {
	for _, p := range envPaths {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
			break
		}
	}

	env := Environment(getEnv("APP_ENV", string(EnvDevelopment)))

	yc := loadYAML(env)
	applyDefaults(yc)

	cfg := &Config{
		Env:       env,
		APIPort:   getEnv("API_PORT", yc.Server.Port),
		JWTSecret: getEnv("JWT_SECRET", "dev-secret"),
		Database:  yc.Database,
		Redis:     yc.Redis,
		MinIO:     yc.MinIO,
		Registry:  yc.Registry,
		Lifecycle: yc.Lifecycle,
		Providers: yc.Providers,
	}

	// 环境变量覆盖
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Providers.Anthropic.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.Providers.Gemini.APIKey = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinIO.AccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinIO.SecretKey = v
	}
	if v := os.Getenv("RECONCILE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Lifecycle.ReconcileInterval = d
		}
	}

	return cfg
}

// loadYAML 按环境加载 YAML 配置文件；找不到文件时返回零值（走默认值）
func loadYAML(env Environment) *YAMLConfig {
	yc := &YAMLConfig{}
	name := fmt.Sprintf("%s.yaml", env)
	for _, dir := range configPaths {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, yc); err == nil {
			return yc
		}
	}
	return yc
}

// applyDefaults 填充缺省配置
func applyDefaults(yc *YAMLConfig) {
	if yc.Server.Port == "" {
		yc.Server.Port = "8080"
	}
	if yc.Database.Driver == "" {
		yc.Database.Driver = "sqlite"
	}
	if yc.Database.DSN == "" {
		yc.Database.DSN = "file:agents.db?cache=shared&mode=rwc"
	}
	if yc.Redis.Addr == "" {
		yc.Redis.Addr = "localhost:6379"
	}
	if yc.Registry.AgentsFile == "" {
		yc.Registry.AgentsFile = "configs/agents.yaml"
	}
	if yc.Registry.McpServersFile == "" {
		yc.Registry.McpServersFile = "configs/mcp_servers.yaml"
	}
	if yc.Lifecycle.ReconcileInterval <= 0 {
		yc.Lifecycle.ReconcileInterval = 30 * time.Second
	}
	if yc.Lifecycle.MaxConcurrentStarts <= 0 {
		yc.Lifecycle.MaxConcurrentStarts = 4
	}
	if yc.Lifecycle.GracefulWait <= 0 {
		yc.Lifecycle.GracefulWait = 500 * time.Millisecond
	}
	if yc.Lifecycle.PortReleaseAttempts <= 0 {
		yc.Lifecycle.PortReleaseAttempts = 10
	}
	if yc.Lifecycle.PortReleaseDelay <= 0 {
		yc.Lifecycle.PortReleaseDelay = 200 * time.Millisecond
	}
	if yc.Lifecycle.HealthProbeTimeout <= 0 {
		yc.Lifecycle.HealthProbeTimeout = 500 * time.Millisecond
	}
	if yc.Lifecycle.HealthFailureThreshold <= 0 {
		yc.Lifecycle.HealthFailureThreshold = 3
	}
	if yc.Providers.Timeout <= 0 {
		yc.Providers.Timeout = 120 * time.Second
	}
}

// String 返回脱敏后的配置摘要
func (c *Config) String() string {
	return fmt.Sprintf("env=%s port=%s db=%s redis=%s agents=%s",
		c.Env, c.APIPort, c.Database.Driver, c.Redis.Addr, c.Registry.AgentsFile)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
