package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Log        LogConfig        `mapstructure:"log"`
	Escalation EscalationConfig `mapstructure:"escalation"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Notify     NotifyConfig     `mapstructure:"notify"`
}

// ServerConfig HTTP 服务器配置
type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	Mode         string `mapstructure:"mode"` // debug, release, test
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"dbname"`
	SSLMode         string `mapstructure:"sslmode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"` // 秒
	AutoMigrate     bool   `mapstructure:"auto_migrate"`      // 是否自动迁移表结构
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 连接模式: standalone(单节点), sentinel(哨兵), cluster(集群)
	Mode string `mapstructure:"mode"`

	// 单节点模式配置
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	// 哨兵模式配置
	MasterName       string   `mapstructure:"master_name"`       // 主节点名称
	SentinelAddrs    []string `mapstructure:"sentinel_addrs"`    // 哨兵地址列表
	SentinelPassword string   `mapstructure:"sentinel_password"` // 哨兵密码（可选）

	// 集群模式配置
	ClusterAddrs []string `mapstructure:"cluster_addrs"` // 集群节点地址列表

	// 通用配置
	PoolSize     int `mapstructure:"pool_size"`      // 连接池大小
	MinIdleConns int `mapstructure:"min_idle_conns"` // 最小空闲连接数
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, /path/to/log
}

// EscalationConfig 超时升级扫描配置
type EscalationConfig struct {
	Enabled         bool `mapstructure:"enabled"`          // 是否启动进程内调度器
	IntervalMinutes int  `mapstructure:"interval_minutes"` // 扫描间隔（分钟），默认 5
}

// NotifyConfig 审批结果通知配置
type NotifyConfig struct {
	WebhookURL     string `mapstructure:"webhook_url"`     // 为空时仅记录日志
	TimeoutSeconds int    `mapstructure:"timeout_seconds"` // 请求超时（秒），默认 10
	Retries        int    `mapstructure:"retries"`         // 失败重试次数，默认 2
}

// WorkerConfig 异步任务 worker 配置
type WorkerConfig struct {
	Enabled     bool `mapstructure:"enabled"`     // 是否随服务启动 worker
	Concurrency int  `mapstructure:"concurrency"` // 并发 worker 数，默认 10
}

var globalConfig *Config

// Load 加载配置
// env: 环境名称（dev, prod, test）
// configPath: 配置文件路径（可选）
func Load(env string, configPath string) (*Config, error) {
	v := viper.New()

	// 设置配置文件名和路径
	if configPath == "" {
		v.SetConfigName(env) // dev.yaml, prod.yaml
		v.AddConfigPath("./config")
		v.AddConfigPath("../config")
		v.AddConfigPath("../../config")
	} else {
		v.SetConfigFile(configPath)
	}

	v.SetConfigType("yaml")

	// 读取环境变量（优先级高于配置文件）
	v.SetEnvPrefix("APP") // 环境变量前缀：APP_
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // 支持嵌套配置：APP_DATABASE_HOST

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	// 解析配置
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	globalConfig = &cfg
	return &cfg, nil
}

// Get 获取全局配置
func Get() *Config {
	if globalConfig == nil {
		panic("配置未初始化，请先调用 Load()")
	}
	return globalConfig
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}
