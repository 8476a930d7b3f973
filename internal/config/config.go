package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`
	Audit    AuditConfig    `mapstructure:"audit"`
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

// RedisConfig Redis 配置（asynq 队列与登录失败计数共用）
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`      // 连接池大小
	MinIdleConns int    `mapstructure:"min_idle_conns"` // 最小空闲连接数
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, /path/to/log
}

// AuditConfig 审计链配置
type AuditConfig struct {
	// 封存：超过该时长的未封存记录进入封存流程
	SealAfter     string `mapstructure:"seal_after"`      // 如 "24h"
	SealBatchSize int    `mapstructure:"seal_batch_size"` // 单批封存条数

	// 归档与删除：按天计算的保留门槛
	ArchiveAfterDays int    `mapstructure:"archive_after_days"` // 默认 365
	DeleteAfterDays  int    `mapstructure:"delete_after_days"`  // 默认 730
	ArchivePath      string `mapstructure:"archive_path"`       // 归档文件根目录
	CompressLevel    int    `mapstructure:"compress_level"`     // gzip 压缩级别 (1-9)

	// 写入路径：链尾 CAS 失败后的重试策略
	LockMaxRetries   int    `mapstructure:"lock_max_retries"`
	LockRetryBackoff string `mapstructure:"lock_retry_backoff"` // 如 "50ms"

	// 登录异常检测
	LoginFailureThreshold int    `mapstructure:"login_failure_threshold"` // 同一来源失败次数阈值
	LoginFailureWindow    string `mapstructure:"login_failure_window"`    // 滑动窗口，如 "15m"

	// 后台任务调度（cron 表达式，交由 asynq Scheduler 解释）
	SealCron    string `mapstructure:"seal_cron"`
	ArchiveCron string `mapstructure:"archive_cron"`
	SweepCron   string `mapstructure:"sweep_cron"`
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

	cfg.Audit.applyDefaults()

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

// applyDefaults 为未配置的审计参数填充默认值
func (c *AuditConfig) applyDefaults() {
	if c.SealAfter == "" {
		c.SealAfter = "24h"
	}
	if c.SealBatchSize <= 0 {
		c.SealBatchSize = 500
	}
	if c.ArchiveAfterDays <= 0 {
		c.ArchiveAfterDays = 365
	}
	if c.DeleteAfterDays <= 0 {
		c.DeleteAfterDays = 730
	}
	if c.DeleteAfterDays < c.ArchiveAfterDays {
		// 删除门槛不得早于归档门槛
		c.DeleteAfterDays = c.ArchiveAfterDays
	}
	if c.ArchivePath == "" {
		c.ArchivePath = "./archive/audit"
	}
	if c.LockMaxRetries <= 0 {
		c.LockMaxRetries = 5
	}
	if c.LockRetryBackoff == "" {
		c.LockRetryBackoff = "50ms"
	}
	if c.LoginFailureThreshold <= 0 {
		c.LoginFailureThreshold = 5
	}
	if c.LoginFailureWindow == "" {
		c.LoginFailureWindow = "15m"
	}
	if c.SealCron == "" {
		c.SealCron = "0 2 * * *"
	}
	if c.ArchiveCron == "" {
		c.ArchiveCron = "30 2 * * *"
	}
	if c.SweepCron == "" {
		c.SweepCron = "*/15 * * * *"
	}
}

// SealAge 解析封存年龄阈值
func (c *AuditConfig) SealAge() time.Duration {
	d, err := time.ParseDuration(c.SealAfter)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}

// LockBackoff 解析链尾重试退避间隔
func (c *AuditConfig) LockBackoff() time.Duration {
	d, err := time.ParseDuration(c.LockRetryBackoff)
	if err != nil || d <= 0 {
		return 50 * time.Millisecond
	}
	return d
}

// LoginWindow 解析登录失败滑动窗口
func (c *AuditConfig) LoginWindow() time.Duration {
	d, err := time.ParseDuration(c.LoginFailureWindow)
	if err != nil || d <= 0 {
		return 15 * time.Minute
	}
	return d
}
