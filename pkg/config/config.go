// Package config 定义 standby 的全部配置项，由 Viper 从文件、环境变量和命令行参数合并而来。
package config

import (
	"fmt"
	"time"

	"standby/pkg/protocol"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Client   ClientConfig   `mapstructure:"client"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Refs     RefsConfig     `mapstructure:"refs"`
	Database DatabaseConfig `mapstructure:"database"`
	Admin    PortConfig     `mapstructure:"admin"`
	Metrics  PortConfig     `mapstructure:"metrics"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig 是主节点复制服务的配置
type ServerConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	MaxFrameSize      int           `mapstructure:"max_frame_size"`
	ChunkSize         int           `mapstructure:"chunk_size"`
	RequestsPerSecond int           `mapstructure:"requests_per_second"`
	HeadPollInterval  time.Duration `mapstructure:"head_poll_interval"`
	Timeout           time.Duration `mapstructure:"timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
}

// Validate 检查帧上限和分片大小能否配合使用，0 表示使用默认值
func (s ServerConfig) Validate() error {
	if s.ChunkSize <= 0 && s.MaxFrameSize <= 0 {
		return nil
	}
	frame := s.MaxFrameSize
	if frame <= 0 {
		frame = protocol.DefaultMaxFrameSize
	}
	if s.ChunkSize <= 0 {
		return protocol.CheckFrameLimits(frame, 1)
	}
	return protocol.CheckFrameLimits(frame, s.ChunkSize)
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ClientConfig 是副本同步的配置
type ClientConfig struct {
	Primary          string        `mapstructure:"primary"`
	RetryAttempts    int           `mapstructure:"retry_attempts"`
	RetryInterval    time.Duration `mapstructure:"retry_interval"`
	RetryBackoff     float64       `mapstructure:"retry_backoff"`
	RetryMaxInterval time.Duration `mapstructure:"retry_max_interval"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	SyncInterval     time.Duration `mapstructure:"sync_interval"`
	AutoClean        bool          `mapstructure:"auto_clean"`
}

type StorageConfig struct {
	Type string   `mapstructure:"type"` // disk | memory | s3
	Path string   `mapstructure:"path"`
	S3   S3Config `mapstructure:"s3"`
}

type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// CacheConfig 为空 RedisURL 时不启用存在性缓存
type CacheConfig struct {
	RedisURL string        `mapstructure:"redis_url"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type RefsConfig struct {
	Type string `mapstructure:"type"` // file | sqlite | postgres
	DSN  string `mapstructure:"dsn"`  // sqlite 文件路径，空则放在 storage.path 旁边
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// PortConfig 端口为 0 表示不启用
type PortConfig struct {
	Port int `mapstructure:"port"`
}

func (p PortConfig) Enabled() bool { return p.Port > 0 }

func (p PortConfig) Addr() string { return fmt.Sprintf(":%d", p.Port) }

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console | json
}

// Get 把当前 Viper 状态解析为 Config
func Get() (Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Server.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid server config: %w", err)
	}
	return cfg, nil
}
