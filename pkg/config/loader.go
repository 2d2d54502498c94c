package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，例如 STANDBY_CLIENT_PRIMARY
const EnvPrefix = "STANDBY"

// Load 初始化 Viper 配置
// cfgFile: 可选，用户显式指定的配置文件路径
func Load(cfgFile string) error {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}

		// 搜索顺序：当前目录 → ./.standby → ~/.standby
		viper.AddConfigPath(".")
		viper.AddConfigPath(".standby")
		viper.AddConfigPath(filepath.Join(home, ".standby"))

		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// client.read_timeout → STANDBY_CLIENT_READ_TIMEOUT
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// 没有配置文件时只用默认值和环境变量；文件存在但格式错误才算失败
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("fatal error config file: %w", err)
		}
	}
	return nil
}

// Used 返回实际加载的配置文件，没有则为空
func Used() string {
	return viper.ConfigFileUsed()
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 7400)
	viper.SetDefault("server.max_frame_size", 4<<20)
	viper.SetDefault("server.chunk_size", 64<<10)
	viper.SetDefault("server.requests_per_second", 0)
	viper.SetDefault("server.head_poll_interval", "1s")
	viper.SetDefault("server.timeout", "30s")
	viper.SetDefault("server.idle_timeout", "5m")

	viper.SetDefault("client.primary", "127.0.0.1:7400")
	viper.SetDefault("client.retry_attempts", 5)
	viper.SetDefault("client.retry_interval", "200ms")
	viper.SetDefault("client.retry_backoff", 2.0)
	viper.SetDefault("client.retry_max_interval", "30s")
	viper.SetDefault("client.connect_timeout", "10s")
	viper.SetDefault("client.read_timeout", "30s")
	viper.SetDefault("client.sync_interval", "5s")
	viper.SetDefault("client.auto_clean", false)

	// 存储默认值
	wd, _ := os.Getwd()
	viper.SetDefault("storage.type", "disk")
	viper.SetDefault("storage.path", filepath.Join(wd, ".standby", "objects"))
	viper.SetDefault("storage.s3.region", "us-east-1")

	viper.SetDefault("cache.ttl", "24h")

	viper.SetDefault("refs.type", "file")

	// 数据库默认值
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.sslmode", "disable")

	viper.SetDefault("admin.port", 0)
	viper.SetDefault("metrics.port", 0)

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
}
