package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// LoadConfig 从 YAML 文件和环境变量加载配置
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()

	// 设置配置文件
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		// 默认配置文件搜索路径
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.memoryops")
		v.AddConfigPath("/etc/memoryops")
	}

	// 支持环境变量,如 MEMORYOPS_UPSTREAM_API_KEY
	v.SetEnvPrefix("MEMORYOPS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 设置默认值
	setDefaults(v)

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		// 如果是找不到配置文件,则使用默认配置
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// 解析配置
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// 替换环境变量
	expandEnvVars(&config)

	return &config, nil
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	// Server 默认配置
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.debug", false)

	// 限流默认配置
	v.SetDefault("rate_limit.requests_per_minute", 60)
	v.SetDefault("rate_limit.tokens_per_minute", 20000)
	v.SetDefault("rate_limit.window_seconds", 60)

	// 压缩默认配置
	v.SetDefault("compression.top_k", 64)

	// 上游默认配置
	v.SetDefault("upstream.base_url", "https://api.openai.com/v1")
	v.SetDefault("upstream.model", "gpt-3.5-turbo")
	v.SetDefault("upstream.timeout_seconds", 600)

	// 数据库默认配置
	v.SetDefault("database.path", "./data/memoryops.db")

	// Cache 默认配置
	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.addr", "127.0.0.1:6379")
	v.SetDefault("cache.db", 0)
	v.SetDefault("cache.ttl", 300)
}

// expandEnvVars 展开配置中引用的环境变量
func expandEnvVars(config *Config) {
	config.Auth.APIKeys = os.ExpandEnv(config.Auth.APIKeys)
	config.Upstream.APIKey = os.ExpandEnv(config.Upstream.APIKey)
	config.Cache.Password = os.ExpandEnv(config.Cache.Password)
}
