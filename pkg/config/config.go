// Package config handles configuration loading using viper.
package config

import (
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/qxcheng/ipconv/pkg/log"
	tcpip "github.com/qxcheng/ipconv/protocol"
	"github.com/qxcheng/ipconv/protocol/stack"
	"github.com/qxcheng/ipconv/protocol/transport/udp"
)

// EnvPrefix 环境变量前缀, e.g. IPCONV_UDP_QUEUE_LIMIT.
const EnvPrefix = "IPCONV"

// Config is the top-level configuration.
type Config struct {
	Stack    StackConfig    `mapstructure:"stack" yaml:"stack"`
	UDP      UDPConfig      `mapstructure:"udp" yaml:"udp"`
	Log      log.Options    `mapstructure:"log" yaml:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	Loopback LoopbackConfig `mapstructure:"loopback" yaml:"loopback"`
}

// StackConfig 协议栈配置
type StackConfig struct {
	MaxConversations int `mapstructure:"max_conversations" yaml:"max_conversations"`
	Backlog          int `mapstructure:"backlog" yaml:"backlog"`
	DefaultTTL       int `mapstructure:"default_ttl" yaml:"default_ttl"`
	DefaultTOS       int `mapstructure:"default_tos" yaml:"default_tos"`
}

// UDPConfig UDP协议配置
type UDPConfig struct {
	QueueLimit int `mapstructure:"queue_limit" yaml:"queue_limit"` // bytes
}

// MetricsConfig contains Prometheus exporter settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// LoopbackConfig 回环网络层配置
type LoopbackConfig struct {
	Addresses []string `mapstructure:"addresses" yaml:"addresses"`
	Pcap      string   `mapstructure:"pcap" yaml:"pcap"`
	QueueLen  int      `mapstructure:"queue_len" yaml:"queue_len"`
}

// Load 加载配置. path may be empty, in which case only defaults and
// environment overrides apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default values for configuration. Every key needs one so
// that AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("stack.max_conversations", stack.DefaultMaxConversations)
	v.SetDefault("stack.backlog", stack.DefaultBacklog)
	v.SetDefault("stack.default_ttl", stack.DefaultTTL)
	v.SetDefault("stack.default_tos", 0)

	v.SetDefault("udp.queue_limit", udp.DefaultQueueLimit)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pattern", log.DefaultPattern)
	v.SetDefault("log.time_format", log.DefaultTime)
	v.SetDefault("log.caller", false)
	v.SetDefault("log.file.filename", "")
	v.SetDefault("log.file.max_size", 100)
	v.SetDefault("log.file.max_backups", 5)
	v.SetDefault("log.file.max_age", 30)
	v.SetDefault("log.file.compress", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9091")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("loopback.addresses", []string{"127.0.0.1", "::1"})
	v.SetDefault("loopback.pcap", "")
	v.SetDefault("loopback.queue_len", 256)
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Stack.MaxConversations <= 0 {
		return fmt.Errorf("stack.max_conversations must be positive, got %d", c.Stack.MaxConversations)
	}
	if c.Stack.Backlog <= 0 {
		return fmt.Errorf("stack.backlog must be positive, got %d", c.Stack.Backlog)
	}
	if c.Stack.DefaultTTL <= 0 || c.Stack.DefaultTTL > 255 {
		return fmt.Errorf("stack.default_ttl out of range: %d", c.Stack.DefaultTTL)
	}
	if c.Stack.DefaultTOS < 0 || c.Stack.DefaultTOS > 255 {
		return fmt.Errorf("stack.default_tos out of range: %d", c.Stack.DefaultTOS)
	}
	if c.UDP.QueueLimit <= 0 {
		return fmt.Errorf("udp.queue_limit must be positive, got %d", c.UDP.QueueLimit)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics.enabled=true")
	}
	if _, err := c.LoopbackAddresses(); err != nil {
		return err
	}
	return nil
}

// LoopbackAddresses 解析回环接口的地址
func (c *Config) LoopbackAddresses() ([]tcpip.Address, error) {
	addrs := make([]tcpip.Address, 0, len(c.Loopback.Addresses))
	for _, s := range c.Loopback.Addresses {
		a, err := tcpip.ParseAddress(s)
		if err != nil || s == "" || s == "*" {
			return nil, fmt.Errorf("invalid loopback address %q", s)
		}
		addrs = append(addrs, a)
	}
	return addrs, nil
}

// StackOptions 返回对应的协议栈选项
func (c *Config) StackOptions() stack.Options {
	return stack.Options{
		MaxConversations: c.Stack.MaxConversations,
		Backlog:          c.Stack.Backlog,
		DefaultTTL:       uint8(c.Stack.DefaultTTL),
		DefaultTOS:       uint8(c.Stack.DefaultTOS),
	}
}

// Dump 以YAML格式输出配置
func (c *Config) Dump(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}
