package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/bitpay/bitpay-app-sub010/internal/host"
	"github.com/bitpay/bitpay-app-sub010/pkg/wire"
)

// envPrefix prefixes every environment variable read by the worker, like DKLS_LISTEN.
const envPrefix = "DKLS"

// Config is the configuration of the worker.
type Config struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// Listen is the address served by the serve command.
	Listen string `mapstructure:"listen"`
	// Codec is the default codec of websocket and stdio connections.
	Codec string `mapstructure:"codec"`
	// CallTimeout bounds calls made by the demo command through a remote host.
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	// ShutdownTimeout bounds the time given to open connections on shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	Host host.Config `mapstructure:"host"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:        "info",
		LogFormat:       "console",
		Listen:          "127.0.0.1:8645",
		Codec:           wire.JSON.Name(),
		ShutdownTimeout: 10 * time.Second,
		Host:            host.DefaultConfig(),
	}
}

// newViper returns a viper instance holding the defaults, reading DKLS_* variables.
func newViper() *viper.Viper {
	v := viper.New()
	d := defaultConfig()
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("listen", d.Listen)
	v.SetDefault("codec", d.Codec)
	v.SetDefault("call_timeout", d.CallTimeout)
	v.SetDefault("shutdown_timeout", d.ShutdownTimeout)
	v.SetDefault("host.origin", d.Host.Origin)
	v.SetDefault("host.allowed_origins", d.Host.AllowedOrigins)
	v.SetDefault("host.workers", d.Host.Workers)
	v.SetDefault("host.max_concurrent", d.Host.MaxConcurrent)
	v.SetDefault("host.diagnostics", d.Host.Diagnostics)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// bindFlags makes flags override every other source. Flag names use dashes where keys use
// underscores.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		if err != nil || f.Name == "config" {
			return
		}
		key := strings.ReplaceAll(f.Name, "-", "_")
		if f.Annotations != nil {
			if k, ok := f.Annotations[keyAnnotation]; ok && len(k) > 0 {
				key = k[0]
			}
		}
		err = v.BindPFlag(key, f)
	})
	return err
}

// keyAnnotation maps a flag to a nested configuration key.
const keyAnnotation = "dkls_key"

func setKey(flags *pflag.FlagSet, name, key string) {
	_ = flags.SetAnnotation(name, keyAnnotation, []string{key})
}

// loadConfig reads the configuration file, if any, and decodes every source into a Config.
func loadConfig(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", file, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	// a single environment variable holds a comma separated list
	cfg.Host.AllowedOrigins = splitList(v.Get("host.allowed_origins"))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func splitList(raw any) []string {
	var out []string
	for _, item := range cast.ToStringSlice(raw) {
		for _, s := range strings.Split(item, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// Validate checks c.
func (c Config) Validate() error {
	if _, err := wire.CodecByName(c.Codec); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("config: log format must be 'json' or 'console', got %q", c.LogFormat)
	}
	if c.CallTimeout < 0 {
		return fmt.Errorf("config: negative call timeout %s", c.CallTimeout)
	}
	if err := c.Host.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
