package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/stepflow/internal/logging"
)

// Config holds the stepflow process configuration.
// Priority: STEPFLOW_* env vars > stepflow.yaml > defaults.
type Config struct {
	Store struct {
		Driver string `mapstructure:"driver"` // memory | libsql | postgres
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"store"`
	Server struct {
		Addr    string `mapstructure:"addr"`
		MCPPath string `mapstructure:"mcp_path"`
	} `mapstructure:"server"`
	Engine struct {
		PoolSize             int           `mapstructure:"pool_size"`
		DefaultStepTimeout   time.Duration `mapstructure:"default_step_timeout"`
		WebhookTimeout       time.Duration `mapstructure:"webhook_timeout"`
		ScriptTimeout        time.Duration `mapstructure:"script_timeout"`
		LongRunningThreshold time.Duration `mapstructure:"long_running_threshold"`
	} `mapstructure:"engine"`
	Retention struct {
		Days     int           `mapstructure:"days"`
		Interval time.Duration `mapstructure:"interval"`
	} `mapstructure:"retention"`
	Health struct {
		Cron string `mapstructure:"cron"`
	} `mapstructure:"health"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	AMQP struct {
		URL      string `mapstructure:"url"`
		Exchange string `mapstructure:"exchange"`
	} `mapstructure:"amqp"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "")
	v.SetDefault("server.addr", ":4100")
	v.SetDefault("server.mcp_path", "/mcp")
	v.SetDefault("engine.pool_size", 10)
	v.SetDefault("engine.default_step_timeout", time.Duration(0))
	v.SetDefault("engine.webhook_timeout", 30*time.Second)
	v.SetDefault("engine.script_timeout", 5*time.Second)
	v.SetDefault("engine.long_running_threshold", time.Hour)
	v.SetDefault("retention.days", 30)
	v.SetDefault("retention.interval", 24*time.Hour)
	v.SetDefault("health.cron", "*/15 * * * *")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.exchange", "stepflow.events")
}

// loadConfig reads path when given, otherwise searches stepflow.yaml in the
// working directory, ~/.stepflow and /etc/stepflow. A missing file is not an error.
func loadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("STEPFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("stepflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".stepflow"))
		}
		v.AddConfigPath("/etc/stepflow")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "libsql", "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store.driver %q (want memory, libsql or postgres)", c.Store.Driver)
	}
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if !strings.HasPrefix(c.Server.MCPPath, "/") {
		return fmt.Errorf("server.mcp_path must start with /, got %q", c.Server.MCPPath)
	}
	if c.Engine.PoolSize <= 0 {
		return fmt.Errorf("engine.pool_size must be positive, got %d", c.Engine.PoolSize)
	}
	if c.Engine.DefaultStepTimeout < 0 || c.Engine.WebhookTimeout < 0 || c.Engine.ScriptTimeout < 0 {
		return errors.New("engine timeouts must not be negative")
	}
	if c.Retention.Days < 0 {
		return fmt.Errorf("retention.days must not be negative, got %d", c.Retention.Days)
	}
	if c.Retention.Days > 0 && c.Retention.Interval <= 0 {
		return errors.New("retention.interval must be positive when retention is enabled")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log.format %q (want json or text)", c.Log.Format)
	}
	return nil
}
