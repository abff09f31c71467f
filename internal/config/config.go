package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/loykin/erpsync/internal/browser"
	"github.com/loykin/erpsync/internal/cron"
	"github.com/loykin/erpsync/internal/extract"
	"github.com/loykin/erpsync/internal/logger"
	"github.com/loykin/erpsync/internal/orchestrator"
	"github.com/loykin/erpsync/internal/order"
	"github.com/loykin/erpsync/internal/pool"
	"github.com/loykin/erpsync/internal/store"
	syncengine "github.com/loykin/erpsync/internal/sync"
)

type ServerConfig struct {
	Listen string `mapstructure:"listen"` // default ":8080"
}

func (s ServerConfig) ListenOrDefault() string {
	if s.Listen != "" {
		return s.Listen
	}
	return ":8080"
}

// HistoryConfig lists external change sink DSNs (clickhouse://, postgres://,
// opensearch://). The primary store always records changes regardless.
type HistoryConfig struct {
	Sinks []string `mapstructure:"sinks"`
}

// FileConfig is the top-level TOML structure.
type FileConfig struct {
	LogLevel string        `mapstructure:"log_level"` // debug, info, warn, error
	LogColor bool          `mapstructure:"log_color"`
	Log      logger.Config `mapstructure:"log"`

	Server       ServerConfig        `mapstructure:"server"`
	Store        store.Config        `mapstructure:"store"`
	Browser      browser.Config      `mapstructure:"browser"`
	Pool         pool.Config         `mapstructure:"pool"`
	Orchestrator orchestrator.Config `mapstructure:"orchestrator"`
	Sync         syncengine.Config   `mapstructure:"sync"`
	Order        order.Config        `mapstructure:"order"`
	Extract      extract.Config      `mapstructure:"extract"`
	History      HistoryConfig       `mapstructure:"history"`
	Cron         []cron.Job          `mapstructure:"cron"`
}

// Load reads and validates a TOML config file.
func Load(path string) (FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return FileConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return FileConfig{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	if err := fc.Validate(); err != nil {
		return FileConfig{}, fmt.Errorf("config %s: %w", path, err)
	}
	return fc, nil
}

func (fc FileConfig) Validate() error {
	if fc.Browser.Command == "" {
		return fmt.Errorf("browser.command is required")
	}
	if fc.Sync.SyncUser == "" {
		return fmt.Errorf("sync.sync_user is required")
	}
	switch fc.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", fc.LogLevel)
	}
	for i := range fc.Cron {
		j := fc.Cron[i]
		if j.Schedule == "" {
			return fmt.Errorf("cron job %d: schedule is required", i)
		}
	}
	return nil
}
