// Package config loads runtime settings for the backup CLI.
//
// Precedence, highest first: runtime overrides, BACKUP_* environment
// variables, the optional settings file, defaults. The backup plan itself
// (hosts, paths, snapshots) lives in the file read by pkg/backupconfig.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/pljakobs/backup/pkg/backupconfig"
)

// AppName names the settings directory and the env prefix.
const AppName = "backup"

// EnvPrefix is prepended to every environment key.
const EnvPrefix = "BACKUP"

// Config holds runtime settings.
type Config struct {
	ConfigFile string `mapstructure:"config_file"`
	Workers    int    `mapstructure:"workers"`
	StateDir   string `mapstructure:"state_dir"`

	Logging  LoggingConfig  `mapstructure:"logging"`
	Events   EventsConfig   `mapstructure:"events"`
	Verify   VerifyConfig   `mapstructure:"verify"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Snapshot SnapshotConfig `mapstructure:"snapshot"`
	Tools    ToolsConfig    `mapstructure:"tools"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type EventsConfig struct {
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type VerifyConfig struct {
	PingTimeout    time.Duration `mapstructure:"ping_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	HandshakeRate  float64       `mapstructure:"handshake_rate"`
}

type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"`
}

type SnapshotConfig struct {
	Tool string `mapstructure:"tool"`
}

type ToolsConfig struct {
	Rsync     string `mapstructure:"rsync"`
	SSH       string `mapstructure:"ssh"`
	Ping      string `mapstructure:"ping"`
	SSHCopyID string `mapstructure:"ssh_copy_id"`
}

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// Load builds the settings and makes them available through GetConfig.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("settings")
	v.SetConfigType("yaml")
	for _, dir := range settingsPaths() {
		v.AddConfigPath(dir)
	}
	if path := os.Getenv(EnvPrefix + "_SETTINGS_FILE"); path != "" {
		v.SetConfigFile(path)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read settings file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, o := range overrides {
		applyOverrides(v, "", o)
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	if cfg.Workers < 0 {
		return nil, fmt.Errorf("workers must be >= 0, got %d", cfg.Workers)
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the settings from the last successful Load.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("config_file", backupconfig.DefaultConfigPath)
	v.SetDefault("workers", 0)
	v.SetDefault("state_dir", filepath.Join(gfconfig.GetAppDataDir(AppName), "runs"))

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.file", "")

	v.SetDefault("events.format", "text")
	v.SetDefault("events.file", "")

	v.SetDefault("verify.ping_timeout", "2s")
	v.SetDefault("verify.connect_timeout", "5s")
	v.SetDefault("verify.handshake_rate", 0)

	v.SetDefault("metrics.textfile", "")

	v.SetDefault("snapshot.tool", "")

	v.SetDefault("tools.rsync", "rsync")
	v.SetDefault("tools.ssh", "ssh")
	v.SetDefault("tools.ping", "ping")
	v.SetDefault("tools.ssh_copy_id", "ssh-copy-id")
}

// applyOverrides sets every leaf of m so that sibling keys keep their
// lower-precedence values.
func applyOverrides(v *viper.Viper, prefix string, m map[string]any) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			applyOverrides(v, key, nested)
			continue
		}
		v.Set(key, val)
	}
}

func settingsPaths() []string {
	paths := []string{filepath.Dir(backupconfig.DefaultConfigPath)}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, AppName))
	}
	return paths
}
