// Package config loads this node's runtime configuration using viper: its
// NAME, preferred address, claim/transport timer values, and logging
// setup.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the top-level configuration, mapped under the "j1939:" root
// key in YAML; environment variables use the J1939_ prefix (e.g.
// "j1939.log.level" -> "J1939_LOG_LEVEL").
type Config struct {
	Node      NodeConfig      `mapstructure:"node"`
	Claim     ClaimConfig     `mapstructure:"claim"`
	Transport TransportConfig `mapstructure:"transport"`
	Log       LogConfig       `mapstructure:"log"`
}

// NodeConfig identifies this node on the bus.
type NodeConfig struct {
	Interface            string `mapstructure:"interface"`
	NAME                 uint64 `mapstructure:"name"`
	PreferredAddress     uint8  `mapstructure:"preferred_address"`
}

// ClaimConfig holds the address-claiming timers of spec.md §4.4. package
// claimer does not read it; it uses its own fixed constants.
type ClaimConfig struct {
	ContentionWindowMS int `mapstructure:"contention_window_ms"`
	RetryDelayMaxMS    int `mapstructure:"retry_delay_max_ms"`
}

// TransportConfig holds the Transport Protocol timers of spec.md §4.6.
// package transport does not read it; it uses its own fixed constants.
type TransportConfig struct {
	T1MS int `mapstructure:"t1_ms"`
	T2MS int `mapstructure:"t2_ms"`
	T3MS int `mapstructure:"t3_ms"`
	TrMS int `mapstructure:"tr_ms"`
}

// LogConfig configures logrus and the optional lumberjack-rotated file
// output.
type LogConfig struct {
	Level string        `mapstructure:"level"`
	File  LogFileConfig `mapstructure:"file"`
}

// LogFileConfig configures rotation via gopkg.in/natefinch/lumberjack.v2.
type LogFileConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	MaxBackups int    `mapstructure:"max_backups"`
}

type configRoot struct {
	J1939 Config `mapstructure:"j1939"`
}

// Default returns the built-in configuration used when no file is
// supplied: a loopback-style node with the standard timers of spec.md
// §4.4 and §4.6.
func Default() Config {
	return Config{
		Node: NodeConfig{
			Interface:        "can0",
			PreferredAddress: 0xFE,
		},
		Claim: ClaimConfig{
			ContentionWindowMS: 250,
			RetryDelayMaxMS:    150,
		},
		Transport: TransportConfig{
			T1MS: 750,
			T2MS: 1250,
			T3MS: 1250,
			TrMS: 200,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads configuration from path, falling back to Default() values for
// anything the file and environment don't set. The log-file rotation
// limits, which Default() leaves at zero, fall back to 100 MB, 30 days and
// 5 backups instead.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &root.J1939, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("j1939.node.interface", d.Node.Interface)
	v.SetDefault("j1939.node.preferred_address", d.Node.PreferredAddress)
	v.SetDefault("j1939.claim.contention_window_ms", d.Claim.ContentionWindowMS)
	v.SetDefault("j1939.claim.retry_delay_max_ms", d.Claim.RetryDelayMaxMS)
	v.SetDefault("j1939.transport.t1_ms", d.Transport.T1MS)
	v.SetDefault("j1939.transport.t2_ms", d.Transport.T2MS)
	v.SetDefault("j1939.transport.t3_ms", d.Transport.T3MS)
	v.SetDefault("j1939.transport.tr_ms", d.Transport.TrMS)
	v.SetDefault("j1939.log.level", d.Log.Level)
	v.SetDefault("j1939.log.file.enabled", false)
	v.SetDefault("j1939.log.file.max_size_mb", 100)
	v.SetDefault("j1939.log.file.max_age_days", 30)
	v.SetDefault("j1939.log.file.max_backups", 5)
}
