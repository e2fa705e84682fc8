// Package config loads the node's runtime configuration: the knobs
// spec §4 names (advertise_period, epoch_period, consensus_nodes) plus
// the etcd and listen-address settings a real deployment needs, bound
// from an optional config file and environment variables via viper
// (the pairing the rest of the pack's manifests reach for).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/piarun/maroon-sub000/pkg/clock"
	"github.com/piarun/maroon-sub000/pkg/epoch"
)

// Config is the fully-resolved node configuration.
type Config struct {
	PeerID epoch.PeerID `mapstructure:"peer_id"`

	AdvertisePeriod clock.TimeMs `mapstructure:"advertise_period"`
	EpochPeriod     clock.TimeMs `mapstructure:"epoch_period"`
	ConsensusNodes  int          `mapstructure:"consensus_nodes"`

	EtcdEndpoints   []string      `mapstructure:"etcd_endpoints"`
	EtcdDialTimeout time.Duration `mapstructure:"etcd_dial_timeout"`

	ListenAddress string   `mapstructure:"listen_address"`
	Peers         []string `mapstructure:"peers"`

	LogLevel       string `mapstructure:"log_level"`
	LogDevelopment bool   `mapstructure:"log_development"`
}

// defaults mirrors spec §4's configurable knobs.
func defaults() map[string]any {
	return map[string]any{
		"advertise_period":  50,
		"epoch_period":      50,
		"consensus_nodes":   2,
		"etcd_dial_timeout": "5s",
		"listen_address":    ":7000",
		"log_level":         "info",
	}
}

// Load reads configuration from, in increasing priority: built-in
// defaults, an optional file at configPath (any format viper supports:
// yaml, toml, json - skipped entirely if configPath is empty), and
// environment variables prefixed MAROON_ (e.g. MAROON_ETCD_ENDPOINTS).
func Load(configPath string) (Config, error) {
	v := viper.New()
	for key, val := range defaults() {
		v.SetDefault(key, val)
	}

	v.SetEnvPrefix("maroon")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Unmarshal only sees keys viper already knows, so keys without a
	// default are bound explicitly to their MAROON_ variables.
	for _, key := range []string{"peer_id", "etcd_endpoints", "peers", "log_development"} {
		if err := v.BindEnv(key); err != nil {
			return Config{}, fmt.Errorf("config: bind env %s: %w", key, err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if cfg.PeerID == "" {
		return Config{}, fmt.Errorf("config: peer_id is required")
	}
	if cfg.ConsensusNodes <= 0 {
		return Config{}, fmt.Errorf("config: consensus_nodes must be positive, got %d", cfg.ConsensusNodes)
	}
	return cfg, nil
}
