// Package config loads cellmesh's embedder configuration: the typed
// record `{keyPair, store, bindPort, advertisedUrl, restoreFromRoot,
// persistOnClose}` used instead of a CLI front-end. Loading is the
// viper file-then-env merge: a YAML config file read over explicit
// defaults, with CELLMESH_* environment overrides picked up
// automatically (a .env file, if present, feeds that same environment
// via godotenv).
package config

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"cellmesh/pkg/utils"
)

// Config is the embedder-supplied configuration for one running peer.
// KeySeed, when non-zero, deterministically derives the peer's keypair
// (for reproducible test fixtures); a zero seed means the embedder
// generates a random key.
type Config struct {
	KeySeed         int64  `mapstructure:"key_seed"`
	BindPort        int    `mapstructure:"bind_port"`
	AdvertisedURL   string `mapstructure:"advertised_url"`
	RestoreFromRoot bool   `mapstructure:"restore_from_root"`
	PersistOnClose  bool   `mapstructure:"persist_on_close"`
	RestoreDir      string `mapstructure:"restore_dir"`
	CacheSize       int    `mapstructure:"cache_size"`
	LogLevel        string `mapstructure:"log_level"`
}

// Default returns the zero-value config with sane, explicit defaults
// filled in, matching what an embedder gets from a constructor taking no
// arguments.
func Default() Config {
	return Config{
		BindPort:   0,
		CacheSize:  10_000,
		RestoreDir: "./cellmesh-data",
		LogLevel:   "info",
	}
}

// Load reads the YAML file at path into a Config seeded with Default's
// values, then applies any CELLMESH_* environment overrides — loading
// envFile (if non-empty) via godotenv first so a .env file feeds the
// same override path. A missing config or .env file is not an error:
// the defaults and whatever environment is already set carry through.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, utils.Wrap(err, "load .env")
		}
	}

	cfg := Default()
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetDefault("key_seed", cfg.KeySeed)
	v.SetDefault("bind_port", cfg.BindPort)
	v.SetDefault("advertised_url", cfg.AdvertisedURL)
	v.SetDefault("restore_from_root", cfg.RestoreFromRoot)
	v.SetDefault("persist_on_close", cfg.PersistOnClose)
	v.SetDefault("restore_dir", cfg.RestoreDir)
	v.SetDefault("cache_size", cfg.CacheSize)
	v.SetDefault("log_level", cfg.LogLevel)

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, utils.Wrap(err, "read config file")
			}
		} else if !os.IsNotExist(err) {
			return nil, utils.Wrap(err, "stat config file")
		}
	}

	v.SetEnvPrefix("CELLMESH")
	v.AutomaticEnv()

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &cfg, nil
}

// LoadFromEnv loads configuration using the CELLMESH_CONFIG and
// CELLMESH_ENV_FILE environment variables alone.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("CELLMESH_CONFIG", ""), utils.EnvOrDefault("CELLMESH_ENV_FILE", ".env"))
}
