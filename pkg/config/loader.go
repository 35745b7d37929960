package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// FileName is the persisted configuration file, JSON like the rest of the
// wire surface.
const FileName = "config.json"

// Load reads configuration from config.json and environment variables.
func Load(logger *slog.Logger) (*Config, error) {
	// A .env file, when present, feeds the environment before viper reads it.
	_ = godotenv.Load()

	v := viper.New()

	// 1. Set default values
	v.SetDefault("server.address", ":9000")
	v.SetDefault("server.bridgeAddress", ":9001")
	v.SetDefault("server.idleNudge", "300s")
	v.SetDefault("client.host", "127.0.0.1")
	v.SetDefault("client.port", 9000)
	v.SetDefault("log.level", "info")

	// 2. Set config file details
	v.SetConfigFile(FileName)
	v.SetConfigType("json")

	// 3. Set up environment variable handling
	v.SetEnvPrefix("SIMPLECHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Read the configuration file
	if err := v.ReadInConfig(); err != nil {
		// With an explicit SetConfigFile a missing file surfaces as a
		// path error rather than viper's ConfigFileNotFoundError.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
			// Config file was found but another error was produced
			return nil, err
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars")
	}

	// 5. Unmarshal the configuration into our struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the current values back to config.json so user-supplied
// host/port defaults survive restarts.
func Save(cfg *Config) error {
	v := viper.New()
	v.SetConfigType("json")

	v.Set("server.address", cfg.Server.Address)
	v.Set("server.bridgeAddress", cfg.Server.BridgeAddress)
	v.Set("server.idleNudge", cfg.Server.IdleNudge.String())
	v.Set("client.host", cfg.Client.Host)
	v.Set("client.port", cfg.Client.Port)
	v.Set("log.level", cfg.Log.Level)

	return v.WriteConfigAs(FileName)
}
