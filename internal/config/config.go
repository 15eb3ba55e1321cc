// Package config loads service configuration from an optional YAML file
// with environment overrides.
package config

import (
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v3"
)

type Config struct {
	Port        string  `yaml:"port"`
	DatabaseURL string  `yaml:"databaseUrl"`
	RedisURL    string  `yaml:"redisUrl"`
	GatewayURL  string  `yaml:"gatewayUrl"`
	GatewaySec  string  `yaml:"gatewaySecret"`
	SelfTest    bool    `yaml:"selfTest"`
	FixRate     float64 `yaml:"fixRatePerSec"`
	FixBurst    int     `yaml:"fixBurst"`
}

// Load reads CONFIG_FILE if set, then applies env overrides and defaults.
func Load() (Config, error) {
	cfg := Config{Port: "8080", FixRate: 2, FixBurst: 10}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("GATEWAY_URL"); v != "" {
		cfg.GatewayURL = v
	}
	if v := os.Getenv("GATEWAY_SECRET"); v != "" {
		cfg.GatewaySec = v
	}
	if v := os.Getenv("SELF_TEST"); v != "" {
		cfg.SelfTest = v == "true" || v == "1"
	}
	return cfg, nil
}
