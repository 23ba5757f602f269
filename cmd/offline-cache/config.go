package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	offlinecache "github.com/always-cache/offline-cache"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is read from the config file, then from OFFLINE_CACHE_* environment variables.
// Flags given on the command line override both.
type Config struct {
	Port       int    `yaml:"port" env:"PORT"`
	Origin     string `yaml:"origin" env:"ORIGIN"`
	OriginHost string `yaml:"originHost" env:"ORIGIN_HOST"`
	// Storage provider, sqlite or memory.
	Provider string `yaml:"provider" env:"PROVIDER"`
	// SQLite file name, 'memory' for an in-memory db.
	DB           string                 `yaml:"db" env:"DB"`
	FetchTimeout time.Duration          `yaml:"fetchTimeout" env:"FETCH_TIMEOUT"`
	Generation   string                 `yaml:"generation" env:"GENERATION"`
	Assets       []string               `yaml:"assets" env:"ASSETS" envSeparator:","`
	Fallbacks    offlinecache.Fallbacks `yaml:"fallbacks"`
	// Paths served by the cache itself instead of the app. Empty disables them.
	AdminPrefix string `yaml:"adminPrefix" env:"ADMIN_PREFIX"`
	MetricsPath string `yaml:"metricsPath" env:"METRICS_PATH"`
}

// defaultConfig is the app shell of the thread calculator the cache was first built for.
func defaultConfig() Config {
	return Config{
		Port:        8080,
		Provider:    "sqlite",
		DB:          "cache.db",
		Generation:  "rosca-app-v3",
		AdminPrefix: "/.offline-cache",
		MetricsPath: "/metrics",
		Assets: []string{
			"/",
			"/static/index.html",
			"/static/exemplo_roscas.png",
			"/static/fototeste.png",
			"/static/icon-192.png",
			"/static/icon-512.png",
			"/static/manifest.json",
		},
		Fallbacks: offlinecache.Fallbacks{
			Document: "/static/index.html",
			Image:    []string{"/static/icon-192.png"},
		},
	}
}

// loadConfig layers the config file (if any) and the environment over the defaults.
func loadConfig(filename string) (Config, error) {
	config := defaultConfig()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse %s: %w", filename, err)
		}
	}
	if err := env.ParseWithOptions(&config, env.Options{Prefix: "OFFLINE_CACHE_"}); err != nil {
		return config, fmt.Errorf("parse env: %w", err)
	}
	return config, config.validate()
}

func (c Config) validate() error {
	if c.Generation == "" {
		return fmt.Errorf("generation must not be empty")
	}
	for _, path := range []string{c.AdminPrefix, c.MetricsPath} {
		if path != "" && !strings.HasPrefix(path, "/") {
			return fmt.Errorf("path %q must start with /", path)
		}
	}
	switch c.Provider {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	return nil
}
