package offsync

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port" env:"OFFSYNC_PORT"`
		Origin string `yaml:"origin" env:"OFFSYNC_ORIGIN"`
		// Scope is the URL prefix this engine considers its own when
		// deciding whether a notification click should focus an existing
		// application window or open a new one.
		Scope string `yaml:"scope" env:"OFFSYNC_SCOPE"`
	} `yaml:"server"`

	Storage struct {
		Dir string `yaml:"dir" env:"OFFSYNC_DATA_DIR"`
	} `yaml:"storage"`

	Cache struct {
		// APIPrefixes classify requests: a matching path is handled
		// network-first, everything else cache-first.
		APIPrefixes []string `yaml:"apiPrefixes" env:"OFFSYNC_API_PREFIXES"`

		// Generation names are the only versioning mechanism. Bumping a
		// name supersedes the old generation wholesale; the old one is
		// deleted on the next activation.
		StaticGeneration string `yaml:"staticGeneration" env:"OFFSYNC_STATIC_GENERATION"`
		DataGeneration   string `yaml:"dataGeneration" env:"OFFSYNC_DATA_GENERATION"`

		// Precache is the manifest of asset paths primed into the static
		// generation during install. Install is all-or-nothing.
		Precache []string `yaml:"precache"`

		// OfflinePage is served to navigations that miss both cache and
		// network. It should normally be part of the precache manifest.
		OfflinePage string `yaml:"offlinePage" env:"OFFSYNC_OFFLINE_PAGE"`

		// WaitForPromote keeps the engine in the waiting state after a
		// successful install until a SKIP_WAITING control message arrives.
		WaitForPromote bool `yaml:"waitForPromote" env:"OFFSYNC_WAIT_FOR_PROMOTE"`
	} `yaml:"cache"`

	Sync struct {
		HealthPath  string `yaml:"healthPath" env:"OFFSYNC_HEALTH_PATH"`
		ProbeEvery  string `yaml:"probeEvery" env:"OFFSYNC_PROBE_EVERY"`
		TokenWait   string `yaml:"tokenWait" env:"OFFSYNC_TOKEN_WAIT"`
		WarnBacklog int    `yaml:"warnBacklog" env:"OFFSYNC_WARN_BACKLOG"`

		probeDur     time.Duration
		tokenWaitDur time.Duration
	} `yaml:"sync"`

	Notify struct {
		DefaultTitle string `yaml:"defaultTitle" env:"OFFSYNC_NOTIFY_TITLE"`
		DefaultURL   string `yaml:"defaultUrl" env:"OFFSYNC_NOTIFY_URL"`
	} `yaml:"notify"`

	Logging struct {
		LogStatsEvery string `yaml:"logStatsEvery" env:"OFFSYNC_LOG_STATS_EVERY"`

		logStatsEveryDur time.Duration
	} `yaml:"logging"`
}

// LoadConfig reads the yaml file at path, applies OFFSYNC_* environment
// overrides on top, and validates. A missing file is fine when the
// environment supplies everything required.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, err
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	applyDefaults(&cfg)

	if cfg.Server.Origin == "" {
		return Config{}, fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if cfg.Server.Scope == "" {
		cfg.Server.Scope = "/"
	}

	for _, gen := range []string{cfg.Cache.StaticGeneration, cfg.Cache.DataGeneration} {
		if gen == "" || strings.Contains(gen, ":") {
			return Config{}, fmt.Errorf("invalid generation name %q", gen)
		}
	}
	if cfg.Cache.StaticGeneration == cfg.Cache.DataGeneration {
		return Config{}, fmt.Errorf("static and data generations must differ")
	}

	if cfg.Sync.probeDur, err = parseOptionalDuration(cfg.Sync.ProbeEvery); err != nil {
		return Config{}, fmt.Errorf("sync.probeEvery: %w", err)
	}
	if cfg.Sync.tokenWaitDur, err = parseOptionalDuration(cfg.Sync.TokenWait); err != nil {
		return Config{}, fmt.Errorf("sync.tokenWait: %w", err)
	}
	if cfg.Logging.logStatsEveryDur, err = parseOptionalDuration(cfg.Logging.LogStatsEvery); err != nil {
		return Config{}, fmt.Errorf("logging.logStatsEvery: %w", err)
	}
	if cfg.Sync.tokenWaitDur <= 0 {
		cfg.Sync.tokenWaitDur = 3 * time.Second
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = "./data"
	}
	if len(cfg.Cache.APIPrefixes) == 0 {
		cfg.Cache.APIPrefixes = []string{"/api/"}
	}
	if cfg.Cache.StaticGeneration == "" {
		cfg.Cache.StaticGeneration = "static-v1"
	}
	if cfg.Cache.DataGeneration == "" {
		cfg.Cache.DataGeneration = "data-v1"
	}
	if cfg.Cache.OfflinePage == "" {
		cfg.Cache.OfflinePage = "/offline.html"
	}
	if cfg.Sync.HealthPath == "" {
		cfg.Sync.HealthPath = "/health"
	}
	if cfg.Sync.ProbeEvery == "" {
		cfg.Sync.ProbeEvery = "30s"
	}
	if cfg.Sync.WarnBacklog == 0 {
		cfg.Sync.WarnBacklog = 100
	}
	if cfg.Notify.DefaultTitle == "" {
		cfg.Notify.DefaultTitle = "offsync"
	}
	if cfg.Notify.DefaultURL == "" {
		cfg.Notify.DefaultURL = "/"
	}
}

func parseOptionalDuration(s string) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func (c *Config) isAPIPath(path string) bool {
	for _, p := range c.Cache.APIPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
