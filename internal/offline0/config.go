package offline0

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Storage struct {
		Path string `yaml:"path" env:"OFFLINE0_STORAGE_PATH"`
		RAM  struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
		MaxEntry string `yaml:"maxEntry"`

		// compiled
		ramMax   int64
		maxEntry int64
	} `yaml:"storage"`

	Server struct {
		Port   int    `yaml:"port" env:"OFFLINE0_PORT"`
		Origin string `yaml:"origin" env:"OFFLINE0_ORIGIN"`
	} `yaml:"server"`

	Cache struct {
		Version       string            `yaml:"version" env:"OFFLINE0_CACHE_VERSION"`
		Generations   map[string]string `yaml:"generations"`
		VaryHeaders   []string          `yaml:"varyHeaders"`
		Manifest      []string          `yaml:"manifest"`
		AssetManifest string            `yaml:"assetManifest"`
	} `yaml:"cache"`

	Routing RoutingConfig `yaml:"routing"`

	Queue struct {
		Backend       string `yaml:"backend" env:"OFFLINE0_QUEUE_BACKEND"`
		RedisURL      string `yaml:"redisURL" env:"OFFLINE0_REDIS_URL"`
		MaxAttempts   int    `yaml:"maxAttempts"`
		CaptureWrites bool   `yaml:"captureWrites"`
	} `yaml:"queue"`

	Sync struct {
		ProbePath   string `yaml:"probePath"`
		ProbeEvery  string `yaml:"probeEvery"`
		MaxBackoff  string `yaml:"maxBackoff"`
		UpdateEvery string `yaml:"updateEvery"`
		// HoldUpdates keeps a freshly installed generation waiting until a
		// client sends SKIP_WAITING.
		HoldUpdates bool `yaml:"holdUpdates" env:"OFFLINE0_HOLD_UPDATES"`

		probeEveryDur  time.Duration
		maxBackoffDur  time.Duration
		updateEveryDur time.Duration
	} `yaml:"sync"`

	Logging struct {
		LogStatsEvery string `yaml:"logStatsEvery"`

		logStatsEveryDur time.Duration
	} `yaml:"logging"`
}

// RoutingConfig holds the string-membership tables used by the Classifier.
type RoutingConfig struct {
	DynamicPrefixes []string `yaml:"dynamicPrefixes"`
	ImageHosts      []string `yaml:"imageHosts"`
}

const (
	QueueBackendLevelDB = "leveldb"
	QueueBackendRedis   = "redis"
)

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML, applies OFFLINE0_* environment overrides and
// validates the result.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if u, err := url.Parse(cfg.Server.Origin); err != nil || u.Host == "" {
		return fmt.Errorf("server.origin: invalid url %q", cfg.Server.Origin)
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/leveldb"
	}
	if cfg.Storage.RAM.Max == "" {
		cfg.Storage.RAM.Max = "64mb"
	}
	if cfg.Storage.MaxEntry == "" {
		cfg.Storage.MaxEntry = "8mb"
	}
	var err error
	if cfg.Storage.ramMax, err = parseBytes(cfg.Storage.RAM.Max); err != nil {
		return fmt.Errorf("storage.ram.max: %w", err)
	}
	if cfg.Storage.maxEntry, err = parseBytes(cfg.Storage.MaxEntry); err != nil {
		return fmt.Errorf("storage.maxEntry: %w", err)
	}

	if cfg.Cache.Version == "" {
		cfg.Cache.Version = "v1"
	}
	for role, tag := range cfg.Cache.Generations {
		if _, ok := parseRole(role); !ok {
			return fmt.Errorf("cache.generations: unknown role %q", role)
		}
		if strings.Contains(tag, regionSep) {
			return fmt.Errorf("cache.generations.%s: tag must not contain %q", role, regionSep)
		}
	}
	if strings.Contains(cfg.Cache.Version, regionSep) {
		return fmt.Errorf("cache.version: tag must not contain %q", regionSep)
	}
	if cfg.Cache.VaryHeaders == nil {
		cfg.Cache.VaryHeaders = []string{"Authorization"}
	}
	for i, p := range cfg.Cache.Manifest {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("cache.manifest[%d]: path must start with /, got %q", i, p)
		}
	}

	for i, p := range cfg.Routing.DynamicPrefixes {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("routing.dynamicPrefixes[%d]: invalid prefix %q", i, p)
		}
	}
	for i, h := range cfg.Routing.ImageHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			return fmt.Errorf("routing.imageHosts[%d]: empty host", i)
		}
		cfg.Routing.ImageHosts[i] = h
	}

	switch cfg.Queue.Backend {
	case "":
		cfg.Queue.Backend = QueueBackendLevelDB
	case QueueBackendLevelDB:
	case QueueBackendRedis:
		if cfg.Queue.RedisURL == "" {
			return fmt.Errorf("queue.redisURL is required for the redis backend")
		}
	default:
		return fmt.Errorf("queue.backend: unsupported %q", cfg.Queue.Backend)
	}
	if cfg.Queue.MaxAttempts < 0 {
		return fmt.Errorf("queue.maxAttempts must be >= 0")
	}

	if cfg.Sync.ProbePath == "" {
		cfg.Sync.ProbePath = "/"
	}
	if cfg.Sync.probeEveryDur, err = parseDurationDefault(cfg.Sync.ProbeEvery, 30*time.Second); err != nil {
		return fmt.Errorf("sync.probeEvery: %w", err)
	}
	if cfg.Sync.probeEveryDur <= 0 {
		return fmt.Errorf("sync.probeEvery must be positive")
	}
	if cfg.Sync.maxBackoffDur, err = parseDurationDefault(cfg.Sync.MaxBackoff, 5*time.Minute); err != nil {
		return fmt.Errorf("sync.maxBackoff: %w", err)
	}
	if cfg.Sync.maxBackoffDur <= 0 {
		return fmt.Errorf("sync.maxBackoff must be positive")
	}
	if cfg.Sync.updateEveryDur, err = parseDurationDefault(cfg.Sync.UpdateEvery, 0); err != nil {
		return fmt.Errorf("sync.updateEvery: %w", err)
	}
	if cfg.Logging.logStatsEveryDur, err = parseDurationDefault(cfg.Logging.LogStatsEvery, 0); err != nil {
		return fmt.Errorf("logging.logStatsEvery: %w", err)
	}
	return nil
}

func parseDurationDefault(s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// Generations returns the generation tags currently declared by the config.
func (cfg Config) Generations() Generations {
	g := Generations{}
	for _, role := range allRoles {
		tag := cfg.Cache.Version
		if t, ok := cfg.Cache.Generations[string(role)]; ok && t != "" {
			tag = t
		}
		g[role] = tag
	}
	return g
}
