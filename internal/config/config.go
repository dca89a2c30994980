package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"recobox/backend/internal/recommendation"
	"recobox/backend/internal/timing"
)

// DefaultConfigPaths are searched in order when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{"config.yaml", "config.yml", "/etc/recobox/config.yaml"}

const ConfigPathEnvVar = "CONFIG_PATH"

type Config struct {
	Server     ServerConfig         `koanf:"server"`
	Database   DatabaseConfig       `koanf:"database"`
	Redis      RedisConfig          `koanf:"redis"`
	Auth       AuthConfig           `koanf:"auth"`
	Logging    LoggingConfig        `koanf:"logging"`
	Ingest     IngestConfig         `koanf:"ingest"`
	Recommend  RecommendConfig      `koanf:"recommend"`
	Weather    WeatherConfig        `koanf:"weather"`
	Classifier ClassifierConfig     `koanf:"classifier"`
	Timing     TimingConfig         `koanf:"timing"`
	Rules      recommendation.Rules `koanf:"rules"`
}

type ServerConfig struct {
	Port           string `koanf:"port"`
	AllowedOrigin  string `koanf:"allowed_origin"`
	MaxUploadBytes int64  `koanf:"max_upload_bytes"`
}

type DatabaseConfig struct {
	URL     string `koanf:"url"`
	Migrate bool   `koanf:"migrate"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type AuthConfig struct {
	Secret   string        `koanf:"secret"`
	TokenTTL time.Duration `koanf:"token_ttl"`
	// OperatorTenants may call endpoints that act on data shared by every
	// tenant, such as category reclassification. Empty disables them over HTTP.
	OperatorTenants []string `koanf:"operator_tenants"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

type IngestConfig struct {
	ChunkSize int `koanf:"chunk_size"`
	Workers   int `koanf:"workers"`
	// TopN truncates per-chunk rankings before they are persisted. Zero keeps
	// every product so chunked and single-pass totals agree.
	TopN int `koanf:"top_n"`
}

type RecommendConfig struct {
	DefaultTopN    int           `koanf:"default_top_n"`
	MaxTopN        int           `koanf:"max_top_n"`
	CandidateExtra int           `koanf:"candidate_extra"`
	CacheTTL       time.Duration `koanf:"cache_ttl"`
	// MergeSeed fixes the sampling seed when non-zero.
	MergeSeed uint64 `koanf:"merge_seed"`
}

type WeatherConfig struct {
	URL      string        `koanf:"url"`
	APIKey   string        `koanf:"api_key"`
	Timeout  time.Duration `koanf:"timeout"`
	CacheTTL time.Duration `koanf:"cache_ttl"`
}

type ClassifierConfig struct {
	GeminiAPIKey      string `koanf:"gemini_api_key"`
	Model             string `koanf:"model"`
	BatchSize         int    `koanf:"batch_size"`
	RequestsPerMinute int    `koanf:"requests_per_minute"`
}

type TimingConfig struct {
	Buckets []timing.Range `koanf:"buckets"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           "8080",
			AllowedOrigin:  "http://127.0.0.1:3000",
			MaxUploadBytes: 64 << 20,
		},
		Database: DatabaseConfig{Migrate: true},
		Auth:     AuthConfig{TokenTTL: 8 * time.Hour},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		Ingest:   IngestConfig{ChunkSize: 50000, Workers: 4},
		Recommend: RecommendConfig{
			DefaultTopN:    5,
			MaxTopN:        50,
			CandidateExtra: 50,
			CacheTTL:       20 * time.Second,
		},
		Weather: WeatherConfig{
			URL:      "https://api.tomorrow.io/v4/weather/forecast",
			Timeout:  800 * time.Millisecond,
			CacheTTL: 5 * 24 * time.Hour,
		},
		Classifier: ClassifierConfig{
			Model:             "gemini-2.5-flash",
			BatchSize:         40,
			RequestsPerMinute: 30,
		},
		Timing: TimingConfig{Buckets: timing.DefaultBuckets()},
		Rules:  recommendation.DefaultRules(),
	}
}

// Load layers defaults, an optional YAML file and environment variables, in
// increasing priority, then validates the result.
func Load() (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Auth.Secret = strings.TrimSpace(cfg.Auth.Secret)
	cfg.Auth.OperatorTenants = splitList(cfg.Auth.OperatorTenants)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path
		}
		return ""
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envKeys maps supported environment variables onto config paths. Variables
// not listed are ignored.
var envKeys = map[string]string{
	"PORT":                       "server.port",
	"ALLOWED_ORIGIN":             "server.allowed_origin",
	"MAX_UPLOAD_BYTES":           "server.max_upload_bytes",
	"DATABASE_URL":               "database.url",
	"DATABASE_MIGRATE":           "database.migrate",
	"REDIS_ADDR":                 "redis.addr",
	"REDIS_PASSWORD":             "redis.password",
	"REDIS_DB":                   "redis.db",
	"AUTH_SECRET":                "auth.secret",
	"ACCESS_TOKEN_TTL":           "auth.token_ttl",
	"AUTH_OPERATOR_TENANTS":      "auth.operator_tenants",
	"LOG_LEVEL":                  "logging.level",
	"LOG_FORMAT":                 "logging.format",
	"LOG_CALLER":                 "logging.caller",
	"INGEST_CHUNK_SIZE":          "ingest.chunk_size",
	"INGEST_WORKERS":             "ingest.workers",
	"INGEST_TOP_N":               "ingest.top_n",
	"RECOMMEND_DEFAULT_TOP_N":    "recommend.default_top_n",
	"RECOMMEND_MAX_TOP_N":        "recommend.max_top_n",
	"RECOMMEND_CANDIDATE_EXTRA":  "recommend.candidate_extra",
	"RECOMMENDATION_CACHE_TTL":   "recommend.cache_ttl",
	"MERGE_SEED":                 "recommend.merge_seed",
	"WEATHER_API_URL":            "weather.url",
	"WEATHER_API_KEY":            "weather.api_key",
	"WEATHER_TIMEOUT":            "weather.timeout",
	"WEATHER_CACHE_TTL":          "weather.cache_ttl",
	"GEMINI_API_KEY":             "classifier.gemini_api_key",
	"GEMINI_MODEL":               "classifier.model",
	"CLASSIFIER_BATCH_SIZE":      "classifier.batch_size",
	"CLASSIFIER_RPM":             "classifier.requests_per_minute",
	"RULES_TIME_GATING":          "rules.time_gating",
	"RULES_MAX_PER_SUBCATEGORY":  "rules.max_per_subcategory",
}

func envTransformFunc(key string) string {
	return envKeys[key]
}

// splitList accepts both YAML lists and comma separated environment values.
func splitList(items []string) []string {
	var out []string
	for _, item := range items {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Server.Port)
}

func (c Config) Validate() error {
	var errs []error
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	if c.Ingest.ChunkSize < 1 {
		errs = append(errs, errors.New("ingest.chunk_size must be at least 1"))
	}
	if c.Ingest.Workers < 1 {
		errs = append(errs, errors.New("ingest.workers must be at least 1"))
	}
	if c.Recommend.DefaultTopN < 1 || c.Recommend.MaxTopN < c.Recommend.DefaultTopN {
		errs = append(errs, errors.New("recommend.default_top_n must be at least 1 and not above max_top_n"))
	}
	if c.Recommend.CandidateExtra < 0 {
		errs = append(errs, errors.New("recommend.candidate_extra must not be negative"))
	}
	if c.Weather.Timeout <= 0 {
		errs = append(errs, errors.New("weather.timeout must be positive"))
	}
	if len(c.Timing.Buckets) == 0 {
		errs = append(errs, errors.New("timing.buckets must not be empty"))
	}
	for _, r := range append(append([]timing.Range{}, c.Timing.Buckets...), c.Rules.TimeSlots...) {
		if r.Name == "" {
			errs = append(errs, errors.New("time ranges need a name"))
		}
		if r.Start < 0 || r.Start > 24 || r.End < 0 || r.End > 24 {
			errs = append(errs, fmt.Errorf("time range %q must use hours between 0 and 24", r.Name))
		}
	}
	return errors.Join(errs...)
}
