package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Database  DatabaseConfig  `yaml:"database"`
	MariaDB   MariaDBConfig   `yaml:"mariadb"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Extractor ExtractorConfig `yaml:"extractor"`
	Policy    PolicyConfig    `yaml:"policy"`
	Cache     CacheConfig     `yaml:"cache"`
	Match     MatchConfig     `yaml:"match"`
	Request   RequestConfig   `yaml:"request"`
	Web       WebConfig       `yaml:"web"`
	Log       LogConfig       `yaml:"log"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // postgres or mariadb
}

type DatabaseConfig struct {
	URL          string `yaml:"-"` // PostgreSQL connection URL
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type MariaDBConfig struct {
	DSN string `yaml:"-"` // e.g. attendance:secret@tcp(mariadb:3306)/rp_attendance_system?parseTime=true
}

type RedisConfig struct {
	URL string `yaml:"-"` // empty disables the second-level identity cache
}

type KafkaConfig struct {
	Brokers         []string `yaml:"-"` // empty disables attendance events
	AttendanceTopic string   `yaml:"attendance_topic"`
}

type ExtractorConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// PolicyConfig holds the decision thresholds. Confidences are fractions in [0, 1].
type PolicyConfig struct {
	MarginThreshold  float64 `yaml:"margin_threshold"`
	ConfidenceHigh   float64 `yaml:"confidence_high"`
	ConfidenceMedium float64 `yaml:"confidence_medium"`
	MinFaceRatio     float64 `yaml:"min_face_ratio"`
	MaxCenterOffset  float64 `yaml:"max_center_offset"`
	RejectOffCenter  bool    `yaml:"reject_off_center"`
}

type CacheConfig struct {
	TTL          time.Duration `yaml:"ttl"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	CohortTTL    time.Duration `yaml:"cohort_ttl"` // 0 disables cohort caching
	RedisTTL     time.Duration `yaml:"redis_ttl"`
	RedisKey     string        `yaml:"redis_key"`
}

type MatchConfig struct {
	ANNMinIdentities int `yaml:"ann_min_identities"` // 0 disables the HNSW shortlist
	ANNShortlist     int `yaml:"ann_shortlist"`
}

type RequestConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	MaxImageBytes int           `yaml:"max_image_bytes"`
}

type WebConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"-"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// envInt reads an environment variable and parses it as a non-negative integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 {
		return n
	}
	return defaultVal
}

// envFloat reads an environment variable as a float, falling back to the default.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return defaultVal
}

// envDuration accepts Go durations ("90s") or plain seconds ("300").
func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		return d
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 {
		return time.Duration(n) * time.Second
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// envList splits a comma-separated environment variable, dropping empty entries.
func envList(key string) []string {
	var out []string
	for item := range strings.SplitSeq(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Defaults returns the configuration encoded in the embedded defaults.yaml.
func Defaults() *Config {
	cfg := &Config{
		Database: DatabaseConfig{MaxOpenConns: 25, MaxIdleConns: 5},
	}
	if err := yaml.Unmarshal(defaultsYAML, cfg); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}
	return cfg
}

func Load() *Config {
	cfg := Defaults()

	cfg.Store.Driver = envString("STORE_DRIVER", cfg.Store.Driver)

	cfg.Database.URL = os.Getenv("DATABASE_URL")
	cfg.Database.MaxOpenConns = envInt("DATABASE_MAX_OPEN_CONNS", cfg.Database.MaxOpenConns)
	cfg.Database.MaxIdleConns = envInt("DATABASE_MAX_IDLE_CONNS", cfg.Database.MaxIdleConns)
	cfg.MariaDB.DSN = os.Getenv("MARIADB_DSN")
	cfg.Redis.URL = os.Getenv("REDIS_URL")
	cfg.Kafka.Brokers = envList("KAFKA_BROKERS")
	cfg.Kafka.AttendanceTopic = envString("KAFKA_ATTENDANCE_TOPIC", cfg.Kafka.AttendanceTopic)

	cfg.Extractor.URL = envString("EXTRACTOR_URL", cfg.Extractor.URL)
	cfg.Extractor.Timeout = envDuration("EXTRACTOR_TIMEOUT", cfg.Extractor.Timeout)

	cfg.Policy.MarginThreshold = envFloat("MARGIN_THRESHOLD", cfg.Policy.MarginThreshold)
	cfg.Policy.ConfidenceHigh = envFloat("CONFIDENCE_THRESHOLD_HIGH", cfg.Policy.ConfidenceHigh)
	cfg.Policy.ConfidenceMedium = envFloat("CONFIDENCE_THRESHOLD_MEDIUM", cfg.Policy.ConfidenceMedium)
	cfg.Policy.MinFaceRatio = envFloat("MIN_FACE_RATIO", cfg.Policy.MinFaceRatio)
	cfg.Policy.MaxCenterOffset = envFloat("MAX_CENTER_OFFSET", cfg.Policy.MaxCenterOffset)
	cfg.Policy.RejectOffCenter = envBool("REJECT_OFF_CENTER", cfg.Policy.RejectOffCenter)

	cfg.Cache.TTL = envDuration("CACHE_TTL", cfg.Cache.TTL)
	cfg.Cache.RetryBackoff = envDuration("CACHE_RETRY_BACKOFF", cfg.Cache.RetryBackoff)
	cfg.Cache.CohortTTL = envDuration("COHORT_CACHE_TTL", cfg.Cache.CohortTTL)
	cfg.Cache.RedisTTL = envDuration("REDIS_CACHE_TTL", cfg.Cache.RedisTTL)

	cfg.Match.ANNMinIdentities = envInt("MATCH_ANN_MIN_IDENTITIES", cfg.Match.ANNMinIdentities)
	cfg.Match.ANNShortlist = envInt("MATCH_ANN_SHORTLIST", cfg.Match.ANNShortlist)

	cfg.Request.Timeout = envDuration("REQUEST_TIMEOUT", cfg.Request.Timeout)
	cfg.Request.MaxImageBytes = envInt("MAX_IMAGE_BYTES", cfg.Request.MaxImageBytes)

	cfg.Web.Host = envString("WEB_HOST", cfg.Web.Host)
	cfg.Web.Port = envInt("WEB_PORT", cfg.Web.Port)
	cfg.Web.AllowedOrigins = envList("WEB_ALLOWED_ORIGINS")

	cfg.Log.Level = envString("LOG_LEVEL", cfg.Log.Level)

	return cfg
}

// Validate checks that the policy thresholds are consistent.
// IdentityCacheTTL returns the Redis identity key TTL capped at the registry TTL, so a reload
// never serves identities older than CACHE_TTL. capped reports whether REDIS_CACHE_TTL was lowered.
func (c *Config) IdentityCacheTTL() (ttl time.Duration, capped bool) {
	if c.Cache.RedisTTL > c.Cache.TTL {
		return c.Cache.TTL, true
	}
	return c.Cache.RedisTTL, false
}

func (c *Config) Validate() error {
	p := c.Policy
	var errs []error
	bounded := []struct {
		name  string
		value float64
	}{
		{"MARGIN_THRESHOLD", p.MarginThreshold},
		{"CONFIDENCE_THRESHOLD_HIGH", p.ConfidenceHigh},
		{"CONFIDENCE_THRESHOLD_MEDIUM", p.ConfidenceMedium},
		{"MIN_FACE_RATIO", p.MinFaceRatio},
		{"MAX_CENTER_OFFSET", p.MaxCenterOffset},
	}
	for _, b := range bounded {
		if b.value < 0 || b.value > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [0, 1], got %v", b.name, b.value))
		}
	}
	if p.ConfidenceMedium > p.ConfidenceHigh {
		errs = append(errs, fmt.Errorf("CONFIDENCE_THRESHOLD_MEDIUM (%v) must not exceed CONFIDENCE_THRESHOLD_HIGH (%v)",
			p.ConfidenceMedium, p.ConfidenceHigh))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("CACHE_TTL must be positive"))
	}
	if c.Request.Timeout <= 0 {
		errs = append(errs, errors.New("REQUEST_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}
