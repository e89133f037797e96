// Package config loads service settings from an optional YAML file, a .env file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"poolroute/internal/model"
)

type Config struct {
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`
	Database struct {
		DSN     string `yaml:"dsn"`
		Migrate bool   `yaml:"migrate"`
	} `yaml:"database"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	AMQP struct {
		URL   string `yaml:"url"`
		Queue string `yaml:"queue"`
	} `yaml:"amqp"`
	Distance  Distance  `yaml:"distance"`
	Optimizer Optimizer `yaml:"optimizer"`
	Jobs      struct {
		Workers      int           `yaml:"workers"`
		QueueTimeout time.Duration `yaml:"queue_timeout"`
	} `yaml:"jobs"`
	Webhooks struct {
		MaxAttempts int `yaml:"max_attempts"`
	} `yaml:"webhooks"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

type Distance struct {
	Provider          string        `yaml:"provider"` // google | haversine
	GoogleAPIKey      string        `yaml:"google_api_key"`
	LatencyBudget     time.Duration `yaml:"latency_budget"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	CacheTTL          time.Duration `yaml:"cache_ttl"`
	CachePurge        time.Duration `yaml:"cache_purge_interval"`
	Precision         int           `yaml:"precision"`
}

type Optimizer struct {
	Weights            model.Weights   `yaml:"weights"`
	QuickBudget        time.Duration   `yaml:"quick_budget"`
	ThoroughBudget     time.Duration   `yaml:"thorough_budget"`
	QuickIterations    int             `yaml:"quick_iterations"`
	ThoroughIterations int             `yaml:"thorough_iterations"`
	AvgSpeedMph        float64         `yaml:"avg_speed_mph"`
	ImbalanceThreshold float64         `yaml:"imbalance_threshold"`
	BalanceRounds      int             `yaml:"balance_rounds"`
	Horizon            []model.Weekday `yaml:"horizon"`
	ServiceDurations   map[string]int  `yaml:"service_durations"`
	DefaultDuration    int             `yaml:"default_duration"`
	DifficultyFactors  []float64       `yaml:"difficulty_factors"`
}

// Load reads .env (if present), then the YAML file named by POOLROUTE_CONFIG (if set), then
// applies environment overrides and defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()
	var cfg Config
	if path := os.Getenv("POOLROUTE_CONFIG"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	var problems []string
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				problems = append(problems, key+" must be a number")
				return
			}
			*dst = f
		}
	}
	integer := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				problems = append(problems, key+" must be an integer")
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				problems = append(problems, key+" must be a duration")
				return
			}
			*dst = d
		}
	}

	if v := os.Getenv("PORT"); v != "" {
		cfg.HTTP.Addr = ":" + v
	}
	str("HTTP_ADDR", &cfg.HTTP.Addr)
	str("DATABASE_URL", &cfg.Database.DSN)
	if v := os.Getenv("DB_MIGRATE"); v != "" {
		cfg.Database.Migrate = v != "false"
	} else if cfg.Database.DSN != "" && os.Getenv("POOLROUTE_CONFIG") == "" {
		cfg.Database.Migrate = true
	}
	str("REDIS_URL", &cfg.Redis.URL)
	str("AMQP_URL", &cfg.AMQP.URL)
	str("AMQP_QUEUE", &cfg.AMQP.Queue)
	str("DISTANCE_PROVIDER", &cfg.Distance.Provider)
	str("GOOGLE_MAPS_API_KEY", &cfg.Distance.GoogleAPIKey)
	dur("DISTANCE_LATENCY_BUDGET", &cfg.Distance.LatencyBudget)
	dur("DISTANCE_CACHE_TTL", &cfg.Distance.CacheTTL)
	dur("DISTANCE_CACHE_PURGE_INTERVAL", &cfg.Distance.CachePurge)
	num("DISTANCE_RPS", &cfg.Distance.RequestsPerSecond)
	num("OPT_AVG_SPEED_MPH", &cfg.Optimizer.AvgSpeedMph)
	num("OPT_IMBALANCE_THRESHOLD", &cfg.Optimizer.ImbalanceThreshold)
	dur("OPT_QUICK_BUDGET", &cfg.Optimizer.QuickBudget)
	dur("OPT_THOROUGH_BUDGET", &cfg.Optimizer.ThoroughBudget)
	integer("JOB_WORKERS", &cfg.Jobs.Workers)
	dur("JOB_QUEUE_TIMEOUT", &cfg.Jobs.QueueTimeout)
	integer("WEBHOOK_MAX_ATTEMPTS", &cfg.Webhooks.MaxAttempts)
	str("LOG_LEVEL", &cfg.Log.Level)

	if len(problems) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(problems, "; "))
	}
	return nil
}

// applyDefaults sets safe defaults for unset fields.
func applyDefaults(cfg *Config) {
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.AMQP.Queue == "" {
		cfg.AMQP.Queue = "poolroute.optimize"
	}

	d := &cfg.Distance
	if d.Provider == "" {
		if d.GoogleAPIKey != "" {
			d.Provider = "google"
		} else {
			d.Provider = "haversine"
		}
	}
	if d.LatencyBudget == 0 {
		d.LatencyBudget = 10 * time.Second
	}
	if d.RequestsPerSecond == 0 {
		d.RequestsPerSecond = 10
	}
	if d.CacheTTL == 0 {
		d.CacheTTL = 24 * time.Hour
	}
	if d.CachePurge == 0 {
		d.CachePurge = 10 * time.Minute
	}
	if d.Precision == 0 {
		d.Precision = 4
	}

	o := &cfg.Optimizer
	if o.QuickBudget == 0 {
		o.QuickBudget = 30 * time.Second
	}
	if o.ThoroughBudget == 0 {
		o.ThoroughBudget = 120 * time.Second
	}
	if o.QuickIterations == 0 {
		o.QuickIterations = 2000
	}
	if o.ThoroughIterations == 0 {
		o.ThoroughIterations = 8000
	}
	if o.AvgSpeedMph == 0 {
		o.AvgSpeedMph = 25
	}
	if o.ImbalanceThreshold == 0 {
		o.ImbalanceThreshold = 0.15
	}
	if o.BalanceRounds == 0 {
		o.BalanceRounds = 3
	}
	if len(o.Horizon) == 0 {
		o.Horizon = append([]model.Weekday(nil), model.WorkWeek...)
	}

	if cfg.Jobs.Workers == 0 {
		cfg.Jobs.Workers = 2
	}
	if cfg.Jobs.QueueTimeout == 0 {
		cfg.Jobs.QueueTimeout = 30 * time.Minute
	}
	if cfg.Webhooks.MaxAttempts == 0 {
		cfg.Webhooks.MaxAttempts = 5
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// validate checks ranges and cross-field requirements.
func (c *Config) validate() error {
	var problems []string

	switch c.Distance.Provider {
	case "haversine":
	case "google":
		if c.Distance.GoogleAPIKey == "" {
			problems = append(problems, "distance.google_api_key is required for the google provider")
		}
	default:
		problems = append(problems, "distance.provider must be google or haversine")
	}
	if c.Distance.Precision < 1 || c.Distance.Precision > 7 {
		problems = append(problems, "distance.precision must be in 1..7")
	}
	if c.Distance.RequestsPerSecond < 0 {
		problems = append(problems, "distance.requests_per_second must be >= 0")
	}

	o := c.Optimizer
	w := o.Weights
	if w.DriveMinutes < 0 || w.DistanceMiles < 0 || w.Unassigned < 0 || w.Reassignment < 0 {
		problems = append(problems, "optimizer.weights must be >= 0")
	}
	if o.AvgSpeedMph <= 0 || o.AvgSpeedMph > 90 {
		problems = append(problems, "optimizer.avg_speed_mph must be in (0,90]")
	}
	if o.ImbalanceThreshold <= 0 || o.ImbalanceThreshold >= 1 {
		problems = append(problems, "optimizer.imbalance_threshold must be in (0,1)")
	}
	if o.QuickBudget < 0 || o.ThoroughBudget < 0 {
		problems = append(problems, "optimizer budgets must be >= 0")
	}
	for _, d := range o.Horizon {
		if !d.Valid() {
			problems = append(problems, fmt.Sprintf("optimizer.horizon has invalid day %q", d))
		}
	}
	for typ, min := range o.ServiceDurations {
		if min <= 0 {
			problems = append(problems, fmt.Sprintf("optimizer.service_durations.%s must be > 0", typ))
		}
	}
	if n := len(o.DifficultyFactors); n != 0 && n != 5 {
		problems = append(problems, "optimizer.difficulty_factors must list 5 factors")
	}

	if c.Jobs.Workers < 1 {
		problems = append(problems, "jobs.workers must be >= 1")
	}
	if c.Webhooks.MaxAttempts < 1 {
		problems = append(problems, "webhooks.max_attempts must be >= 1")
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}
