package config

import (
	"fmt"
	"log"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

// MaxWorkers is the hard upper bound on supervised worker processes.
const MaxWorkers = 16

// Config holds all application configuration loaded from environment variables.
type Config struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	Browser    BrowserConfig
	Queue      QueueConfig
	Store      StoreConfig
	Supervisor SupervisorConfig
	Worker     WorkerConfig
	Extract    ExtractConfig

	// PostgresDSN enables the optional JSONB mirror of the merged store.
	PostgresDSN string `env:"POSTGRES_DSN"`
}

// BrowserConfig drives the headless page fetcher.
type BrowserConfig struct {
	ChromeBin      string        `env:"CHROME_BIN"`
	Headless       bool          `env:"BROWSER_HEADLESS" envDefault:"true"`
	NavTimeout     time.Duration `env:"NAV_TIMEOUT" envDefault:"45s"`
	CoordTimeout   time.Duration `env:"COORD_TIMEOUT" envDefault:"10s"`
	BlockResources bool          `env:"BLOCK_RESOURCES" envDefault:"true"`
	DebugCapture   bool          `env:"DEBUG_CAPTURE" envDefault:"false"`
	DebugDir       string        `env:"DEBUG_DIR" envDefault:"./output/debug"`
	NavAttempts    int           `env:"NAV_ATTEMPTS" envDefault:"2"`
}

// QueueConfig selects the Redis backend. URL wins over Addr when both are set.
type QueueConfig struct {
	URL        string `env:"REDIS_URL"`
	Addr       string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password   string `env:"REDIS_PASSWORD"`
	DB         int    `env:"REDIS_DB" envDefault:"0"`
	Prefix     string `env:"QUEUE_PREFIX" envDefault:"scrape"`
	MaxRetries int    `env:"QUEUE_MAX_RETRIES" envDefault:"5"`
}

// StoreConfig locates the persisted JSON documents.
type StoreConfig struct {
	Path           string   `env:"STORE_PATH" envDefault:"./data/listings.json"`
	ScrapedPath    string   `env:"SCRAPED_STORE_PATH" envDefault:"./data/scraped.json"`
	FailedJobsPath string   `env:"FAILED_JOBS_PATH" envDefault:"./data/failed-jobs.json"`
	FailedJobsCSV  string   `env:"FAILED_JOBS_CSV"`
	BatchDir       string   `env:"BATCH_DIR" envDefault:"./data/batches"`
	StickyFields   []string `env:"STICKY_FIELDS" envSeparator:"," envDefault:"listingImages,recommendedText,isDetailSoldPresent"`
}

// SupervisorConfig controls worker process management.
type SupervisorConfig struct {
	WorkerCount   int           `env:"WORKER_COUNT" envDefault:"3"`
	RestartDelay  time.Duration `env:"RESTART_DELAY" envDefault:"5s"`
	KillTimeout   time.Duration `env:"KILL_TIMEOUT" envDefault:"10s"`
	RetrySchedule string        `env:"RETRY_SCHEDULE"`
}

// WorkerConfig is read inside each worker process.
type WorkerConfig struct {
	ID          int           `env:"WORKER_ID" envDefault:"0"`
	Concurrency int           `env:"WORKER_CONCURRENCY" envDefault:"1"`
	RateLimit   time.Duration `env:"RATE_LIMIT" envDefault:"2s"`
	PollTimeout time.Duration `env:"POLL_TIMEOUT" envDefault:"5s"`
}

// ExtractConfig tunes field extraction.
type ExtractConfig struct {
	MappingFile string  `env:"MAPPING_FILE"`
	USDPerJPY   float64 `env:"USD_PER_JPY" envDefault:"0.0067"`
}

// Load reads the .env file and returns a populated Config struct.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] No .env file found, falling back to system env vars")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the bounds that cannot be expressed with struct tags.
func (c *Config) Validate() error {
	if c.Supervisor.WorkerCount < 1 {
		return fmt.Errorf("config: WORKER_COUNT must be at least 1, got %d", c.Supervisor.WorkerCount)
	}
	if c.Supervisor.WorkerCount > MaxWorkers {
		return fmt.Errorf("config: WORKER_COUNT must be at most %d, got %d", MaxWorkers, c.Supervisor.WorkerCount)
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("config: QUEUE_MAX_RETRIES must not be negative")
	}
	if c.Browser.NavTimeout <= 0 {
		return fmt.Errorf("config: NAV_TIMEOUT must be positive")
	}
	return nil
}
