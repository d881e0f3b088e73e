package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const prefix = "PHONECHECK_"

var validBackends = map[string]bool{
	"file":   true,
	"sqlite": true,
}

type Config struct {
	BotToken string

	DataDir      string
	StoreBackend string
	DBPath       string
	LockTimeout  time.Duration

	PollTimeout   time.Duration
	PollBackoff   time.Duration
	PersistOffset bool

	CheckerPath    string
	CheckTimeout   time.Duration
	Concurrency    int
	ParallelPerJob int
	QueueSize      int
	JobTimeout     time.Duration
	JobTTL         time.Duration
	SweepInterval  time.Duration

	MaxUploadBytes  int64
	SendRate        int
	CancelOnReplace bool
	NotifyAttempts  int

	AdminAddr    string
	AdminAPIKeys []string
	AdminRate    int

	LogLevel  string
	LogFormat string
}

// StoreDir is where namespace files live with the file backend.
func (c *Config) StoreDir() string { return filepath.Join(c.DataDir, "store") }

// ResultsDir is where results artifacts are written.
func (c *Config) ResultsDir() string { return filepath.Join(c.DataDir, "results") }

// Load reads the configuration from the environment, after loading envFile
// when it exists. Variables already set in the environment take precedence
// over the file.
func Load(envFile string) (*Config, error) {
	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}
	return fromEnv(false)
}

// LoadOffline is Load without the bot token requirement, for commands that
// only read the store.
func LoadOffline(envFile string) (*Config, error) {
	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}
	return fromEnv(true)
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func fromEnv(offline bool) (*Config, error) {
	cfg := &Config{
		BotToken:     getEnv("BOT_TOKEN", ""),
		DataDir:      getEnv("DATA_DIR", "data"),
		StoreBackend: getEnv("STORE_BACKEND", "file"),
		CheckerPath:  getEnv("CHECKER_PATH", "phonecheck-checker"),
		AdminAddr:    getEnv("ADMIN_ADDR", ""),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		LogFormat:    getEnv("LOG_FORMAT", "json"),
	}
	cfg.DBPath = getEnv("DB_PATH", filepath.Join(cfg.DataDir, "phonecheck.db"))

	if cfg.BotToken == "" && !offline {
		return nil, errors.New(prefix + "BOT_TOKEN must not be empty")
	}
	if !validBackends[cfg.StoreBackend] {
		return nil, fmt.Errorf(prefix+"STORE_BACKEND %q must be one of: file, sqlite", cfg.StoreBackend)
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf(prefix+"LOG_FORMAT %q must be json or text", cfg.LogFormat)
	}

	for _, k := range strings.Split(getEnv("ADMIN_API_KEYS", ""), ",") {
		if k = strings.TrimSpace(k); k != "" {
			cfg.AdminAPIKeys = append(cfg.AdminAPIKeys, k)
		}
	}
	if cfg.AdminAddr != "" && len(cfg.AdminAPIKeys) == 0 {
		return nil, errors.New(prefix + "ADMIN_API_KEYS must not be empty when " + prefix + "ADMIN_ADDR is set")
	}

	p := parser{}
	cfg.LockTimeout = p.durationVar("LOCK_TIMEOUT", 10*time.Second)
	cfg.PollTimeout = p.durationVar("POLL_TIMEOUT", 30*time.Second)
	cfg.PollBackoff = p.durationVar("POLL_BACKOFF", 5*time.Second)
	cfg.PersistOffset = p.boolVar("PERSIST_OFFSET", false)
	cfg.CheckTimeout = p.durationVar("CHECK_TIMEOUT", 2*time.Minute)
	cfg.Concurrency = p.intVar("CONCURRENCY", 2)
	cfg.ParallelPerJob = p.intVar("PARALLEL_PER_JOB", 1)
	cfg.QueueSize = p.intVar("QUEUE_SIZE", 100)
	cfg.JobTimeout = p.durationVar("JOB_TIMEOUT", 6*time.Hour)
	cfg.JobTTL = p.durationVar("JOB_TTL", 168*time.Hour)
	cfg.SweepInterval = p.durationVar("SWEEP_INTERVAL", time.Minute)
	cfg.MaxUploadBytes = int64(p.intVar("MAX_UPLOAD_BYTES", 1<<20))
	cfg.SendRate = p.intVar("SEND_RATE", 25)
	cfg.CancelOnReplace = p.boolVar("CANCEL_ON_REPLACE", true)
	cfg.NotifyAttempts = p.intVar("NOTIFY_ATTEMPTS", 5)
	cfg.AdminRate = p.intVar("ADMIN_RATE", 10)
	if p.err != nil {
		return nil, p.err
	}

	if cfg.LockTimeout <= 0 {
		return nil, errors.New(prefix + "LOCK_TIMEOUT must be > 0")
	}
	if cfg.Concurrency < 1 {
		return nil, errors.New(prefix + "CONCURRENCY must be > 0")
	}
	if cfg.ParallelPerJob < 1 {
		return nil, errors.New(prefix + "PARALLEL_PER_JOB must be > 0")
	}
	if cfg.QueueSize < 1 {
		return nil, errors.New(prefix + "QUEUE_SIZE must be > 0")
	}
	if cfg.AdminRate < 1 {
		return nil, errors.New(prefix + "ADMIN_RATE must be > 0")
	}
	if cfg.MaxUploadBytes < 1 {
		return nil, errors.New(prefix + "MAX_UPLOAD_BYTES must be > 0")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(prefix + key); v != "" {
		return v
	}
	return fallback
}

// parser keeps the first conversion error so Load can report it once.
type parser struct {
	err error
}

func (p *parser) intVar(key string, fallback int) int {
	v := os.Getenv(prefix + key)
	if v == "" || p.err != nil {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.err = fmt.Errorf("%s%s: invalid integer %q", prefix, key, v)
		return fallback
	}
	return n
}

func (p *parser) boolVar(key string, fallback bool) bool {
	v := os.Getenv(prefix + key)
	if v == "" || p.err != nil {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.err = fmt.Errorf("%s%s: invalid boolean %q", prefix, key, v)
		return fallback
	}
	return b
}

func (p *parser) durationVar(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(prefix + key)
	if v == "" || p.err != nil {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.err = fmt.Errorf("%s%s: invalid duration %q", prefix, key, v)
		return fallback
	}
	return d
}
