package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/gymflag/internal/abtest"
	"github.com/hitoshi/gymflag/internal/flag"
	"github.com/hitoshi/gymflag/internal/model"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL    string
	DBMaxOpenConns int
	DBMaxIdleConns int
	DBConnLifetime time.Duration

	// Input
	InputDir string

	// Batch
	EvalMaxConcurrent  int
	BatchInterval      time.Duration
	BatchDeadline      time.Duration
	FlagRetentionDays  int
	PersistMaxAttempts int
	PersistBackoff     time.Duration

	// Experiment
	ExperimentID     string
	ABGroupOverrides map[string]model.Group

	// Reservation API
	ReservationAPIURL      string
	ReservationAPIInterval time.Duration
	ReservationAPITimeout  time.Duration

	// Server
	ServerPort string

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合、または値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 4)
	cfg.DBMaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", 2)
	cfg.DBConnLifetime = getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute)
	cfg.InputDir = getEnvString("INPUT_DIR", "./data/inputs")
	cfg.EvalMaxConcurrent = getEnvInt("EVAL_MAX_CONCURRENT", 8)
	cfg.BatchInterval = getEnvDuration("BATCH_INTERVAL", 24*time.Hour)
	cfg.BatchDeadline = getEnvDuration("BATCH_DEADLINE", 30*time.Minute)
	cfg.FlagRetentionDays = getEnvInt("FLAG_RETENTION_DAYS", flag.DefaultWindows().Retention)
	cfg.PersistMaxAttempts = getEnvInt("PERSIST_MAX_ATTEMPTS", 3)
	cfg.PersistBackoff = getEnvDuration("PERSIST_BACKOFF", time.Second)
	cfg.ExperimentID = getEnvString("EXPERIMENT_ID", flag.DefaultExperimentID)
	cfg.ReservationAPIURL = getEnvString("RESERVATION_API_URL", "")
	cfg.ReservationAPIInterval = getEnvDuration("RESERVATION_API_INTERVAL", time.Second)
	cfg.ReservationAPITimeout = getEnvDuration("RESERVATION_API_TIMEOUT", 10*time.Second)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.LogLevel = strings.ToLower(getEnvString("LOG_LEVEL", "info"))

	overrides, err := abtest.ParseOverrides(os.Getenv("AB_GROUP_OVERRIDES"))
	if err != nil {
		return nil, fmt.Errorf("invalid AB_GROUP_OVERRIDES: %w", err)
	}
	cfg.ABGroupOverrides = overrides

	if cfg.PersistMaxAttempts < 1 {
		cfg.PersistMaxAttempts = 1
	}

	return cfg, nil
}

// Windows はルールの日数設定を返す。保持期間のみ環境変数で上書きできる。
func (c *Config) Windows() flag.Windows {
	w := flag.DefaultWindows()
	if c.FlagRetentionDays > 0 {
		w.Retention = c.FlagRetentionDays
	}
	return w
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
