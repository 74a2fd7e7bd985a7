package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

// CredentialEnvKey is the conventional environment variable holding the
// reasoning provider's API key. SQLAGENT_AI_API_KEY takes precedence.
const CredentialEnvKey = "GROQ_API_KEY"

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	HTTP          HTTPConfig
	Dataset       DatasetConfig
	ObjectStore   ObjectStoreConfig
	AI            AIConfig
	UI            UIConfig
	History       HistoryConfig
	Observability ObservabilityConfig
}

type ServiceConfig struct {
	Name string
}

type HTTPConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type DatasetConfig struct {
	Path      string
	DBPath    string
	Table     string
	ObjectKey string
}

type ObjectStoreConfig struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Prefix          string
}

type AIConfig struct {
	BaseURL         string
	APIKey          string
	Model           string
	Temperature     float64
	Timeout         time.Duration
	RunTimeout      time.Duration
	Dialect         string
	TopK            int
	MaxSteps        int
	EnforceReadOnly bool
	EnforceRowLimit bool
}

type UIConfig struct {
	PreviewRows int
	SessionTTL  time.Duration
}

type HistoryConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
	RecentLimit     int
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

// ObjectStoreEnabled reports whether the dataset should be fetched from the
// object store before import.
func (c Config) ObjectStoreEnabled() bool {
	return c.Dataset.ObjectKey != "" && c.ObjectStore.Endpoint != "" && c.ObjectStore.Bucket != ""
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("SQLAGENT_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid SQLAGENT_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	appliers := []func() error{
		func() error { return applyString(lookup, "SQLAGENT_SERVICE_NAME", &cfg.Service.Name) },
		func() error { return applyString(lookup, "SQLAGENT_HTTP_ADDR", &cfg.HTTP.Address) },
		func() error { return applyDuration(lookup, "SQLAGENT_HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout) },
		func() error { return applyDuration(lookup, "SQLAGENT_HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout) },
		func() error { return applyDuration(lookup, "SQLAGENT_HTTP_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout) },
		func() error { return applyString(lookup, "SQLAGENT_DATASET_PATH", &cfg.Dataset.Path) },
		func() error { return applyString(lookup, "SQLAGENT_DATASET_DB_PATH", &cfg.Dataset.DBPath) },
		func() error { return applyString(lookup, "SQLAGENT_DATASET_TABLE", &cfg.Dataset.Table) },
		func() error { return applyString(lookup, "SQLAGENT_DATASET_OBJECT_KEY", &cfg.Dataset.ObjectKey) },
		func() error { return applyString(lookup, "SQLAGENT_OBJECTSTORE_ENDPOINT", &cfg.ObjectStore.Endpoint) },
		func() error { return applyString(lookup, "SQLAGENT_OBJECTSTORE_REGION", &cfg.ObjectStore.Region) },
		func() error { return applyString(lookup, "SQLAGENT_OBJECTSTORE_BUCKET", &cfg.ObjectStore.Bucket) },
		func() error { return applyString(lookup, "SQLAGENT_OBJECTSTORE_ACCESS_KEY", &cfg.ObjectStore.AccessKeyID) },
		func() error { return applyString(lookup, "SQLAGENT_OBJECTSTORE_SECRET_KEY", &cfg.ObjectStore.SecretAccessKey) },
		func() error { return applyBool(lookup, "SQLAGENT_OBJECTSTORE_USE_SSL", &cfg.ObjectStore.UseSSL) },
		func() error { return applyString(lookup, "SQLAGENT_OBJECTSTORE_PREFIX", &cfg.ObjectStore.Prefix) },
		func() error { return applyString(lookup, "SQLAGENT_AI_BASE_URL", &cfg.AI.BaseURL) },
		func() error { return applyString(lookup, CredentialEnvKey, &cfg.AI.APIKey) },
		func() error { return applyString(lookup, "SQLAGENT_AI_API_KEY", &cfg.AI.APIKey) },
		func() error { return applyString(lookup, "SQLAGENT_AI_MODEL", &cfg.AI.Model) },
		func() error { return applyFloat(lookup, "SQLAGENT_AI_TEMPERATURE", &cfg.AI.Temperature) },
		func() error { return applyDuration(lookup, "SQLAGENT_AI_TIMEOUT", &cfg.AI.Timeout) },
		func() error { return applyDuration(lookup, "SQLAGENT_AI_RUN_TIMEOUT", &cfg.AI.RunTimeout) },
		func() error { return applyString(lookup, "SQLAGENT_AI_DIALECT", &cfg.AI.Dialect) },
		func() error { return applyInt(lookup, "SQLAGENT_AI_TOP_K", &cfg.AI.TopK) },
		func() error { return applyInt(lookup, "SQLAGENT_AI_MAX_STEPS", &cfg.AI.MaxSteps) },
		func() error { return applyBool(lookup, "SQLAGENT_AI_ENFORCE_READ_ONLY", &cfg.AI.EnforceReadOnly) },
		func() error { return applyBool(lookup, "SQLAGENT_AI_ENFORCE_ROW_LIMIT", &cfg.AI.EnforceRowLimit) },
		func() error { return applyInt(lookup, "SQLAGENT_UI_PREVIEW_ROWS", &cfg.UI.PreviewRows) },
		func() error { return applyDuration(lookup, "SQLAGENT_UI_SESSION_TTL", &cfg.UI.SessionTTL) },
		func() error { return applyString(lookup, "SQLAGENT_HISTORY_DSN", &cfg.History.DSN) },
		func() error { return applyInt(lookup, "SQLAGENT_HISTORY_MAX_OPEN_CONNS", &cfg.History.MaxOpenConns) },
		func() error { return applyInt(lookup, "SQLAGENT_HISTORY_MAX_IDLE_CONNS", &cfg.History.MaxIdleConns) },
		func() error {
			return applyDuration(lookup, "SQLAGENT_HISTORY_CONN_MAX_IDLE_TIME", &cfg.History.ConnMaxIdleTime)
		},
		func() error {
			return applyDuration(lookup, "SQLAGENT_HISTORY_CONN_MAX_LIFETIME", &cfg.History.ConnMaxLifetime)
		},
		func() error { return applyInt(lookup, "SQLAGENT_HISTORY_RECENT_LIMIT", &cfg.History.RecentLimit) },
		func() error { return applyBool(lookup, "SQLAGENT_LOG_JSON", &cfg.Observability.LogJSON) },
		func() error { return applyLogLevel(lookup, "SQLAGENT_LOG_LEVEL", &cfg.Observability.LogLevel) },
	}
	for _, apply := range appliers {
		if err := apply(); err != nil {
			return Config{}, err
		}
	}

	if cfg.Service.Name == "" {
		return Config{}, fmt.Errorf("service name is required")
	}
	if cfg.HTTP.Address == "" {
		return Config{}, fmt.Errorf("http address is required")
	}
	if cfg.Dataset.Path == "" {
		return Config{}, fmt.Errorf("dataset path is required")
	}
	if cfg.Dataset.DBPath == "" {
		return Config{}, fmt.Errorf("dataset db path is required")
	}
	if cfg.Dataset.Table == "" {
		return Config{}, fmt.Errorf("dataset table is required")
	}
	if cfg.AI.TopK <= 0 {
		return Config{}, fmt.Errorf("invalid SQLAGENT_AI_TOP_K: must be > 0")
	}
	if cfg.AI.MaxSteps <= 0 {
		return Config{}, fmt.Errorf("invalid SQLAGENT_AI_MAX_STEPS: must be > 0")
	}
	if cfg.AI.RunTimeout <= 0 {
		return Config{}, fmt.Errorf("invalid SQLAGENT_AI_RUN_TIMEOUT: must be > 0")
	}
	// The answer page is written after the run, so the run has to end first.
	if cfg.HTTP.WriteTimeout > 0 && cfg.AI.RunTimeout >= cfg.HTTP.WriteTimeout {
		return Config{}, fmt.Errorf("invalid SQLAGENT_AI_RUN_TIMEOUT: %s must be shorter than SQLAGENT_HTTP_WRITE_TIMEOUT %s", cfg.AI.RunTimeout, cfg.HTTP.WriteTimeout)
	}
	return cfg, nil
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "sqlagent-web"},
		HTTP: HTTPConfig{
			Address:      ":8501",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 150 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Dataset: DatasetConfig{
			Path:   "./data/salaries_2023.csv",
			DBPath: "./db/salary.duckdb",
			Table:  "salaries_2023",
		},
		ObjectStore: ObjectStoreConfig{
			Region: "us-east-1",
		},
		AI: AIConfig{
			BaseURL:     "https://api.groq.com/openai/v1/",
			Model:       "llama3-70b-8192",
			Temperature: 0,
			Timeout:     120 * time.Second,
			RunTimeout:  140 * time.Second,
			Dialect:     "DuckDB",
			TopK:        30,
			MaxSteps:    15,
		},
		UI: UIConfig{
			PreviewRows: 5,
			SessionTTL:  30 * time.Minute,
		},
		History: HistoryConfig{
			MaxOpenConns:    5,
			MaxIdleConns:    5,
			ConnMaxIdleTime: 5 * time.Minute,
			ConnMaxLifetime: 30 * time.Minute,
			RecentLimit:     10,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  true,
		},
	}

	switch profile {
	case ProfileTest:
		cfg.HTTP.Address = ":18501"
		cfg.Observability.LogLevel = slog.LevelWarn
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.ObjectStore.UseSSL = true
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyFloat(lookup LookupFunc, key string, dst *float64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	level := strings.ToLower(strings.TrimSpace(raw))
	switch level {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}
