package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"log/slog"

	"github.com/joho/godotenv"
)

// Config captures all runtime configuration derived from environment variables.
type Config struct {
	Cloudflare CloudflareConfig
	Controller ControllerConfig
	Origin     OriginConfig
	Docker     DockerConfig
	GateFile   string
	LogLevel   slog.Level
}

type CloudflareConfig struct {
	APIToken   string
	AccountID  string
	ZoneID     string
	TeamDomain string
	BaseURL    string
}

type ControllerConfig struct {
	PollInterval  time.Duration
	RunOnce       bool
	DryRun        bool
	DeleteOrphans bool
	ManagedBy     string
}

type OriginConfig struct {
	ListenAddr string
	ReportsDir string
	AccessAUD  string
}

type DockerConfig struct {
	Host       string
	APIVersion string
}

// Load parses configuration from environment variables. A .env file in the
// working directory is merged in first when present.
func Load() (Config, error) {
	_ = godotenv.Load()

	pollInterval := getEnvDefault("SYNC_POLL_INTERVAL", "5m")
	parsedInterval, err := time.ParseDuration(pollInterval)
	if err != nil {
		return Config{}, fmt.Errorf("invalid SYNC_POLL_INTERVAL: %w", err)
	}

	runOnce, err := parseBoolEnv("SYNC_RUN_ONCE", false)
	if err != nil {
		return Config{}, err
	}
	dryRun, err := parseBoolEnv("SYNC_DRY_RUN", false)
	if err != nil {
		return Config{}, err
	}
	deleteOrphans, err := parseBoolEnv("SYNC_DELETE_ORPHANS", false)
	if err != nil {
		return Config{}, err
	}

	logLevel, err := parseLogLevel(getEnvDefault("LOG_LEVEL", "info"))
	if err != nil {
		return Config{}, err
	}

	apiToken, err := requiredEnv("CF_API_TOKEN")
	if err != nil {
		return Config{}, err
	}
	accountID, err := requiredEnv("CF_ACCOUNT_ID")
	if err != nil {
		return Config{}, err
	}
	zoneID, err := requiredEnv("CF_ZONE_ID")
	if err != nil {
		return Config{}, err
	}

	return Config{
		Cloudflare: CloudflareConfig{
			APIToken:   apiToken,
			AccountID:  accountID,
			ZoneID:     zoneID,
			TeamDomain: strings.TrimSpace(os.Getenv("CF_TEAM_DOMAIN")),
			BaseURL:    os.Getenv("CF_API_BASE_URL"),
		},
		Controller: ControllerConfig{
			PollInterval:  parsedInterval,
			RunOnce:       runOnce,
			DryRun:        dryRun,
			DeleteOrphans: deleteOrphans,
			ManagedBy:     os.Getenv("SYNC_MANAGED_BY"),
		},
		Origin: OriginConfig{
			ListenAddr: getEnvDefault("ORIGIN_LISTEN_ADDR", ":8080"),
			ReportsDir: getEnvDefault("REPORTS_DIR", "reports"),
			AccessAUD:  strings.TrimSpace(os.Getenv("ACCESS_AUD")),
		},
		Docker: DockerConfig{
			Host:       os.Getenv("DOCKER_HOST"),
			APIVersion: os.Getenv("DOCKER_API_VERSION"),
		},
		GateFile: getEnvDefault("GATE_FILE", "gate.yaml"),
		LogLevel: logLevel,
	}, nil
}

func requiredEnv(key string) (string, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return "", fmt.Errorf("missing required %s", key)
	}
	return value, nil
}

func getEnvDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func parseBoolEnv(key string, fallback bool) (bool, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	parsed, err := parseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return parsed, nil
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "true", "1", "yes":
		return true, nil
	case "false", "0", "no":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean %q", value)
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL: %s", value)
	}
}
