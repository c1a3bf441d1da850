// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir        string // Base directory for the engine database and key material
	Port           int
	LogLevel       string
	DevMode        bool
	DockerHost     string   // Container runtime endpoint; empty means try known aliases
	BackendURL     string   // Public base URL used to construct proxy URLs in responses
	AllowedOrigins []string // CORS allow-list; empty means permissive
	Backup         *BackupConfig
}

// BackupConfig holds optional S3/R2 off-site backup settings.
// Backups are disabled unless both bucket and endpoint are configured.
type BackupConfig struct {
	Bucket          string
	Endpoint        string // S3-compatible endpoint (e.g. Cloudflare R2 account endpoint)
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Schedule        string // Optional cron expression for automatic backups
}

// Enabled reports whether backup uploads are configured.
func (b *BackupConfig) Enabled() bool {
	return b != nil && b.Bucket != "" && b.Endpoint != ""
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("ENGINE_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// BACKEND_URL is the canonical setting; VITE_API_URL is honored for
	// deployments that share the frontend env file.
	backendURL := getEnv("BACKEND_URL", "")
	if backendURL == "" {
		backendURL = getEnv("VITE_API_URL", "http://localhost:8000")
	}

	cfg := &Config{
		DataDir:        absDataDir,
		Port:           getEnvAsInt("PORT", 8000),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		DevMode:        getEnvAsBool("DEV_MODE", false),
		DockerHost:     getEnv("DOCKER_HOST", ""),
		BackendURL:     strings.TrimRight(backendURL, "/"),
		AllowedOrigins: splitCSV(getEnv("ALLOWED_ORIGINS", "")),
		Backup:         loadBackupConfig(),
	}

	return cfg, nil
}

func loadBackupConfig() *BackupConfig {
	cfg := &BackupConfig{
		Bucket:          getEnv("BACKUP_S3_BUCKET", ""),
		Endpoint:        getEnv("BACKUP_S3_ENDPOINT", ""),
		Region:          getEnv("BACKUP_S3_REGION", "auto"),
		AccessKeyID:     getEnv("BACKUP_S3_ACCESS_KEY_ID", ""),
		SecretAccessKey: getEnv("BACKUP_S3_SECRET_ACCESS_KEY", ""),
		Schedule:        getEnv("BACKUP_SCHEDULE", ""),
	}
	if cfg.Bucket == "" && cfg.Endpoint == "" {
		return nil
	}
	return cfg
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
