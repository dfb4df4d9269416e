package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Admission  AdmissionConfig
	Validation ValidationConfig
	Reaper     ReaperConfig
	App        AppConfig
}

type ServerConfig struct {
	Port           string
	AdminAPIKey    string
	RateLimitRPS   float64
	RateLimitBurst int
	CORSOrigins    []string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// AdmissionConfig carries the geo/anonymizer policy knobs. The allow-list
// here is the service-wide default; a link-level allow-list overrides it.
type AdmissionConfig struct {
	ProviderURL         string
	ProviderTimeout     time.Duration
	AnonymizerThreshold float64
	AllowedCountries    []string
	RequiredConsent     []string
}

type ValidationConfig struct {
	DelayMin     time.Duration
	DelayMax     time.Duration
	AnswerWindow time.Duration
}

type ReaperConfig struct {
	Spec       string
	PendingTTL time.Duration
}

type AppConfig struct {
	Environment string
	LogLevel    string
	Version     string
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			AdminAPIKey:    getEnv("ADMIN_API_KEY", ""),
			RateLimitRPS:   getEnvAsFloat("RATE_LIMIT_RPS", 5),
			RateLimitBurst: getEnvAsInt("RATE_LIMIT_BURST", 10),
			CORSOrigins:    getEnvAsList("CORS_ORIGINS", []string{"*"}),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			Name:     getEnv("DB_NAME", "panelbridge"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Admission: AdmissionConfig{
			ProviderURL:         getEnv("GEO_PROVIDER_URL", ""),
			ProviderTimeout:     getEnvAsDuration("GEO_PROVIDER_TIMEOUT", 5*time.Second),
			AnonymizerThreshold: getEnvAsFloat("ANONYMIZER_THRESHOLD", 0.7),
			AllowedCountries:    getEnvAsList("ALLOWED_COUNTRIES", nil),
			RequiredConsent:     getEnvAsList("REQUIRED_CONSENT", []string{"terms", "data_use"}),
		},
		Validation: ValidationConfig{
			DelayMin:     getEnvAsDuration("VALIDATION_DELAY_MIN", 45*time.Second),
			DelayMax:     getEnvAsDuration("VALIDATION_DELAY_MAX", 3*time.Minute),
			AnswerWindow: getEnvAsDuration("VALIDATION_ANSWER_WINDOW", 60*time.Second),
		},
		Reaper: ReaperConfig{
			Spec:       getEnv("REAPER_CRON", "0 */5 * * * *"),
			PendingTTL: getEnvAsDuration("RESERVATION_PENDING_TTL", 2*time.Hour),
		},
		App: AppConfig{
			Environment: getEnv("APP_ENV", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			Version:     getEnv("APP_VERSION", "1.0.0"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("PORT is required")
	}

	if c.Database.Host == "" {
		return fmt.Errorf("DB_HOST is required")
	}

	if c.Validation.DelayMin > c.Validation.DelayMax {
		return fmt.Errorf("VALIDATION_DELAY_MIN must not exceed VALIDATION_DELAY_MAX")
	}

	if c.Admission.AnonymizerThreshold < 0 || c.Admission.AnonymizerThreshold > 1 {
		return fmt.Errorf("ANONYMIZER_THRESHOLD must be within [0,1]")
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Warning: Invalid integer for %s, using default: %d", key, defaultValue)
		return defaultValue
	}

	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		log.Printf("Warning: Invalid float for %s, using default: %g", key, defaultValue)
		return defaultValue
	}

	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		log.Printf("Warning: Invalid duration for %s, using default: %s", key, defaultValue)
		return defaultValue
	}

	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	parts := strings.Split(valueStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
