package config

import (
	"encoding/json"
	"os"
	"strconv"
	"time"
)

// Config holds application configuration
type Config struct {
	Env       string
	LogLevel  string
	LogFormat string

	ProviderBaseURL string
	Username        string
	Password        string

	Area         string
	PatientIndex int
	WindowDays   int

	VaccineRulesJSON   string
	CustomFieldAnswers map[string]string

	PollInterval   time.Duration
	BackoffCeiling time.Duration
	RequestTimeout time.Duration
	MaxRunDuration time.Duration
	SessionTTL     time.Duration

	StatusPort string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Env:       getEnv("ENV", "development"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		ProviderBaseURL: getEnv("SLOTGUN_BASE_URL", "https://www.doctolib.de"),
		Username:        getEnv("SLOTGUN_USERNAME", ""),
		Password:        getEnv("SLOTGUN_PASSWORD", ""),

		Area:         getEnv("SLOTGUN_AREA", ""),
		PatientIndex: getEnvAsInt("SLOTGUN_PATIENT_INDEX", -1),
		WindowDays:   getEnvAsInt("SLOTGUN_WINDOW_DAYS", 7),

		VaccineRulesJSON:   getEnv("SLOTGUN_VACCINE_RULES", ""),
		CustomFieldAnswers: getEnvAsStringMap("SLOTGUN_CUSTOM_FIELD_ANSWERS", map[string]string{"cov19": "Non"}),

		PollInterval:   getEnvAsDuration("SLOTGUN_POLL_INTERVAL", 5*time.Second),
		BackoffCeiling: getEnvAsDuration("SLOTGUN_BACKOFF_CEILING", 2*time.Minute),
		RequestTimeout: getEnvAsDuration("SLOTGUN_REQUEST_TIMEOUT", 15*time.Second),
		MaxRunDuration: getEnvAsDuration("SLOTGUN_MAX_RUN_DURATION", 6*time.Hour),
		SessionTTL:     getEnvAsDuration("SLOTGUN_SESSION_TTL", 30*time.Minute),

		StatusPort: getEnv("SLOTGUN_STATUS_PORT", ""),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsStringMap parses a JSON object of string values from the environment.
func getEnvAsStringMap(key string, defaultValue map[string]string) map[string]string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	out := map[string]string{}
	if err := json.Unmarshal([]byte(valueStr), &out); err != nil {
		return defaultValue
	}
	return out
}
