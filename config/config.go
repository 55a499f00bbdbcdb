package config

import (
	"os"
	"strconv"
)

// Config is the process-wide configuration loaded from the environment,
// following the teacher's getEnv-with-default pattern.
type Config struct {
	Server   ServerConfig
	Store    StoreConfig
	GPU      GPUConfig
	Logging  LoggingConfig
	CIDryRun bool
}

type ServerConfig struct {
	Port string
}

type StoreConfig struct {
	// ConfigPath is the catalogue YAML file location (CONFIG_PATH).
	ConfigPath string
}

type GPUConfig struct {
	// Detected is the raw GPU_BACKEND_DETECTED value; gpu.Registry parses it.
	Detected string
	// Required, if true, makes GET /health report unhealthy when Detected
	// resolves to the "none" backend.
	Required bool
}

type LoggingConfig struct {
	Level  string
	Format string
}

// Load reads configuration from the environment. godotenv.Load is called
// by main before Load runs, mirroring the teacher's startup sequence.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port: getEnv("APP_PORT", "8000"),
		},
		Store: StoreConfig{
			ConfigPath: getEnv("CONFIG_PATH", "/app/config/config.yml"),
		},
		GPU: GPUConfig{
			Detected: getEnv("GPU_BACKEND_DETECTED", "none"),
			Required: getEnvBool("GPU_REQUIRED", false),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		CIDryRun: getEnvBool("CI_DRY_RUN", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}
