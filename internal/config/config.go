package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server  ServerConfig
	Backend BackendConfig
	Map     MapConfig
	CORS    CORSConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string
	Env  string
}

// BackendConfig holds the farm API connection settings.
type BackendConfig struct {
	BaseURL       string
	Timeout       time.Duration
	IngestTimeout time.Duration
}

// MapConfig holds map provider and paint settings.
// An empty Token puts the map renderer into its disabled fallback mode.
type MapConfig struct {
	Token       string
	Style       string
	StyleAPIURL string
	LineColor   string
	Zoom        float64
	FillOpacity float64
	LineWidth   float64
	FallbackLng float64
	FallbackLat float64
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	Origins []string
}

// Load reads configuration from an optional .env file and environment variables.
// Values already present in the environment win over the .env file.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	// Set defaults for development
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("BACKEND_API_URL", "http://localhost:8000/api/v1")
	v.SetDefault("BACKEND_TIMEOUT", "15s")
	v.SetDefault("BACKEND_INGEST_TIMEOUT", "5m")
	v.SetDefault("MAPBOX_TOKEN", "")
	v.SetDefault("MAP_STYLE", "mapbox://styles/mapbox/outdoors-v12")
	v.SetDefault("MAP_STYLE_API_URL", "https://api.mapbox.com/styles/v1")
	v.SetDefault("MAP_ZOOM", 13)
	v.SetDefault("MAP_FILL_OPACITY", 0.65)
	v.SetDefault("MAP_LINE_COLOR", "#1a202c")
	v.SetDefault("MAP_LINE_WIDTH", 1.5)
	v.SetDefault("MAP_FALLBACK_LNG", 174.76)
	v.SetDefault("MAP_FALLBACK_LAT", -36.85)
	v.SetDefault("CORS_ORIGINS", "http://localhost:5173,http://localhost:3000")

	v.AutomaticEnv()

	cfg := &Config{
		Server: ServerConfig{
			Port: v.GetString("PORT"),
			Env:  v.GetString("ENV"),
		},
		Backend: BackendConfig{
			BaseURL:       strings.TrimRight(v.GetString("BACKEND_API_URL"), "/"),
			Timeout:       v.GetDuration("BACKEND_TIMEOUT"),
			IngestTimeout: v.GetDuration("BACKEND_INGEST_TIMEOUT"),
		},
		Map: MapConfig{
			Token:       strings.TrimSpace(v.GetString("MAPBOX_TOKEN")),
			Style:       v.GetString("MAP_STYLE"),
			StyleAPIURL: strings.TrimRight(v.GetString("MAP_STYLE_API_URL"), "/"),
			Zoom:        v.GetFloat64("MAP_ZOOM"),
			FillOpacity: v.GetFloat64("MAP_FILL_OPACITY"),
			LineColor:   v.GetString("MAP_LINE_COLOR"),
			LineWidth:   v.GetFloat64("MAP_LINE_WIDTH"),
			FallbackLng: v.GetFloat64("MAP_FALLBACK_LNG"),
			FallbackLat: v.GetFloat64("MAP_FALLBACK_LAT"),
		},
		CORS: CORSConfig{
			Origins: parseOrigins(v.GetString("CORS_ORIGINS")),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration is present and valid.
// A missing map token is not an error.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("PORT is required")
	}

	if c.Backend.BaseURL == "" {
		return fmt.Errorf("BACKEND_API_URL is required")
	}
	if u, err := url.Parse(c.Backend.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("BACKEND_API_URL must be an absolute URL, got %q", c.Backend.BaseURL)
	}
	if c.Backend.Timeout <= 0 {
		return fmt.Errorf("BACKEND_TIMEOUT must be positive")
	}
	if c.Backend.IngestTimeout <= 0 {
		return fmt.Errorf("BACKEND_INGEST_TIMEOUT must be positive")
	}

	if c.Map.Style == "" {
		return fmt.Errorf("MAP_STYLE is required")
	}
	if c.Map.FillOpacity < 0 || c.Map.FillOpacity > 1 {
		return fmt.Errorf("MAP_FILL_OPACITY must be between 0 and 1")
	}
	if c.Map.LineWidth <= 0 {
		return fmt.Errorf("MAP_LINE_WIDTH must be positive")
	}
	if c.Map.FallbackLat < -90 || c.Map.FallbackLat > 90 {
		return fmt.Errorf("MAP_FALLBACK_LAT must be between -90 and 90")
	}
	if c.Map.FallbackLng < -180 || c.Map.FallbackLng > 180 {
		return fmt.Errorf("MAP_FALLBACK_LNG must be between -180 and 180")
	}

	if len(c.CORS.Origins) == 0 {
		return fmt.Errorf("CORS_ORIGINS is required")
	}

	return nil
}

// MapEnabled reports whether a rendering credential is configured.
func (c *Config) MapEnabled() bool {
	return c.Map.Token != ""
}

// loadDotEnv loads key=value pairs from path without overriding the environment.
// A missing file is ignored.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// parseOrigins splits a comma-separated string of origins into a slice.
func parseOrigins(origins string) []string {
	if origins == "" {
		return []string{}
	}

	parts := strings.Split(origins, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
