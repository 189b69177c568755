// Package config содержит логику чтения конфигурации сервиса цифровых пропусков.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса цифровых пропусков.
type Config struct {
	RunAddress        string `env:"RUN_ADDRESS"`
	DatabaseURI       string `env:"DATABASE_URI"`
	CircleAPIURL      string `env:"CIRCLE_API_URL"`
	CircleAPIKey      string `env:"CIRCLE_API_KEY"`
	CircleCommunityID string `env:"CIRCLE_COMMUNITY_ID"`
	AuthSecret        string `env:"AUTH_SECRET"`
	WebhookSecret     string `env:"WEBHOOK_SECRET"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envCircleAPIURL := cfg.CircleAPIURL

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.CircleAPIURL, "r", "https://api.circle.so/v1", "Circle API base URL")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envCircleAPIURL != "" {
		cfg.CircleAPIURL = envCircleAPIURL
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.CircleAPIURL == "" {
		cfg.CircleAPIURL = "https://api.circle.so/v1"
	}

	return cfg, nil
}
