// Package config содержит логику чтения конфигурации сервиса StockLot.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса StockLot.
type Config struct {
	RunAddress             string        `env:"RUN_ADDRESS"`
	DatabaseURI            string        `env:"DATABASE_URI"`
	TransferGatewayAddress string        `env:"TRANSFER_GATEWAY_ADDRESS"`
	AuthSecret             string        `env:"AUTH_SECRET"`
	DispatchInterval       time.Duration `env:"DISPATCH_INTERVAL"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envGatewayAddress := cfg.TransferGatewayAddress
	envAuthSecret := cfg.AuthSecret
	envDispatchInterval := cfg.DispatchInterval

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.TransferGatewayAddress, "r", "", "transfer gateway address")
	flag.StringVar(&cfg.AuthSecret, "s", "", "secret key for signing auth tokens")
	flag.DurationVar(&cfg.DispatchInterval, "i", 5*time.Second, "payout dispatch poll interval")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envGatewayAddress != "" {
		cfg.TransferGatewayAddress = envGatewayAddress
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	if envDispatchInterval > 0 {
		cfg.DispatchInterval = envDispatchInterval
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = 5 * time.Second
	}

	return cfg, nil
}
