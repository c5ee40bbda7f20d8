// Command notify runs the notification gateway: the signed send API, the
// channel adapters, the retry and dead-letter consumers, and the scheduled
// cleanup, all backed by a single SQLite database.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/caasxyz/notification/common/crypto"
	"github.com/caasxyz/notification/common/environment"
	"github.com/caasxyz/notification/common/version"
	"github.com/caasxyz/notification/internal/notify/app"
)

// fileConfig is the optional YAML configuration file. Every field has an
// environment-variable counterpart; the environment wins on conflict so a
// deployment can override a baked-in file per instance.
type fileConfig struct {
	DatabasePath string `yaml:"database_path"`
	HTTPAddr     string `yaml:"http_addr"`

	Grafana struct {
		User     string `yaml:"user"`
		Password string `yaml:"password"`
	} `yaml:"grafana"`

	LogRetention      time.Duration `yaml:"log_retention"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	RetryPollInterval time.Duration `yaml:"retry_poll_interval"`

	AllowPrivateWebhooks bool `yaml:"allow_private_webhooks"`
}

func main() {
	configPath := flag.String("config", "", "path to an optional YAML configuration file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		return
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	slog.Info("notification gateway starting",
		"version", version.Version, "commit", version.GitCommit)

	config, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	gateway, err := app.New(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize gateway: %v\n", err)
		os.Exit(1)
	}
	defer gateway.Stop()

	if err := gateway.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running gateway: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig merges the optional YAML file with environment variables.
// Secrets (API_SECRET_KEY, ENCRYPT_KEY) come only from the environment and
// are never read from the file.
func loadConfig(path string) (*app.Config, error) {
	var fc fileConfig
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &fc); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
		slog.Info("loaded configuration file", "path", path)
	}

	apiSecret, err := environment.RequiredString("API_SECRET_KEY")
	if err != nil {
		return nil, err
	}
	encryptKeyMaterial, err := environment.RequiredString("ENCRYPT_KEY")
	if err != nil {
		return nil, err
	}

	return &app.Config{
		DatabasePath:         environment.StringOr("DATABASE_PATH", orDefault(fc.DatabasePath, "./notify.db")),
		HTTPAddr:             environment.StringOr("HTTP_ADDR", orDefault(fc.HTTPAddr, ":8080")),
		APISecret:            apiSecret,
		EncryptKey:           crypto.NormalizeKey(encryptKeyMaterial),
		GrafanaUser:          environment.StringOr("GRAFANA_INGRESS_USER", fc.Grafana.User),
		GrafanaPassword:      environment.StringOr("GRAFANA_INGRESS_PASSWORD", fc.Grafana.Password),
		LogRetention:         environment.DurationOr("LOG_RETENTION", fc.LogRetention),
		CleanupInterval:      environment.DurationOr("CLEANUP_INTERVAL", fc.CleanupInterval),
		RetryPollInterval:    environment.DurationOr("RETRY_POLL_INTERVAL", fc.RetryPollInterval),
		AllowPrivateWebhooks: environment.BoolOr("ALLOW_PRIVATE_WEBHOOKS", fc.AllowPrivateWebhooks),
	}, nil
}

func orDefault(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
