// Package config holds the runtime configuration for the task engine,
// loaded from CLI flags and environment variables (see cmd/taskengine).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Config is the resolved configuration for one running instance of the
// task engine: transport, storage driver, session-pool limits, and
// webhook-sink defaults (spec §6.4).
type Config struct {
	Mode     string // "dev", "demo", or "prod"
	Addr     string
	Port     int
	UnixSock string
	Data     string // data directory, used to derive a default sqlite DSN

	Driver string // "postgres" or "sqlite"
	DSN    string // connection string; DATABASE_URL wins when set

	InstanceURL string
	Version     string

	MaxSessions    int           // SessionPool ceiling, default 50
	SessionTimeout time.Duration // SessionPool idle eviction, default 1800s

	WebhookTimeout    time.Duration // default 30s
	WebhookMaxRetries int           // default 3
}

// Default returns a Config populated with the spec's documented defaults.
func Default() *Config {
	return &Config{
		Mode:              "dev",
		Port:              28483,
		Driver:            "sqlite",
		MaxSessions:       50,
		SessionTimeout:    1800 * time.Second,
		WebhookTimeout:    30 * time.Second,
		WebhookMaxRetries: 3,
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var parsed int
		if _, err := fmt.Sscanf(value, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// FromEnv overlays environment variables onto the configuration.
// Most settings use the TASKENGINE_* prefix. MAX_SESSIONS and
// SESSION_TIMEOUT are read only without a prefix, and DATABASE_URL, when
// set, takes precedence over TASKENGINE_DSN.
func (c *Config) FromEnv() {
	c.Mode = getEnvOrDefault("TASKENGINE_MODE", c.Mode)
	c.Driver = getEnvOrDefault("TASKENGINE_DRIVER", c.Driver)
	c.Data = getEnvOrDefault("TASKENGINE_DATA", c.Data)
	c.InstanceURL = getEnvOrDefault("TASKENGINE_INSTANCE_URL", c.InstanceURL)

	if dsn := getEnvOrDefault("DATABASE_URL", ""); dsn != "" {
		c.DSN = dsn
		if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
			c.Driver = "postgres"
		}
	} else {
		c.DSN = getEnvOrDefault("TASKENGINE_DSN", c.DSN)
	}

	c.MaxSessions = getEnvOrDefaultInt("MAX_SESSIONS", c.MaxSessions)
	c.SessionTimeout = time.Duration(getEnvOrDefaultInt("SESSION_TIMEOUT", int(c.SessionTimeout/time.Second))) * time.Second
	c.WebhookMaxRetries = getEnvOrDefaultInt("TASKENGINE_WEBHOOK_MAX_RETRIES", c.WebhookMaxRetries)
	c.WebhookTimeout = time.Duration(getEnvOrDefaultInt("TASKENGINE_WEBHOOK_TIMEOUT_SECONDS", int(c.WebhookTimeout/time.Second))) * time.Second
}

func checkOrCreateDataDir(dataDir string) (string, error) {
	if !filepath.IsAbs(dataDir) {
		absDir, err := filepath.Abs(dataDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(dataDir, 0o770); mkErr != nil {
				return "", errors.Wrapf(mkErr, "unable to create data folder %s", dataDir)
			}
			return dataDir, nil
		}
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

// Validate normalises Mode/Data/DSN and ensures the sqlite data directory
// exists. Call after FromEnv and flag binding.
func (c *Config) Validate() error {
	if c.Mode != "demo" && c.Mode != "dev" && c.Mode != "prod" {
		c.Mode = "demo"
	}

	if c.Driver != "postgres" && c.Driver != "sqlite" {
		return errors.Errorf("unsupported driver %q: must be postgres or sqlite", c.Driver)
	}

	if c.Driver == "sqlite" {
		if c.Data == "" {
			if runtime.GOOS == "windows" {
				c.Data = filepath.Join(os.Getenv("ProgramData"), "taskengine")
			} else {
				c.Data = filepath.Join(os.TempDir(), "taskengine")
			}
		}
		dataDir, err := checkOrCreateDataDir(c.Data)
		if err != nil {
			return err
		}
		c.Data = dataDir

		if c.DSN == "" {
			c.DSN = filepath.Join(dataDir, fmt.Sprintf("taskengine_%s.db", c.Mode))
		}
	}

	if c.MaxSessions <= 0 {
		c.MaxSessions = 50
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 1800 * time.Second
	}
	if c.WebhookMaxRetries <= 0 {
		c.WebhookMaxRetries = 3
	}
	if c.WebhookTimeout <= 0 {
		c.WebhookTimeout = 30 * time.Second
	}

	return nil
}

// IsDev reports whether the instance is running outside "prod" mode.
func (c *Config) IsDev() bool {
	return c.Mode != "prod"
}
