package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// A missing file is not an error. Existing variables are not overridden.
func LoadDotEnv(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

// expandSecrets resolves ${VAR} references in secret-bearing fields.
func expandSecrets(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.Storage.DSN = os.ExpandEnv(cfg.Storage.DSN)
	cfg.HTTP.Token = os.ExpandEnv(cfg.HTTP.Token)
	if cfg.Sentry != nil {
		cfg.Sentry.DSN = os.ExpandEnv(cfg.Sentry.DSN)
	}
	if cfg.Trigger.AMQP != nil {
		cfg.Trigger.AMQP.URL = os.ExpandEnv(cfg.Trigger.AMQP.URL)
	}
	cfg.Logging.Alerts.ChatID = os.ExpandEnv(cfg.Logging.Alerts.ChatID)
	for i := range cfg.Catalog.Bots {
		cfg.Catalog.Bots[i].Token = os.ExpandEnv(cfg.Catalog.Bots[i].Token)
	}
}
