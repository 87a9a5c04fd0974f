// Package config loads process configuration from a .env file and the
// environment, and can watch the .env file for changes.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"hoshino-sync/internal/ierrors"
)

// Config holds the environment-derived settings the ingestion core needs.
// Field names and required-ness mirror spec.md section 6 ("External
// Interfaces / Environment").
type Config struct {
	DanbooruLogin  string `envconfig:"DANBOORU_LOGIN" required:"true"`
	DanbooruAPIKey string `envconfig:"DANBOORU_API_KEY" required:"true"`
	RateLimit      int    `envconfig:"DANBOORU_RATE_LIMIT" default:"10"`

	// PG* variables are consumed directly by lib/pq via the standard
	// libpq environment conventions; we don't re-read them here, we just
	// require PGDATABASE. to fail fast if the environment obviously
	// isn't configured for Postgres at all.
	PGDatabase string `envconfig:"PGDATABASE" required:"true"`
}

// Load reads a .env file at path (if present) into the process environment,
// then parses required variables into a Config. A missing .env file is not
// an error — the process may rely on variables set by its environment
// instead — but a malformed one, or missing required variables, is.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ".env"
	}

	if err := godotenv.Load(path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, &ierrors.ConfigurationError{Field: path, Err: err}
		}
		slog.Debug("no .env file loaded, relying on process environment", "path", path, "err", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ierrors.ConfigurationError{Field: "environment", Err: err}
	}

	return &cfg, nil
}

// Reload re-reads the .env file at path, overlaying any values it contains
// onto the current process environment. Used by Watch on file-change events.
func Reload(path string) error {
	if err := godotenv.Overload(path); err != nil {
		return fmt.Errorf("reload %s: %w", path, err)
	}
	return nil
}
