package config

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/spf13/viper"

	"minbar/db"
)

// Config layers database-backed settings over viper. Load pushes every row
// from the config table into viper so the rest of the process reads settings
// the same way regardless of where they came from.
type Config struct {
	store *db.Store
}

func New(store *db.Store) *Config {
	return &Config{store: store}
}

func (c *Config) Load(ctx context.Context) error {
	values, err := c.store.GetAllConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	for key, value := range values {
		viper.Set(key, value)
	}
	return nil
}

func (c *Config) Get(ctx context.Context, key string) (string, error) {
	value, err := c.store.GetConfigValue(ctx, key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("config key not found: %s", key)
		}
		return "", err
	}
	return value, nil
}

func (c *Config) Set(ctx context.Context, key, value string) error {
	if err := c.store.SetConfigValue(ctx, key, value); err != nil {
		return err
	}
	viper.Set(key, value)
	return nil
}
