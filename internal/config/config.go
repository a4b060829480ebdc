// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package config loads idbremote configuration: defaults, then an
// optional YAML file, then IDBREMOTE_* environment overrides.
package config

import (
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

// Config carries the settings of every idbremote command; each command
// validates the fields it actually uses.
type Config struct {
	// ListenAddr is the bridge's listen address (serve).
	ListenAddr string `yaml:"listen-addr" env:"IDBREMOTE_LISTEN_ADDR"`

	// BridgeURL is the bridge's base websocket URL (provide and the
	// client commands).
	BridgeURL string `yaml:"bridge-url" env:"IDBREMOTE_BRIDGE_URL"`

	// Domain is the origin a provider registers (provide).
	Domain string `yaml:"domain" env:"IDBREMOTE_DOMAIN"`

	// DataDir holds the provider's database files (provide).
	DataDir string `yaml:"data-dir" env:"IDBREMOTE_DATA_DIR"`

	// Databases restricts which databases the provider exposes; empty
	// means everything in DataDir.
	Databases []string `yaml:"databases" env:"IDBREMOTE_DATABASES"`

	// LoggingConfig is a loggo configuration string, for example
	// "<root>=INFO;idbremote.bridge=DEBUG".
	LoggingConfig string `yaml:"logging-config" env:"IDBREMOTE_LOGGING_CONFIG"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:    "127.0.0.1:8099",
		BridgeURL:     "ws://127.0.0.1:8099",
		DataDir:       "./data",
		LoggingConfig: "<root>=INFO",
	}
}

// Load builds the effective configuration. A missing file is only an
// error when a path was given explicitly.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Annotatef(err, "reading config %q", path)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, errors.Annotatef(err, "parsing config %q", path)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, errors.Annotate(err, "parsing environment")
	}
	return cfg, nil
}
