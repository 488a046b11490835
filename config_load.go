// config_load.go: Layered configuration loading
//
// Copyright (c) 2025 AGILira
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dbwriter

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of the environment variables read by LoadConfig.
// DBWRITER_QUEUE_CAPACITY maps to queue_capacity and
// DBWRITER_CIRCUIT_BREAKER__ENABLED to circuit_breaker.enabled.
const EnvPrefix = "DBWRITER_"

// LoadConfig builds a Config from defaults, an optional YAML file and the
// environment, in increasing order of priority, and validates it.
// An empty path skips the file layer.
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("dbwriter: load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("dbwriter: load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("dbwriter: load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("dbwriter: unmarshal config: %w", err)
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envKey turns DBWRITER_CIRCUIT_BREAKER__OPEN_TIMEOUT into
// circuit_breaker.open_timeout.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}
