// Package config holds the shared configuration plumbing for the binaries:
// environment defaults, flag overrides and the fatal exit helper.
package config

import (
	"errors"
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// ParseConfigFromArgs loads defaults from env into cfg and then parses
// flags, which the caller has bound to cfg's fields.
func ParseConfigFromArgs[T any](cfg *T, fs *flag.FlagSet, bind func(*flag.FlagSet, *T), args []string) error {
	if cfg == nil {
		return errors.New("config target is required")
	}
	if fs == nil {
		return errors.New("flag parser is required")
	}
	if err := ParseEnv(cfg); err != nil {
		return err
	}
	if bind != nil {
		bind(fs, cfg)
	}
	if args == nil {
		args = []string{}
	}
	return fs.Parse(args)
}
