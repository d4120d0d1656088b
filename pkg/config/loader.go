// Package config - sectioned configuration file loading.
package config

import (
	"fmt"
	"os"

	"gopkg.in/ini.v1"
)

// Load applies a config file on top of the provided config. The file is a
// flat key=value format with [Global], [Vanguards], [Bandguards] and
// [Rendguard] sections. Unknown keys are skipped; keys absent from the file
// leave the current value untouched, so later files and command-line flags
// layer naturally.
func Load(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}

	f, err := ini.LoadSources(ini.LoadOptions{
		Insensitive:             true,
		AllowBooleanKeys:        true,
		SkipUnrecognizableLines: true,
	}, path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	sections := []struct {
		name string
		dest interface{}
	}{
		{"Global", &cfg.Global},
		{"Vanguards", &cfg.Vanguards},
		{"Bandguards", &cfg.Bandguards},
		{"Rendguard", &cfg.Rendguard},
	}
	for _, s := range sections {
		sec, err := f.GetSection(s.name)
		if err != nil {
			continue // section absent, keep current values
		}
		if err := sec.MapTo(s.dest); err != nil {
			return fmt.Errorf("section [%s] in %s: %w", s.name, path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Save writes the effective configuration to a file in the same sectioned
// format Load reads. Used by the generate-config mode.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}

	f := ini.Empty()
	sections := []struct {
		name string
		src  interface{}
	}{
		{"Global", &cfg.Global},
		{"Vanguards", &cfg.Vanguards},
		{"Bandguards", &cfg.Bandguards},
		{"Rendguard", &cfg.Rendguard},
	}
	for _, s := range sections {
		sec, err := f.NewSection(s.name)
		if err != nil {
			return fmt.Errorf("section [%s]: %w", s.name, err)
		}
		if err := sec.ReflectFrom(s.src); err != nil {
			return fmt.Errorf("section [%s]: %w", s.name, err)
		}
	}

	if err := f.SaveTo(path); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}

// Exists reports whether a config file is present and readable.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
