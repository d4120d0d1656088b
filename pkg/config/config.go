// Package config provides configuration management for the vanguards
// supervisor. All policy parameters live in one Config value that is
// threaded by reference and read-only after startup, except for the
// hot-reloadable tunables handled by reload.go.
package config

import (
	"fmt"
)

// Global holds process-wide options.
type Global struct {
	EnableVanguards  bool   `ini:"enable_vanguards"`
	EnableBandguards bool   `ini:"enable_bandguards"`
	EnableRendguard  bool   `ini:"enable_rendguard"`
	EnableCbtVerify  bool   `ini:"enable_cbtverify"`
	EnablePathVerify bool   `ini:"enable_pathverify"`
	CloseCircuits    bool   `ini:"close_circuits"`
	OneShotVanguards bool   `ini:"one_shot_vanguards"`
	LogLevel         string `ini:"loglevel"`
	LogFile          string `ini:"logfile"`
	StateFile        string `ini:"state_file"`
	ControlIP        string `ini:"control_ip"`
	ControlPort      int    `ini:"control_port"`
	ControlSocket    string `ini:"control_socket"`
	ControlPass      string `ini:"control_pass"`
	RetryLimit       int    `ini:"retry_limit"`
}

// Vanguards holds the guard-set rotation parameters.
type Vanguards struct {
	NumLayer1Guards int `ini:"num_layer1_guards"`
	NumLayer2Guards int `ini:"num_layer2_guards"`
	NumLayer3Guards int `ini:"num_layer3_guards"`

	// Layer1 lifetime is configured into tor itself, in days. 0 keeps
	// tor's default.
	Layer1LifetimeDays int `ini:"layer1_lifetime_days"`

	MinLayer2LifetimeHours int `ini:"min_layer2_lifetime_hours"`
	MaxLayer2LifetimeHours int `ini:"max_layer2_lifetime_hours"`
	MinLayer3LifetimeHours int `ini:"min_layer3_lifetime_hours"`
	MaxLayer3LifetimeHours int `ini:"max_layer3_lifetime_hours"`
}

// Bandguards holds the per-circuit bandwidth limit parameters. A zero value
// disables the corresponding check.
type Bandguards struct {
	// Close circuits whose non-application read traffic exceeds this
	// percent of total read traffic (beyond the sendme allowance).
	CircMaxDroppedBytesPercent float64 `ini:"circ_max_dropped_bytes_percent"`

	// Close circuits that exceed this many total megabytes.
	CircMaxMegabytes int64 `ini:"circ_max_megabytes"`

	// Close hsdir circuits that exceed this many kilobytes.
	CircMaxHSDescKilobytes int64 `ini:"circ_max_hsdesc_kilobytes"`

	// Close circuits older than this many hours.
	CircMaxAgeHours int64 `ini:"circ_max_age_hours"`

	// Warn when circuits fail for this long.
	CircMaxDisconnectedSecs int64 `ini:"circ_max_disconnected_secs"`

	// Warn when there are no live guard connections for this long.
	ConnMaxDisconnectedSecs int64 `ini:"conn_max_disconnected_secs"`
}

// Rendguard holds the rendezvous-point overuse parameters.
type Rendguard struct {
	RendUseGlobalStartCount int     `ini:"rend_use_global_start_count"`
	RendUseRelayStartCount  int     `ini:"rend_use_relay_start_count"`
	RendUseScaleAtCount     int     `ini:"rend_use_scale_at_count"`
	RendUseMaxUseToBwRatio  float64 `ini:"rend_use_max_use_to_bw_ratio"`

	RendUseCloseCircuitsOnOveruse bool `ini:"rend_use_close_circuits_on_overuse"`
}

// Config is the full configuration for the supervisor.
type Config struct {
	Global     Global
	Vanguards  Vanguards
	Bandguards Bandguards
	Rendguard  Rendguard
}

// DefaultConfig returns a configuration with the stock policy defaults.
func DefaultConfig() *Config {
	return &Config{
		Global: Global{
			EnableVanguards:  true,
			EnableBandguards: true,
			EnableRendguard:  true,
			EnableCbtVerify:  false,
			EnablePathVerify: false,
			CloseCircuits:    true,
			OneShotVanguards: false,
			LogLevel:         "NOTICE",
			LogFile:          "",
			StateFile:        "vanguards.state",
			ControlIP:        "127.0.0.1",
			ControlPort:      9051,
			ControlSocket:    "",
			ControlPass:      "",
			RetryLimit:       0,
		},
		Vanguards: Vanguards{
			NumLayer1Guards:        2,
			NumLayer2Guards:        4,
			NumLayer3Guards:        8,
			Layer1LifetimeDays:     0,
			MinLayer2LifetimeHours: 24,
			MaxLayer2LifetimeHours: 24 * 45,
			MinLayer3LifetimeHours: 1,
			MaxLayer3LifetimeHours: 48,
		},
		Bandguards: Bandguards{
			CircMaxDroppedBytesPercent: 0,
			CircMaxMegabytes:           0,
			CircMaxHSDescKilobytes:     30,
			CircMaxAgeHours:            24,
			CircMaxDisconnectedSecs:    20,
			ConnMaxDisconnectedSecs:    15,
		},
		Rendguard: Rendguard{
			RendUseGlobalStartCount:       100,
			RendUseRelayStartCount:        5,
			RendUseScaleAtCount:           20000,
			RendUseMaxUseToBwRatio:        2.0,
			RendUseCloseCircuitsOnOveruse: true,
		},
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Global.ControlPort < 0 || c.Global.ControlPort > 65535 {
		return fmt.Errorf("invalid control_port: %d", c.Global.ControlPort)
	}
	if c.Global.RetryLimit < 0 {
		return fmt.Errorf("retry_limit must be non-negative")
	}
	if c.Vanguards.NumLayer2Guards < 1 {
		return fmt.Errorf("num_layer2_guards must be at least 1")
	}
	if c.Vanguards.NumLayer3Guards < 0 {
		return fmt.Errorf("num_layer3_guards must be non-negative")
	}
	if c.Vanguards.MinLayer2LifetimeHours < 1 ||
		c.Vanguards.MaxLayer2LifetimeHours <= c.Vanguards.MinLayer2LifetimeHours {
		return fmt.Errorf("layer2 lifetime bounds are inverted")
	}
	if c.Vanguards.MinLayer3LifetimeHours < 1 ||
		c.Vanguards.MaxLayer3LifetimeHours <= c.Vanguards.MinLayer3LifetimeHours {
		return fmt.Errorf("layer3 lifetime bounds are inverted")
	}
	if c.Bandguards.CircMaxDroppedBytesPercent < 0 ||
		c.Bandguards.CircMaxDroppedBytesPercent > 100 {
		return fmt.Errorf("circ_max_dropped_bytes_percent must be in [0,100]")
	}
	if c.Bandguards.CircMaxMegabytes < 0 ||
		c.Bandguards.CircMaxHSDescKilobytes < 0 ||
		c.Bandguards.CircMaxAgeHours < 0 {
		return fmt.Errorf("bandguards limits must be non-negative")
	}
	if c.Rendguard.RendUseMaxUseToBwRatio < 1 {
		return fmt.Errorf("rend_use_max_use_to_bw_ratio must be at least 1")
	}
	if c.Rendguard.RendUseScaleAtCount < c.Rendguard.RendUseGlobalStartCount {
		return fmt.Errorf("rend_use_scale_at_count must be >= rend_use_global_start_count")
	}
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}
