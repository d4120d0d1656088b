// Package config - hot reload of policy tunables.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ReloadableConfig wraps a Config with hot reload capabilities. Only the
// Bandguards and Rendguard tunables are reapplied on reload; everything else
// requires a restart.
type ReloadableConfig struct {
	mu              sync.RWMutex
	config          *Config
	configPath      string
	lastModTime     time.Time
	reloadCallbacks []ReloadCallback
	logger          *slog.Logger
	stopCh          chan struct{}
	doneCh          chan struct{}
}

// ReloadCallback is called when configuration is successfully reloaded.
// It receives the old and new configuration for comparison.
type ReloadCallback func(oldConfig, newConfig *Config) error

// NewReloadableConfig creates a new reloadable configuration
func NewReloadableConfig(config *Config, configPath string, logger *slog.Logger) *ReloadableConfig {
	if logger == nil {
		logger = slog.Default()
	}

	var modTime time.Time
	if configPath != "" {
		if info, err := os.Stat(configPath); err == nil {
			modTime = info.ModTime()
		}
	}

	return &ReloadableConfig{
		config:          config,
		configPath:      configPath,
		lastModTime:     modTime,
		reloadCallbacks: make([]ReloadCallback, 0),
		logger:          logger,
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
}

// Get returns a copy of the current configuration (thread-safe)
func (rc *ReloadableConfig) Get() *Config {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.config.Clone()
}

// OnReload registers a callback to be called when configuration is reloaded
func (rc *ReloadableConfig) OnReload(callback ReloadCallback) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.reloadCallbacks = append(rc.reloadCallbacks, callback)
}

// StartWatcher starts watching the configuration file for changes.
// It checks for modifications every interval and reloads if the file changed.
func (rc *ReloadableConfig) StartWatcher(ctx context.Context, interval time.Duration) {
	if rc.configPath == "" {
		close(rc.doneCh)
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(rc.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-rc.stopCh:
			return
		case <-ticker.C:
			if err := rc.checkAndReload(); err != nil {
				rc.logger.Error("Failed to reload configuration",
					"error", err, "path", rc.configPath)
			}
		}
	}
}

// Stop stops the configuration watcher
func (rc *ReloadableConfig) Stop() {
	close(rc.stopCh)
	<-rc.doneCh
}

// checkAndReload checks if the config file has changed and reloads if necessary
func (rc *ReloadableConfig) checkAndReload() error {
	info, err := os.Stat(rc.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat config file: %w", err)
	}

	modTime := info.ModTime()
	if !modTime.After(rc.lastModTime) {
		return nil
	}

	if err := rc.Reload(); err != nil {
		return err
	}
	rc.mu.Lock()
	rc.lastModTime = modTime
	rc.mu.Unlock()
	return nil
}

// Reload explicitly reloads configuration from the file. Used both by the
// watcher and by the SIGHUP handler.
func (rc *ReloadableConfig) Reload() error {
	if rc.configPath == "" {
		return fmt.Errorf("no config file to reload")
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	oldConfig := rc.config.Clone()
	newConfig := rc.config.Clone()
	if err := Load(rc.configPath, newConfig); err != nil {
		return err
	}

	// Only the policy tunables are hot-swapped; the rest of the new config
	// is discarded.
	rc.config.Bandguards = newConfig.Bandguards
	rc.config.Rendguard = newConfig.Rendguard

	for _, cb := range rc.reloadCallbacks {
		if err := cb(oldConfig, rc.config); err != nil {
			rc.logger.Warn("Reload callback failed", "error", err)
		}
	}

	rc.logger.Info("Configuration reloaded", "path", rc.configPath)
	return nil
}
