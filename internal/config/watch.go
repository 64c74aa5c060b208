package config

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Watch reloads configFile whenever it changes on disk and hands every
// configuration that resolves cleanly to onChange. Invalid edits are logged
// and skipped.
func Watch(configFile, profile string, onChange func(*Config)) {
	viper.SetConfigFile(configFile)
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := LoadWithProfile(configFile, profile)
		if err != nil {
			slog.Warn("Ignoring configuration change", "file", e.Name, "error", err)
			return
		}
		slog.Info("Configuration reloaded", "file", e.Name, "profile", cfg.Profile)
		onChange(cfg)
	})
	viper.WatchConfig()
}
