package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - PANOPTES_CONFIG_PATH: config file location (default: ~/.config/panoptes.toml)
//   - PANOPTES_HOME: data directory for store, journal and trash (default: ~/.local/share/panoptes)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	dataDir, err := getDataDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"data_dir":    dataDir,
		"db_path":     filepath.Join(dataDir, "panoptes.db"),
		"history":     filepath.Join(dataDir, "history.jsonl"),
		"trash_dir":   filepath.Join(dataDir, "trash"),
	}, nil
}

// getConfigPath returns the config file path, checking PANOPTES_CONFIG_PATH first,
// then falling back to ~/.config/panoptes.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv("PANOPTES_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "panoptes.toml"), nil
}

// getDataDir returns the data directory, checking PANOPTES_HOME first,
// then falling back to the XDG default ~/.local/share/panoptes.
func getDataDir() (string, error) {
	if path := os.Getenv("PANOPTES_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "panoptes"), nil
}
