package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// CLI is the submitter's saved configuration, stored at
// ~/.alloy/config.toml.
type CLI struct {
	ServerURL string `toml:"server_url"`
	Token     string `toml:"token"`
}

// CLIPath returns the config file location.
func CLIPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".alloy", "config.toml"), nil
}

// LoadCLI reads the saved CLI config. A missing file yields defaults.
func LoadCLI() (*CLI, error) {
	cfg := &CLI{ServerURL: "http://localhost:3000"}

	path, err := CLIPath()
	if err != nil {
		return cfg, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.ServerURL == "" {
		cfg.ServerURL = "http://localhost:3000"
	}

	// Env wins over the file.
	if v := os.Getenv("ALLOY_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("ALLOY_TOKEN"); v != "" {
		cfg.Token = v
	}
	return cfg, nil
}

// SaveCLI writes the config, creating ~/.alloy if needed. The token
// gets owner-only permissions.
func SaveCLI(cfg *CLI) error {
	path, err := CLIPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}
