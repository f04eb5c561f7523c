package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// InitProjectConfigScaffold 在 dir 下初始化项目级配置模板（extremis.toml），已存在则保留
// InitProjectConfigScaffold writes a default extremis.toml into dir unless one exists.
// It returns the path of the config file.
func InitProjectConfigScaffold(dir string) (string, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("get current working directory: %w", err)
		}
		dir = cwd
	}
	path := filepath.Join(dir, "extremis.toml")

	// 若项目已经有 extremis.toml，则尊重用户现有配置。
	info, err := os.Stat(path)
	if err == nil {
		if info.IsDir() {
			return "", fmt.Errorf("project config path is a directory: %s", path)
		}
		return path, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("stat project config: %w", err)
	}

	data, err := Encode(scaffold())
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write project config: %w", err)
	}
	return path, nil
}

// Encode renders cfg as TOML.
func Encode(cfg Config) ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// scaffold is the default config without machine-specific paths or secrets.
func scaffold() Config {
	cfg := Default()
	cfg.Provider.APIKey = ""
	cfg.MCP.Servers = nil
	return cfg
}
