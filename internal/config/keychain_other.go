//go:build !darwin

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// secretsFilePath is a 0600 YAML file of service -> account -> secret.
func secretsFilePath() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "relief", "secrets.yaml")
}

func keychainGet(service, account string) ([]byte, error) {
	data, err := os.ReadFile(secretsFilePath())
	if err != nil {
		return nil, fmt.Errorf("secret store not available: %w", err)
	}
	var secrets map[string]map[string]string
	if err := yaml.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	val, ok := secrets[service][account]
	if !ok {
		return nil, fmt.Errorf("secret %s/%s not found", service, account)
	}
	return []byte(val), nil
}
