package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// fileBackend stores config as a flat YAML mapping of dotted keys.
type fileBackend struct {
	path string
	data map[string]any
}

func newFileBackend(path string) *fileBackend {
	b := &fileBackend{path: path, data: make(map[string]any)}
	b.load()
	return b
}

func (b *fileBackend) load() {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "[WARN] could not read config file %s: %v. Using default values.\n", b.path, err)
		}
		return
	}
	if err := yaml.Unmarshal(data, &b.data); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] could not parse config file %s: %v. Using default values.\n", b.path, err)
	}
	if b.data == nil {
		b.data = make(map[string]any)
	}
}

func (b *fileBackend) save() error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(b.data)
	if err != nil {
		return err
	}
	return os.WriteFile(b.path, data, 0o600)
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	v, ok := b.data[key]
	if !ok || v == nil {
		return "", false, nil
	}
	if s, ok := v.(string); ok {
		return s, true, nil
	}
	return fmt.Sprintf("%v", v), true, nil
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.data[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch val := v.(type) {
	case int:
		return val, true, nil
	case float64:
		if val < math.MinInt || val > math.MaxInt || val != math.Trunc(val) {
			return 0, true, fmt.Errorf("value %v for %s is not a valid integer or is out of range", val, key)
		}
		return int(val), true, nil
	case string:
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
		}
		return i, true, nil
	default:
		return 0, true, fmt.Errorf("invalid type %T for %s", v, key)
	}
}

func (b *fileBackend) SetString(key, val string) error {
	b.data[key] = val
	return b.save()
}

func (b *fileBackend) SetInt(key string, val int) error {
	b.data[key] = val
	return b.save()
}

func (b *fileBackend) Delete(key string) error {
	delete(b.data, key)
	return b.save()
}
