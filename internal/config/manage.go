package config

import (
	"fmt"
	"strconv"
	"time"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns all non-secret key/value pairs of cfg.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		if s.secret {
			continue
		}
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  fmt.Sprintf("%v", s.extract(cfg)),
		})
	}
	return result
}

// SetKey validates value and writes it to the config file.
func SetKey(key, value string) error {
	return setKey(newFileBackend(FilePath()), key, value)
}

func setKey(b ConfigBackend, key, value string) error {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		if s.secret {
			return fmt.Errorf("cannot set secret %q via config; use environment variable %s", key, s.env)
		}
		if s.check != nil {
			if err := s.check(value); err != nil {
				return fmt.Errorf("invalid value for %s: %w", key, err)
			}
		}
		switch s.typ {
		case kInt:
			i, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("invalid integer value for %s: %w", key, err)
			}
			return b.SetInt(key, i)
		case kBool:
			if _, err := strconv.ParseBool(value); err != nil {
				return fmt.Errorf("invalid bool value for %s: %w", key, err)
			}
		case kDuration:
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("invalid duration value for %s: %w", key, err)
			}
		}
		return b.SetString(key, value)
	}

	return fmt.Errorf("unknown config key: %q", key)
}

// ValidKeys returns the list of valid non-secret config key names.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
