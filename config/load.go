package config

import (
	"fmt"
	"os"

	"github.com/sugawarayuuta/sonnet"
)

// Load reads JSON configuration from the file. Values missing in the file
// keep their defaults.
func Load(path string, options ...Option) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	c := Default()
	if err := sonnet.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("%w: parse %s: %v", ErrInvalid, path, err)
	}
	for _, option := range options {
		if err := option(&c); err != nil {
			return Config{}, err
		}
	}
	return c, nil
}

// Save writes the configuration as JSON.
func Save(path string, c Config) error {
	data, err := sonnet.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
