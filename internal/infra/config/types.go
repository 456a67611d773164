package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment where the runner operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Duration accepts Go duration strings ("1500ms") or a plain number of seconds.
type Duration struct {
	time.Duration
}

// UnmarshalYAML supports "2s" style strings and integer or fractional seconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		d.Duration = 0
		return nil
	}
	parsed, err := parseDuration(node.Value)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func parseDuration(raw string) (time.Duration, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return 0, nil
	}
	if seconds, err := strconv.ParseFloat(text, 64); err == nil {
		if seconds < 0 {
			return 0, fmt.Errorf("duration %q must be >= 0", raw)
		}
		return time.Duration(seconds * float64(time.Second)), nil
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	return parsed, nil
}
