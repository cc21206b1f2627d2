package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vendaro/crosslist/internal/domain"
)

// Duration decodes human-readable values ("90s", "5m") from YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("op=config.Duration: %w", err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarketplaceOverride tunes one marketplace beyond the registry defaults.
// Zero values mean "keep the default". The file is YAML; JSON parses too
// since YAML is a superset.
type MarketplaceOverride struct {
	RateLimits struct {
		PerMinute int `yaml:"per_minute"`
		PerHour   int `yaml:"per_hour"`
		PerDay    int `yaml:"per_day"`
	} `yaml:"rate_limits"`
	OptimalWindows []domain.OptimalWindow `yaml:"optimal_windows"`
	CircuitBreaker struct {
		FailureThreshold  int      `yaml:"failure_threshold"`
		RecoveryThreshold int      `yaml:"recovery_threshold"`
		Timeout           Duration `yaml:"timeout"`
		HalfOpenMax       int      `yaml:"half_open_max"`
	} `yaml:"circuit_breaker"`
	Retry struct {
		MaxRetries int      `yaml:"max_retries"`
		BaseDelay  Duration `yaml:"base_delay"`
		MaxDelay   Duration `yaml:"max_delay"`
		Multiplier float64  `yaml:"multiplier"`
	} `yaml:"retry"`
	CallTimeout Duration `yaml:"call_timeout"`
	Maintenance []struct {
		Start time.Time `yaml:"start"`
		End   time.Time `yaml:"end"`
	} `yaml:"maintenance"`
}

// Overrides maps marketplace name to its override block.
type Overrides map[string]MarketplaceOverride

// LoadOverrides reads the overrides file. A missing path returns an empty
// map, not an error; a present but unreadable file is a hard failure.
func LoadOverrides(path string) (Overrides, error) {
	if path == "" {
		return Overrides{}, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadOverrides: %w", err)
	}
	var o Overrides
	if err := yaml.Unmarshal(b, &o); err != nil {
		return nil, fmt.Errorf("op=config.LoadOverrides: %w", err)
	}
	if o == nil {
		o = Overrides{}
	}
	return o, nil
}
