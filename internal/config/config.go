package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models reliefline.yml. The scoring weights are deliberately named
// and tunable rather than hard-coded; only their ordinal effects are fixed.
type Config struct {
	Scoring Scoring `yaml:"scoring"`
	Suggest struct {
		// DefaultLimit caps suggestion lists at the transport layer.
		// The engine itself never truncates.
		DefaultLimit int `yaml:"default_limit"`
	} `yaml:"suggest"`
}

// Scoring holds the match-score weights and thresholds.
type Scoring struct {
	Distance struct {
		CloseKm    float64 `yaml:"close_km"`
		CloseBonus int     `yaml:"close_bonus"`
		NearKm     float64 `yaml:"near_km"`
		NearBonus  int     `yaml:"near_bonus"`
	} `yaml:"distance"`
	Urgency struct {
		High   int `yaml:"high"`
		Medium int `yaml:"medium"`
		Low    int `yaml:"low"`
	} `yaml:"urgency"`
	SkillBonus   int      `yaml:"skill_bonus"`
	RecencyBonus int      `yaml:"recency_bonus"`
	FreshWindow  Duration `yaml:"fresh_window"`
	DecayCutoff  Duration `yaml:"decay_cutoff"`
}

// Duration wraps time.Duration so "2h" style YAML values parse.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Validate ensures the weights keep the ordering the scorer relies on.
func (c *Config) Validate() error {
	s := c.Scoring
	if s.Distance.CloseKm <= 0 || s.Distance.NearKm <= 0 {
		return fmt.Errorf("scoring.distance bands must be positive")
	}
	if s.Distance.CloseKm >= s.Distance.NearKm {
		return fmt.Errorf("scoring.distance.close_km must be below near_km")
	}
	if s.Distance.CloseBonus < s.Distance.NearBonus {
		return fmt.Errorf("scoring.distance.close_bonus must be at least near_bonus")
	}
	if !(s.Urgency.High > s.Urgency.Medium && s.Urgency.Medium > s.Urgency.Low) {
		return fmt.Errorf("scoring.urgency must order high > medium > low")
	}
	if s.Urgency.Low < 0 || s.SkillBonus < 0 || s.RecencyBonus < 0 {
		return fmt.Errorf("scoring bonuses must not be negative")
	}
	if s.FreshWindow <= 0 || s.DecayCutoff <= s.FreshWindow {
		return fmt.Errorf("scoring.decay_cutoff must exceed fresh_window")
	}
	if c.Suggest.DefaultLimit < 0 {
		return fmt.Errorf("suggest.default_limit must not be negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "reliefline.yml")
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// LoadOptional reads config from the workspace, falling back to defaults
// when no reliefline.yml exists.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := new(Config)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

const defaultTemplate = `scoring:
  distance:
    close_km: 5
    close_bonus: 50
    near_km: 15
    near_bonus: 30
  urgency:
    high: 30
    medium: 20
    low: 10
  skill_bonus: 20
  recency_bonus: 10
  fresh_window: 2h
  decay_cutoff: 24h

suggest:
  default_limit: 10
`
