// Package experiment configures and executes batches of mechanism runs.
package experiment

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"gftlab/internal/env"
)

// EnvelopeConfig parameterizes the synthetic feasibility envelope.
type EnvelopeConfig struct {
	Center    float64 `yaml:"center"`
	HalfWidth float64 `yaml:"half_width"`
	Wander    float64 `yaml:"wander"`
}

// EnvConfig selects and parameterizes the valuation environment.
type EnvConfig struct {
	Mode           string          `yaml:"mode"`
	SellMean       float64         `yaml:"sell_mean"`
	BuyMean        float64         `yaml:"buy_mean"`
	Volatility     float64         `yaml:"volatility"`
	DriftPeriod    int             `yaml:"drift_period"`
	DriftAmplitude float64         `yaml:"drift_amplitude"`
	Envelope       *EnvelopeConfig `yaml:"envelope"`
}

// Config describes one experiment: a batch of independent replications
// of the same mechanism setup.
type Config struct {
	Name         string    `yaml:"name"`
	Horizon      int       `yaml:"horizon"`
	Replications int       `yaml:"replications"`
	Seed         int64     `yaml:"seed"`
	Constrained  bool      `yaml:"constrained"`
	Environment  EnvConfig `yaml:"environment"`
	TraceDir     string    `yaml:"trace_dir"`
	DatabasePath string    `yaml:"database_path"`
}

// DefaultConfig returns the baseline experiment: eight replications of
// a 10000-round run against the default synthetic environment.
func DefaultConfig() Config {
	base := env.DefaultSyntheticConfig()
	return Config{
		Name:         "hedge-bilateral",
		Horizon:      10000,
		Replications: 8,
		Seed:         1,
		Environment: EnvConfig{
			Mode:           base.Mode.String(),
			SellMean:       base.SellMean,
			BuyMean:        base.BuyMean,
			Volatility:     base.Volatility,
			DriftPeriod:    base.DriftPeriod,
			DriftAmplitude: base.DriftAmplitude,
		},
	}
}

// LoadConfig reads a YAML file over the defaults and validates the
// merged result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("experiment name is required")
	}
	// The name becomes part of trace file names.
	if strings.ContainsAny(c.Name, "/\\ ") {
		return fmt.Errorf("experiment name %q must not contain path separators or spaces", c.Name)
	}
	if c.Horizon < 4 {
		return fmt.Errorf("horizon must be at least 4 so both price grids hold two experts, got %d", c.Horizon)
	}
	if c.Replications <= 0 {
		return fmt.Errorf("replications must be positive, got %d", c.Replications)
	}
	if _, err := env.ParseMode(c.Environment.Mode); err != nil {
		return err
	}
	if c.Constrained && c.Environment.Envelope == nil {
		return fmt.Errorf("constrained experiments need an environment envelope")
	}
	return nil
}

// Build constructs the seeded environment the configuration describes.
func (c EnvConfig) Build(horizon int, seed int64) (*env.Synthetic, error) {
	mode, err := env.ParseMode(c.Mode)
	if err != nil {
		return nil, err
	}
	cfg := env.SyntheticConfig{
		Mode:           mode,
		SellMean:       c.SellMean,
		BuyMean:        c.BuyMean,
		Volatility:     c.Volatility,
		DriftPeriod:    c.DriftPeriod,
		DriftAmplitude: c.DriftAmplitude,
	}
	if c.Envelope != nil {
		cfg.Envelope = &env.EnvelopeConfig{
			Center:    c.Envelope.Center,
			HalfWidth: c.Envelope.HalfWidth,
			Wander:    c.Envelope.Wander,
		}
	}
	return env.NewSyntheticWithSeed(horizon, cfg, seed)
}
