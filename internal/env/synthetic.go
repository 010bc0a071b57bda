package env

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Mode selects how a Synthetic environment draws its valuations.
type Mode int

const (
	// ModeUniform draws both valuations independently from [0,1).
	ModeUniform Mode = iota
	// ModeGaussian draws around fixed per-side means, clipped to [0,1].
	ModeGaussian
	// ModeDrift is ModeGaussian with a shared sinusoidal mean shift, so
	// the best fixed price pair moves over the run.
	ModeDrift
)

func (m Mode) String() string {
	switch m {
	case ModeUniform:
		return "uniform"
	case ModeGaussian:
		return "gaussian"
	case ModeDrift:
		return "drift"
	default:
		return "unknown"
	}
}

// ParseMode maps a mode name back to its Mode.
func ParseMode(name string) (Mode, error) {
	switch name {
	case "uniform":
		return ModeUniform, nil
	case "gaussian":
		return ModeGaussian, nil
	case "drift":
		return ModeDrift, nil
	default:
		return 0, fmt.Errorf("unknown environment mode %q", name)
	}
}

// EnvelopeConfig generates per-round feasibility bounds: a band of
// fixed half-width whose center starts at Center and takes a random
// step of at most Wander each round. The band may leave [0,1].
type EnvelopeConfig struct {
	Center    float64
	HalfWidth float64
	Wander    float64
}

// SyntheticConfig configures a Synthetic environment.
type SyntheticConfig struct {
	Mode           Mode
	SellMean       float64
	BuyMean        float64
	Volatility     float64
	DriftPeriod    int     // rounds per full drift cycle (ModeDrift)
	DriftAmplitude float64 // peak mean shift (ModeDrift)
	Envelope       *EnvelopeConfig
}

// DefaultSyntheticConfig returns a gaussian environment with a healthy
// share of positive-surplus rounds.
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		Mode:           ModeGaussian,
		SellMean:       0.35,
		BuyMean:        0.65,
		Volatility:     0.15,
		DriftPeriod:    500,
		DriftAmplitude: 0.2,
	}
}

// Synthetic pre-generates its full valuation (and envelope) sequence at
// construction and then replays it, so a fixed seed yields an identical
// run no matter how callers interleave Valuations and Constraints.
type Synthetic struct {
	*Sequence
	cfg  SyntheticConfig
	seed int64
}

// NewSynthetic generates a horizon-length environment seeded from the
// current time.
func NewSynthetic(horizon int, cfg SyntheticConfig) (*Synthetic, error) {
	return NewSyntheticWithSeed(horizon, cfg, time.Now().UnixNano())
}

// NewSyntheticWithSeed generates a horizon-length environment from a
// fixed seed for reproducible runs.
func NewSyntheticWithSeed(horizon int, cfg SyntheticConfig, seed int64) (*Synthetic, error) {
	if horizon <= 0 {
		return nil, fmt.Errorf("horizon must be positive, got %d", horizon)
	}
	switch cfg.Mode {
	case ModeUniform, ModeGaussian, ModeDrift:
	default:
		return nil, fmt.Errorf("unknown environment mode %d", cfg.Mode)
	}
	if cfg.Volatility < 0 {
		return nil, fmt.Errorf("volatility must be non-negative, got %v", cfg.Volatility)
	}
	if cfg.Mode == ModeDrift && cfg.DriftPeriod <= 0 {
		return nil, fmt.Errorf("drift period must be positive, got %d", cfg.DriftPeriod)
	}
	if cfg.Envelope != nil && cfg.Envelope.HalfWidth < 0 {
		return nil, fmt.Errorf("envelope half-width must be non-negative, got %v", cfg.Envelope.HalfWidth)
	}

	rng := rand.New(rand.NewSource(seed))
	vals := make([]Valuation, horizon)
	for i := range vals {
		vals[i] = cfg.draw(rng, i)
	}

	var envs []Envelope
	if cfg.Envelope != nil {
		envs = make([]Envelope, horizon)
		center := cfg.Envelope.Center
		for i := range envs {
			envs[i] = Envelope{
				SDot: center - cfg.Envelope.HalfWidth,
				BDot: center + cfg.Envelope.HalfWidth,
			}
			center += (rng.Float64()*2 - 1) * cfg.Envelope.Wander
		}
	}

	seq, err := NewSequence(vals, envs)
	if err != nil {
		return nil, err
	}
	return &Synthetic{Sequence: seq, cfg: cfg, seed: seed}, nil
}

func (c SyntheticConfig) draw(rng *rand.Rand, round int) Valuation {
	switch c.Mode {
	case ModeUniform:
		return Valuation{Sell: rng.Float64(), Buy: rng.Float64()}
	case ModeDrift:
		shift := c.DriftAmplitude * math.Sin(2*math.Pi*float64(round)/float64(c.DriftPeriod))
		return Valuation{
			Sell: clamp01(c.SellMean + shift + c.Volatility*rng.NormFloat64()),
			Buy:  clamp01(c.BuyMean + shift + c.Volatility*rng.NormFloat64()),
		}
	default:
		return Valuation{
			Sell: clamp01(c.SellMean + c.Volatility*rng.NormFloat64()),
			Buy:  clamp01(c.BuyMean + c.Volatility*rng.NormFloat64()),
		}
	}
}

// Seed returns the seed the sequence was generated from.
func (s *Synthetic) Seed() int64 { return s.seed }

// Config returns the generation parameters.
func (s *Synthetic) Config() SyntheticConfig { return s.cfg }

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
