package hybrid

import "math"

// Band is an angular wind-direction sector with the adjustment applied to
// the raw residual when the wind blows from inside it. From may exceed To,
// in which case the sector wraps through north (0°/360°).
type Band struct {
	From   float64
	To     float64
	Scale  float64
	Offset float64
}

func (b Band) contains(dir float64) bool {
	if math.IsNaN(dir) {
		return false
	}
	if b.From <= b.To {
		return dir >= b.From && dir <= b.To
	}
	return dir >= b.From || dir <= b.To
}

// Correction is one location's heuristic wind adjustment: direction bands,
// an optional wind-speed gain on the band effect, and an absolute clamp on
// the corrected residual. Coefficients are deployment configuration, not
// fitted parameters.
type Correction struct {
	Bands []Band
	// MaxGain and HalfSpeed shape the speed multiplier
	// 1 + MaxGain*speed/(speed+HalfSpeed): monotone in speed, bounded by
	// 1+MaxGain. Zero MaxGain disables it.
	MaxGain   float64
	HalfSpeed float64
	// Clamp bounds the corrected residual to [-Clamp, Clamp]. Zero or
	// negative disables clamping.
	Clamp float64
}

// Apply adjusts the corrector's raw residual. Band and speed effects fire
// only when the covariates are real (an externally forecast wind, not a
// persistence copy); the clamp applies unconditionally.
func (c Correction) Apply(raw, windDir, windSpeed float64, covariatesReal bool) float64 {
	out := raw
	if covariatesReal {
		for _, b := range c.Bands {
			if b.contains(windDir) {
				banded := raw*b.Scale + b.Offset
				out = raw + c.gain(windSpeed)*(banded-raw)
				break
			}
		}
	}
	if c.Clamp > 0 {
		out = math.Max(-c.Clamp, math.Min(c.Clamp, out))
	}
	return out
}

func (c Correction) gain(speed float64) float64 {
	if c.MaxGain <= 0 || c.HalfSpeed <= 0 || math.IsNaN(speed) || speed <= 0 {
		return 1
	}
	return 1 + c.MaxGain*speed/(speed+c.HalfSpeed)
}

// Corrections maps location names to their wind adjustment. Locations
// without an entry pass residuals through with only the default clamp.
type Corrections struct {
	ByLocation   map[string]Correction
	DefaultClamp float64
}

func (cs Corrections) For(location string) Correction {
	if c, ok := cs.ByLocation[location]; ok {
		return c
	}
	return Correction{Clamp: cs.DefaultClamp}
}

// DefaultCorrections encodes the reference deployment, Santander on the
// Cantabrian coast: southerly flow over the Cordillera arrives dry and warm
// (foehn), so the southern band amplifies the residual; onshore northerly
// flow is maritime and damped toward the model's cool bias.
func DefaultCorrections() Corrections {
	return Corrections{
		ByLocation: map[string]Correction{
			"Santander": {
				Bands: []Band{
					{From: 160, To: 220, Scale: 1.6},
					{From: 320, To: 40, Scale: 1.4},
				},
				Clamp: 6.0,
			},
		},
		DefaultClamp: 6.0,
	}
}
