package trust

import (
	"fmt"
	"math"
)

// Dimension identifies one scored aspect of agent behavior. Dimension
// scores live on a [0, 100] scale.
type Dimension string

const (
	DimPolicyCompliance   Dimension = "policy_compliance"
	DimResourceEfficiency Dimension = "resource_efficiency"
	DimOutputQuality      Dimension = "output_quality"
	DimSecurityPosture    Dimension = "security_posture"
	DimCollaboration      Dimension = "collaboration_health"
)

// Dimensions lists every dimension in canonical order.
var Dimensions = []Dimension{
	DimPolicyCompliance,
	DimResourceEfficiency,
	DimOutputQuality,
	DimSecurityPosture,
	DimCollaboration,
}

// Weights maps each dimension to its share of the composite.
type Weights map[Dimension]float64

// weightEpsilon is the tolerance when checking that weights sum to 1.
const weightEpsilon = 1e-6

// DefaultWeights returns the standard weight set.
func DefaultWeights() Weights {
	return Weights{
		DimPolicyCompliance:   0.30,
		DimResourceEfficiency: 0.15,
		DimOutputQuality:      0.25,
		DimSecurityPosture:    0.20,
		DimCollaboration:      0.10,
	}
}

// Validate checks that every dimension is present, no weight is negative,
// and the weights sum to 1 within tolerance.
func (w Weights) Validate() error {
	sum := 0.0
	for _, d := range Dimensions {
		v, ok := w[d]
		if !ok {
			return fmt.Errorf("weights missing dimension %q", d)
		}
		if v < 0 {
			return fmt.Errorf("weight for %q is negative", d)
		}
		sum += v
	}
	if len(w) != len(Dimensions) {
		return fmt.Errorf("weights contain unknown dimensions")
	}
	if math.Abs(sum-1.0) > weightEpsilon {
		return fmt.Errorf("weights sum to %g, want 1.0", sum)
	}
	return nil
}

// clone returns a copy so callers cannot mutate a published weight set.
func (w Weights) clone() Weights {
	out := make(Weights, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}

// DefaultAlpha is the default EMA smoothing factor for every dimension.
const DefaultAlpha = 0.2
