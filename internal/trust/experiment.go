package trust

import (
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Experiment arms.
const (
	ArmControl   = "control"
	ArmTreatment = "treatment"
)

// ErrExperimentActive is returned when starting an experiment while one is
// already running.
var ErrExperimentActive = errors.New("an experiment is already active")

// ErrNoSuchExperiment is returned when ending or adopting an experiment
// that is not the active one.
var ErrNoSuchExperiment = errors.New("no such active experiment")

// Experiment is an A/B test over composite weight sets. Agents are
// assigned to an arm deterministically by hashing their DID with the
// experiment id, so assignment is stable across restarts and replicas.
type Experiment struct {
	ID        string    `json:"id"`
	Control   Weights   `json:"control"`
	Treatment Weights   `json:"treatment"`
	Fraction  float64   `json:"fraction"` // share of agents in the treatment arm
	StartedAt time.Time `json:"started_at"`
}

// StartExperiment begins an A/B weight experiment. Only one experiment may
// run at a time.
func (e *Engine) StartExperiment(control, treatment Weights, fraction float64) (*Experiment, error) {
	if err := control.Validate(); err != nil {
		return nil, fmt.Errorf("control weights: %w", err)
	}
	if err := treatment.Validate(); err != nil {
		return nil, fmt.Errorf("treatment weights: %w", err)
	}
	if fraction <= 0 || fraction > 1 {
		return nil, fmt.Errorf("treatment fraction %g out of (0, 1]", fraction)
	}

	e.expMu.Lock()
	defer e.expMu.Unlock()
	if e.experiment != nil {
		return nil, ErrExperimentActive
	}
	exp := &Experiment{
		ID:        uuid.New().String(),
		Control:   control.clone(),
		Treatment: treatment.clone(),
		Fraction:  fraction,
		StartedAt: e.now().UTC(),
	}
	e.experiment = exp
	e.logger.Info("weight experiment started",
		zap.String("experiment_id", exp.ID),
		zap.Float64("fraction", fraction),
	)
	return exp, nil
}

// ActiveExperiment returns the running experiment, or nil.
func (e *Engine) ActiveExperiment() *Experiment {
	e.expMu.Lock()
	defer e.expMu.Unlock()
	return e.experiment
}

// Assignment reports which arm the DID belongs to under the active
// experiment, or "" when none is running.
func (e *Engine) Assignment(did string) string {
	e.expMu.Lock()
	exp := e.experiment
	e.expMu.Unlock()
	if exp == nil {
		return ""
	}
	if assignedToTreatment(did, exp.ID, exp.Fraction) {
		return ArmTreatment
	}
	return ArmControl
}

// AdoptTreatment ends the experiment and promotes its treatment weights to
// the engine default.
func (e *Engine) AdoptTreatment(experimentID string) error {
	e.expMu.Lock()
	defer e.expMu.Unlock()
	if e.experiment == nil || e.experiment.ID != experimentID {
		return fmt.Errorf("%w: %s", ErrNoSuchExperiment, experimentID)
	}
	w := e.experiment.Treatment.clone()
	e.weights.Store(&w)
	e.logger.Info("experiment treatment adopted",
		zap.String("experiment_id", experimentID),
	)
	e.experiment = nil
	return nil
}

// EndExperiment discards the experiment without changing the default
// weights.
func (e *Engine) EndExperiment(experimentID string) error {
	e.expMu.Lock()
	defer e.expMu.Unlock()
	if e.experiment == nil || e.experiment.ID != experimentID {
		return fmt.Errorf("%w: %s", ErrNoSuchExperiment, experimentID)
	}
	e.logger.Info("weight experiment ended",
		zap.String("experiment_id", experimentID),
	)
	e.experiment = nil
	return nil
}

// weightsFor resolves the weight set governing one agent: the experiment
// arm while one runs, otherwise the engine default.
func (e *Engine) weightsFor(did string) Weights {
	e.expMu.Lock()
	exp := e.experiment
	e.expMu.Unlock()
	if exp != nil {
		if assignedToTreatment(did, exp.ID, exp.Fraction) {
			return exp.Treatment
		}
		return exp.Control
	}
	return *e.weights.Load()
}

func assignedToTreatment(did, experimentID string, fraction float64) bool {
	h := fnv.New64a()
	h.Write([]byte(did))
	h.Write([]byte{'|'})
	h.Write([]byte(experimentID))
	return h.Sum64()%10_000 < uint64(fraction*10_000)
}
