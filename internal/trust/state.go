package trust

import (
	"math"
	"time"
)

// dimState is the mutable score state of one dimension for one agent.
type dimState struct {
	score      float64
	signals    uint64
	lastUpdate time.Time
}

// ScorePoint is one (composite, timestamp) observation in an agent's
// score history.
type ScorePoint struct {
	Composite int       `json:"composite"`
	At        time.Time `json:"at"`
}

// signalPoint is one raw signal observation used for the anomaly baseline.
type signalPoint struct {
	value float64
	at    time.Time
}

// agentState is everything the engine tracks for one agent. It is guarded
// by its shard's lock.
type agentState struct {
	did       string
	dims      map[Dimension]*dimState
	composite int
	tier      Tier

	// history is a bounded ring of recent composite observations.
	history []ScorePoint

	// signalWindow is a bounded ring of raw signal values feeding the
	// per-agent anomaly baseline.
	signalWindow []signalPoint
	anomalies    uint64

	// revocationFired arms once per downward threshold crossing and
	// re-arms when the composite recovers.
	revocationFired bool
}

func newAgentState(did string) *agentState {
	return &agentState{
		did:  did,
		dims: make(map[Dimension]*dimState, len(Dimensions)),
		tier: TierUntrusted,
	}
}

// pushHistory appends a composite observation, evicting beyond maxLen.
func (a *agentState) pushHistory(p ScorePoint, maxLen int) {
	a.history = append(a.history, p)
	if maxLen > 0 && len(a.history) > maxLen {
		a.history = a.history[len(a.history)-maxLen:]
	}
}

// pushSignal records a raw signal in the anomaly window, pruning by count
// and age.
func (a *agentState) pushSignal(p signalPoint, maxLen int, maxAge time.Duration) {
	a.signalWindow = append(a.signalWindow, p)
	if maxLen > 0 && len(a.signalWindow) > maxLen {
		a.signalWindow = a.signalWindow[len(a.signalWindow)-maxLen:]
	}
	if maxAge > 0 {
		cutoff := p.at.Add(-maxAge)
		i := 0
		for i < len(a.signalWindow) && a.signalWindow[i].at.Before(cutoff) {
			i++
		}
		a.signalWindow = a.signalWindow[i:]
	}
}

// minBaselineSignals is how many observations the anomaly baseline needs
// before a signal can be flagged.
const minBaselineSignals = 10

// baseline returns the mean and standard deviation of the signal window.
func (a *agentState) baseline() (mean, stddev float64, ok bool) {
	n := len(a.signalWindow)
	if n < minBaselineSignals {
		return 0, 0, false
	}
	for _, p := range a.signalWindow {
		mean += p.value
	}
	mean /= float64(n)
	var variance float64
	for _, p := range a.signalWindow {
		d := p.value - mean
		variance += d * d
	}
	variance /= float64(n)
	return mean, math.Sqrt(variance), true
}
