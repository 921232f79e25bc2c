package trust

import (
	"errors"
	"math"
	"sync"
	"testing"

	"go.uber.org/zap"
)

const (
	agentA = "did:mesh:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	agentB = "did:mesh:bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func knownAgents(dids ...string) KnownFunc {
	set := make(map[string]bool, len(dids))
	for _, d := range dids {
		set[d] = true
	}
	return func(did string) bool { return set[did] }
}

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, knownAgents(agentA, agentB), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(e.Close)
	return e
}

// seed puts every dimension of did at the given score via first-signal
// seeding.
func seed(t *testing.T, e *Engine, did string, score float64) {
	t.Helper()
	for _, dim := range Dimensions {
		if err := e.record(did, dim, score); err != nil {
			t.Fatal(err)
		}
	}
}

func TestRecord_unknownAgent(t *testing.T) {
	e := newTestEngine(t, Config{})
	err := e.RecordPolicyCompliance("did:mesh:nobody", true, "p")
	if !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("expected ErrUnknownAgent, got %v", err)
	}
	if _, err := e.Score("did:mesh:nobody"); !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("Score: expected ErrUnknownAgent, got %v", err)
	}
}

func TestRecord_firstSignalSeeds(t *testing.T) {
	e := newTestEngine(t, Config{})
	if err := e.RecordPolicyCompliance(agentA, true, "base"); err != nil {
		t.Fatal(err)
	}
	snap, err := e.Score(agentA)
	if err != nil {
		t.Fatal(err)
	}
	d := snap.Dimensions[DimPolicyCompliance]
	if d.Score != 100 || d.Signals != 1 {
		t.Errorf("seeded dimension: %+v", d)
	}
	// composite = 100 × 0.30 × 10, other dimensions absent.
	if snap.Composite != 300 {
		t.Errorf("composite: got %d, want 300", snap.Composite)
	}
}

func TestRecord_emaDecline(t *testing.T) {
	e := newTestEngine(t, Config{})

	if err := e.RecordPolicyCompliance(agentA, true, "base"); err != nil {
		t.Fatal(err)
	}
	for k := 1; k <= 10; k++ {
		if err := e.RecordPolicyCompliance(agentA, false, "base"); err != nil {
			t.Fatal(err)
		}
		snap, _ := e.Score(agentA)
		want := 100 * math.Pow(0.8, float64(k))
		got := snap.Dimensions[DimPolicyCompliance].Score
		if math.Abs(got-want) > 1e-9 {
			t.Fatalf("after %d bad signals: score %.6f, want %.6f", k, got, want)
		}
	}

	snap, _ := e.Score(agentA)
	got := snap.Dimensions[DimPolicyCompliance].Score
	if math.Abs(got-10.7374182) > 1e-4 {
		t.Errorf("after 10 signals: %.6f, want ≈10.7374", got)
	}
}

func TestRecord_concurrentSignalsOneAgent(t *testing.T) {
	e := newTestEngine(t, Config{})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(compliant bool) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if err := e.RecordPolicyCompliance(agentA, compliant, "base"); err != nil {
					t.Error(err)
					return
				}
			}
		}(g%2 == 0)
	}
	wg.Wait()

	snap, err := e.Score(agentA)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Dimensions[DimPolicyCompliance].Signals != 400 {
		t.Errorf("signals: %+v", snap.Dimensions[DimPolicyCompliance])
	}
	if snap.Composite < 0 || snap.Composite > 1000 {
		t.Errorf("composite out of bounds: %d", snap.Composite)
	}
}

func TestRecordResourceUsage(t *testing.T) {
	e := newTestEngine(t, Config{})

	// Zero budget records nothing.
	if err := e.RecordResourceUsage(agentA, 50, 0); err != nil {
		t.Fatal(err)
	}
	snap, _ := e.Score(agentA)
	if len(snap.Dimensions) != 0 {
		t.Fatalf("zero budget must not create state: %+v", snap.Dimensions)
	}

	// used 25 of 100 → signal 75.
	if err := e.RecordResourceUsage(agentA, 25, 100); err != nil {
		t.Fatal(err)
	}
	snap, _ = e.Score(agentA)
	if got := snap.Dimensions[DimResourceEfficiency].Score; got != 75 {
		t.Errorf("signal: got %v, want 75", got)
	}

	// Overspend clamps to 0: EMA moves toward 0.
	if err := e.RecordResourceUsage(agentB, 250, 100); err != nil {
		t.Fatal(err)
	}
	snap, _ = e.Score(agentB)
	if got := snap.Dimensions[DimResourceEfficiency].Score; got != 0 {
		t.Errorf("clamped signal: got %v, want 0", got)
	}
}

func TestComposite_weightsAndTier(t *testing.T) {
	e := newTestEngine(t, Config{})
	seed(t, e, agentA, 80)

	snap, _ := e.Score(agentA)
	// All dimensions at 80, weights sum to 1 → composite 800.
	if snap.Composite != 800 {
		t.Errorf("composite: got %d, want 800", snap.Composite)
	}
	if snap.Tier != TierTrusted {
		t.Errorf("tier: got %q, want trusted", snap.Tier)
	}
}

func TestTierFor(t *testing.T) {
	cases := []struct {
		composite int
		want      Tier
	}{
		{1000, TierVerifiedPartner},
		{900, TierVerifiedPartner},
		{899, TierTrusted},
		{700, TierTrusted},
		{699, TierStandard},
		{500, TierStandard},
		{499, TierProbationary},
		{300, TierProbationary},
		{299, TierUntrusted},
		{0, TierUntrusted},
	}
	for _, c := range cases {
		if got := TierFor(c.composite); got != c.want {
			t.Errorf("TierFor(%d) = %q, want %q", c.composite, got, c.want)
		}
	}
}

func TestScore_noSignalsYet(t *testing.T) {
	e := newTestEngine(t, Config{})
	snap, err := e.Score(agentA)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Composite != 0 || snap.Tier != TierUntrusted || len(snap.Dimensions) != 0 {
		t.Errorf("empty snapshot: %+v", snap)
	}
}

func TestHistory_bounded(t *testing.T) {
	e := newTestEngine(t, Config{HistoryLen: 5})
	for i := 0; i < 10; i++ {
		if err := e.RecordPolicyCompliance(agentA, true, "p"); err != nil {
			t.Fatal(err)
		}
	}
	hist, err := e.History(agentA)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 5 {
		t.Errorf("history length: got %d, want 5", len(hist))
	}
}

func TestAnomaly_detection(t *testing.T) {
	e := newTestEngine(t, Config{})

	// Build a baseline alternating 100 and 80 (mean 90, stddev 10).
	for i := 0; i < 12; i++ {
		used := 0.0
		if i%2 == 1 {
			used = 20
		}
		if err := e.RecordResourceUsage(agentA, used, 100); err != nil {
			t.Fatal(err)
		}
	}
	snap, _ := e.Score(agentA)
	if snap.Anomalies != 0 {
		t.Fatalf("baseline signals flagged: %d", snap.Anomalies)
	}

	// A full overspend (signal 0) is 9σ out.
	if err := e.RecordResourceUsage(agentA, 100, 100); err != nil {
		t.Fatal(err)
	}
	snap, _ = e.Score(agentA)
	if snap.Anomalies != 1 {
		t.Errorf("anomaly count: got %d, want 1", snap.Anomalies)
	}
}
