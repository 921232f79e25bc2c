package trust

import (
	"errors"
	"hash/fnv"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrUnknownAgent is returned when a signal or query names a DID the
// identity registry does not know.
var ErrUnknownAgent = errors.New("unknown agent")

// KnownFunc reports whether a DID is a registered identity. The engine
// never auto-creates state for unknown agents.
type KnownFunc func(did string) bool

// Defaults for Config fields left zero.
const (
	DefaultShardCount          = 16
	DefaultDecayInterval       = time.Hour
	DefaultDecayRate           = 2.0 // composite points per idle hour
	DefaultDecayFloor          = 10.0
	DefaultDecayTick           = time.Minute
	DefaultRevocationThreshold = 300
	DefaultRevocationQueue     = 64
	DefaultCallbackTimeout     = 5 * time.Second
	DefaultHistoryLen          = 1000
	DefaultSignalWindowLen     = 1000
	DefaultSignalWindowAge     = 7 * 24 * time.Hour
)

// Config holds trust engine tunables. Zero values take the defaults above.
type Config struct {
	ShardCount int
	Weights    Weights
	Alpha      map[Dimension]float64 // per-dimension EMA factor, default DefaultAlpha

	DecayInterval time.Duration
	DecayRate     float64
	DecayFloor    float64
	DecayTick     time.Duration

	RevocationThreshold int
	RevocationQueue     int
	CallbackTimeout     time.Duration

	HistoryLen      int
	SignalWindowLen int
	SignalWindowAge time.Duration
}

func (c *Config) fill() error {
	if c.ShardCount <= 0 {
		c.ShardCount = DefaultShardCount
	}
	if c.Weights == nil {
		c.Weights = DefaultWeights()
	}
	if err := c.Weights.Validate(); err != nil {
		return err
	}
	if c.DecayInterval <= 0 {
		c.DecayInterval = DefaultDecayInterval
	}
	if c.DecayRate <= 0 {
		c.DecayRate = DefaultDecayRate
	}
	if c.DecayFloor <= 0 {
		c.DecayFloor = DefaultDecayFloor
	}
	if c.DecayTick <= 0 {
		c.DecayTick = DefaultDecayTick
	}
	if c.RevocationThreshold <= 0 {
		c.RevocationThreshold = DefaultRevocationThreshold
	}
	if c.RevocationQueue <= 0 {
		c.RevocationQueue = DefaultRevocationQueue
	}
	if c.CallbackTimeout <= 0 {
		c.CallbackTimeout = DefaultCallbackTimeout
	}
	if c.HistoryLen <= 0 {
		c.HistoryLen = DefaultHistoryLen
	}
	if c.SignalWindowLen <= 0 {
		c.SignalWindowLen = DefaultSignalWindowLen
	}
	if c.SignalWindowAge <= 0 {
		c.SignalWindowAge = DefaultSignalWindowAge
	}
	return nil
}

// shard holds the agents whose DID hashes to it, under its own lock, so
// updates to different agents proceed in parallel.
type shard struct {
	mu     sync.Mutex
	agents map[string]*agentState
}

// Engine is the reward and trust scoring engine.
type Engine struct {
	cfg    Config
	shards []*shard

	// weights is the engine default weight set, swapped atomically when an
	// experiment's treatment is adopted.
	weights atomic.Pointer[Weights]

	expMu      sync.Mutex
	experiment *Experiment

	known  KnownFunc
	logger *zap.Logger
	now    func() time.Time

	cbMu      sync.Mutex
	callbacks []RevocationCallback

	events    chan revocationEvent
	stop      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewEngine creates a trust engine. known must not be nil.
func NewEngine(cfg Config, known KnownFunc, logger *zap.Logger) (*Engine, error) {
	if err := cfg.fill(); err != nil {
		return nil, err
	}
	if known == nil {
		return nil, errors.New("trust: known func is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		cfg:    cfg,
		shards: make([]*shard, cfg.ShardCount),
		known:  known,
		logger: logger,
		now:    time.Now,
		events: make(chan revocationEvent, cfg.RevocationQueue),
		stop:   make(chan struct{}),
	}
	for i := range e.shards {
		e.shards[i] = &shard{agents: make(map[string]*agentState)}
	}
	w := cfg.Weights.clone()
	e.weights.Store(&w)
	return e, nil
}

// Start launches the decay sweeper and the revocation dispatch worker.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		e.wg.Add(2)
		go e.decayLoop()
		go e.dispatchLoop()
	})
}

// Close stops the background workers and drains pending revocation events.
func (e *Engine) Close() {
	e.stopOnce.Do(func() { close(e.stop) })
	e.wg.Wait()
}

func (e *Engine) shardFor(did string) *shard {
	h := fnv.New32a()
	h.Write([]byte(did))
	return e.shards[h.Sum32()%uint32(len(e.shards))]
}

func (e *Engine) alpha(dim Dimension) float64 {
	if a, ok := e.cfg.Alpha[dim]; ok && a > 0 {
		return a
	}
	return DefaultAlpha
}

// ── Signal recording ─────────────────────────────────────────────────────

// RecordPolicyCompliance scores a policy decision outcome: 100 for a
// compliant action, 0 for a violation.
func (e *Engine) RecordPolicyCompliance(did string, compliant bool, policyName string) error {
	return e.record(did, DimPolicyCompliance, boolSignal(compliant),
		zap.String("policy", policyName))
}

// RecordResourceUsage scores consumption against budget. A zero budget
// records nothing.
func (e *Engine) RecordResourceUsage(did string, used, budget float64) error {
	if budget == 0 {
		return nil
	}
	signal := 100 * (1 - used/budget)
	if signal < 0 {
		signal = 0
	}
	if signal > 100 {
		signal = 100
	}
	return e.record(did, DimResourceEfficiency, signal,
		zap.Float64("used", used), zap.Float64("budget", budget))
}

// RecordOutputQuality scores whether a consumer accepted the agent's output.
func (e *Engine) RecordOutputQuality(did string, accepted bool, consumer string) error {
	return e.record(did, DimOutputQuality, boolSignal(accepted),
		zap.String("consumer", consumer))
}

// RecordSecurityEvent scores whether an action stayed within the agent's
// security boundary.
func (e *Engine) RecordSecurityEvent(did string, withinBoundary bool, eventType string) error {
	return e.record(did, DimSecurityPosture, boolSignal(withinBoundary),
		zap.String("event_type", eventType))
}

// RecordCollaboration scores an agent-to-agent handoff.
func (e *Engine) RecordCollaboration(did string, handoffSuccessful bool, peerDID string) error {
	return e.record(did, DimCollaboration, boolSignal(handoffSuccessful),
		zap.String("peer", peerDID))
}

func boolSignal(ok bool) float64 {
	if ok {
		return 100
	}
	return 0
}

// record applies one signal: anomaly check, EMA update, composite and tier
// recompute, and revocation crossing detection.
func (e *Engine) record(did string, dim Dimension, signal float64, fields ...zap.Field) error {
	if !e.known(did) {
		return ErrUnknownAgent
	}

	now := e.now()
	s := e.shardFor(did)

	s.mu.Lock()
	a, ok := s.agents[did]
	if !ok {
		a = newAgentState(did)
		s.agents[did] = a
	}

	if mean, stddev, ok := a.baseline(); ok && stddev > 0 && math.Abs(signal-mean) > 2*stddev {
		a.anomalies++
		e.logger.Warn("anomalous trust signal",
			append([]zap.Field{
				zap.String("did", did),
				zap.String("dimension", string(dim)),
				zap.Float64("signal", signal),
				zap.Float64("baseline_mean", mean),
				zap.Float64("baseline_stddev", stddev),
			}, fields...)...)
	}
	a.pushSignal(signalPoint{value: signal, at: now}, e.cfg.SignalWindowLen, e.cfg.SignalWindowAge)

	d, ok := a.dims[dim]
	if !ok {
		// First signal seeds the dimension rather than smoothing toward a
		// fixed starting value.
		d = &dimState{score: signal}
		a.dims[dim] = d
	} else {
		alpha := e.alpha(dim)
		d.score = alpha*signal + (1-alpha)*d.score
	}
	d.signals++
	d.lastUpdate = now

	ev, fire := e.recomputeLocked(a, now)
	composite := a.composite
	s.mu.Unlock()

	if fire {
		e.enqueue(ev)
	}

	e.logger.Debug("trust signal recorded",
		append([]zap.Field{
			zap.String("did", did),
			zap.String("dimension", string(dim)),
			zap.Float64("signal", signal),
			zap.Int("composite", composite),
		}, fields...)...)
	return nil
}

// recomputeLocked refreshes the composite, tier, and history, and detects
// a downward threshold crossing. The caller holds the shard lock.
func (e *Engine) recomputeLocked(a *agentState, now time.Time) (revocationEvent, bool) {
	weights := e.weightsFor(a.did)

	var sum float64
	for dim, d := range a.dims {
		sum += d.score * weights[dim]
	}
	composite := int(math.Round(sum * 10))
	if composite < 0 {
		composite = 0
	}
	if composite > 1000 {
		composite = 1000
	}

	a.composite = composite
	a.tier = TierFor(composite)
	a.pushHistory(ScorePoint{Composite: composite, At: now}, e.cfg.HistoryLen)

	if composite < e.cfg.RevocationThreshold {
		if !a.revocationFired {
			a.revocationFired = true
			return revocationEvent{
				DID:       a.did,
				Composite: composite,
				Reason:    ReasonBelowThreshold,
			}, true
		}
	} else {
		a.revocationFired = false
	}
	return revocationEvent{}, false
}

// ── Queries ──────────────────────────────────────────────────────────────

// DimensionScore is a read-only view of one dimension.
type DimensionScore struct {
	Score      float64   `json:"score"`
	Signals    uint64    `json:"signals"`
	LastUpdate time.Time `json:"last_update"`
}

// Snapshot is a point-in-time view of an agent's trust state.
type Snapshot struct {
	DID        string                       `json:"did"`
	Dimensions map[Dimension]DimensionScore `json:"dimensions"`
	Composite  int                          `json:"composite"`
	Tier       Tier                         `json:"tier"`
	Anomalies  uint64                       `json:"anomalies"`
}

// Score returns the agent's current trust state. An agent the registry
// knows but that has no signals yet reports an empty snapshot in the
// untrusted tier.
func (e *Engine) Score(did string) (*Snapshot, error) {
	if !e.known(did) {
		return nil, ErrUnknownAgent
	}
	s := e.shardFor(did)
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &Snapshot{
		DID:        did,
		Dimensions: make(map[Dimension]DimensionScore),
		Tier:       TierUntrusted,
	}
	a, ok := s.agents[did]
	if !ok {
		return snap, nil
	}
	for dim, d := range a.dims {
		snap.Dimensions[dim] = DimensionScore{
			Score:      d.score,
			Signals:    d.signals,
			LastUpdate: d.lastUpdate,
		}
	}
	snap.Composite = a.composite
	snap.Tier = a.tier
	snap.Anomalies = a.anomalies
	return snap, nil
}

// History returns the agent's recent composite observations in order.
func (e *Engine) History(did string) ([]ScorePoint, error) {
	if !e.known(did) {
		return nil, ErrUnknownAgent
	}
	s := e.shardFor(did)
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[did]
	if !ok {
		return nil, nil
	}
	out := make([]ScorePoint, len(a.history))
	copy(out, a.history)
	return out, nil
}

// Recompute refreshes the composite and tier without recording a signal.
// Useful after a weight change.
func (e *Engine) Recompute(did string) error {
	if !e.known(did) {
		return ErrUnknownAgent
	}
	s := e.shardFor(did)
	s.mu.Lock()
	a, ok := s.agents[did]
	var ev revocationEvent
	fire := false
	if ok {
		ev, fire = e.recomputeLocked(a, e.now())
	}
	s.mu.Unlock()
	if fire {
		e.enqueue(ev)
	}
	return nil
}
