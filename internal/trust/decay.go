package trust

import (
	"time"

	"go.uber.org/zap"
)

// The decay sweep runs on a single ticker rather than per-agent timers,
// bounding wakeups regardless of population size. Rates and floors are
// expressed on the composite scale (points per idle hour); dimension
// scores carry a tenth of that.

func (e *Engine) decayLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.DecayTick)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.decayPass(e.now())
		}
	}
}

// decayPass sweeps every shard and decays dimensions idle longer than the
// decay interval. Decayed dimensions are stamped with the sweep time so
// the next pass only charges newly accrued idleness.
func (e *Engine) decayPass(now time.Time) {
	dimRate := e.cfg.DecayRate / 10
	dimFloor := e.cfg.DecayFloor / 10

	var events []revocationEvent
	decayed := 0

	for _, s := range e.shards {
		s.mu.Lock()
		for _, a := range s.agents {
			changed := false
			for _, d := range a.dims {
				idle := now.Sub(d.lastUpdate)
				if idle <= e.cfg.DecayInterval {
					continue
				}
				next := d.score - dimRate*idle.Hours()
				if next < dimFloor {
					next = dimFloor
				}
				if next != d.score {
					d.score = next
					changed = true
				}
				d.lastUpdate = now
			}
			if !changed {
				continue
			}
			decayed++
			if ev, fire := e.recomputeLocked(a, now); fire {
				events = append(events, ev)
			}
		}
		s.mu.Unlock()
	}

	for _, ev := range events {
		e.enqueue(ev)
	}
	if decayed > 0 {
		e.logger.Debug("decay pass applied",
			zap.Int("agents", decayed),
			zap.Int("revocations", len(events)),
		)
	}
}
