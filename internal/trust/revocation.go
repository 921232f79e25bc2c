package trust

import (
	"context"

	"go.uber.org/zap"
)

// ReasonBelowThreshold is the revocation reason when the composite falls
// under the configured threshold.
const ReasonBelowThreshold = "below_threshold"

// RevocationCallback is invoked when an agent's composite crosses below
// the revocation threshold. Errors are logged, never propagated.
type RevocationCallback func(ctx context.Context, did string, composite int, reason string) error

type revocationEvent struct {
	DID       string
	Composite int
	Reason    string
}

// OnRevocation registers a callback. Register before Start; callbacks run
// on the dispatch worker, one event at a time.
func (e *Engine) OnRevocation(cb RevocationCallback) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.callbacks = append(e.callbacks, cb)
}

// enqueue hands an event to the dispatch worker. A full queue blocks the
// producer; revocation events are never dropped.
func (e *Engine) enqueue(ev revocationEvent) {
	select {
	case e.events <- ev:
	case <-e.stop:
	}
}

func (e *Engine) dispatchLoop() {
	defer e.wg.Done()
	for {
		select {
		case ev := <-e.events:
			e.dispatch(ev)
		case <-e.stop:
			// Drain anything already queued before exiting.
			for {
				select {
				case ev := <-e.events:
					e.dispatch(ev)
				default:
					return
				}
			}
		}
	}
}

func (e *Engine) dispatch(ev revocationEvent) {
	e.cbMu.Lock()
	callbacks := make([]RevocationCallback, len(e.callbacks))
	copy(callbacks, e.callbacks)
	e.cbMu.Unlock()

	e.logger.Warn("trust revocation triggered",
		zap.String("did", ev.DID),
		zap.Int("composite", ev.Composite),
		zap.String("reason", ev.Reason),
	)

	for _, cb := range callbacks {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CallbackTimeout)
		if err := cb(ctx, ev.DID, ev.Composite, ev.Reason); err != nil {
			e.logger.Error("revocation callback failed",
				zap.String("did", ev.DID),
				zap.Error(err),
			)
		}
		cancel()
	}
}
