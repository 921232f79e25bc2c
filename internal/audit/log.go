package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/meshcrypto"
)

// Defaults for the append retry loop.
const (
	DefaultMaxRetries = 5
	DefaultRetryBase  = 50 * time.Millisecond
)

// Options configures a Log.
type Options struct {
	// MaxRetries bounds how many times a failed storage append is retried
	// before the failure escalates. Default DefaultMaxRetries.
	MaxRetries int

	// RetryBase is the first retry delay; each retry doubles it.
	// Default DefaultRetryBase.
	RetryBase time.Duration

	// OnFatal is called once per append that exhausts its retries. The
	// daemon uses it to flip its health status.
	OnFatal func(error)
}

// Log is the append-only audit chain. All writes go through a single
// mutex so sequence numbers, prev hashes, and the Merkle tree advance
// together.
type Log struct {
	mu      sync.Mutex
	storage Storage
	tree    *merkleTree

	nextSeq  uint64
	lastHash string
	lastMono int64

	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

// NewLog opens a Log over the given storage, replaying existing entries
// to rebuild the chain tail and the Merkle tree. Replay validates the
// chain; opening a tampered log fails with a *TamperedError.
func NewLog(ctx context.Context, storage Storage, opts Options, logger *zap.Logger) (*Log, error) {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = DefaultRetryBase
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Log{
		storage:  storage,
		tree:     newMerkleTree(),
		lastHash: GenesisPrevHash,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}

	err := storage.Scan(ctx, 0, func(e *Entry) error {
		if err := l.checkLink(e); err != nil {
			return err
		}
		l.tree.add(e.Hash)
		l.nextSeq = e.Seq + 1
		l.lastHash = e.Hash
		l.lastMono = e.Mono
		return nil
	})
	if err != nil {
		return nil, err
	}

	if l.nextSeq > 0 {
		logger.Info("audit log opened",
			zap.Uint64("entries", l.nextSeq),
			zap.String("root", l.tree.root()),
		)
	}
	return l, nil
}

// checkLink validates one entry against the current chain tail.
func (l *Log) checkLink(e *Entry) error {
	if e.Seq != l.nextSeq {
		return &TamperedError{Seq: e.Seq, Reason: fmt.Sprintf("sequence gap: want %d", l.nextSeq)}
	}
	if e.PrevHash != l.lastHash {
		return &TamperedError{Seq: e.Seq, Reason: "prev hash does not match chain tail"}
	}
	if e.Hash != hashEntry(e) {
		return &TamperedError{Seq: e.Seq, Reason: "entry hash does not match contents"}
	}
	return nil
}

// Append canonicalises the payload, chains a new entry onto the tail, and
// persists it. Transient storage failures are retried with exponential
// backoff; exhausting the retries invokes OnFatal and returns the error.
func (l *Log) Append(ctx context.Context, typ EventType, actor string, payload any) (*Entry, error) {
	canonical, err := meshcrypto.Canonical(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalise payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	mono := now.UnixNano()
	if mono <= l.lastMono {
		// Wall clock went backwards or stood still; ordering must not.
		mono = l.lastMono + 1
	}

	e := &Entry{
		Seq:      l.nextSeq,
		Time:     now,
		Mono:     mono,
		Type:     typ,
		Actor:    actor,
		Payload:  canonical,
		PrevHash: l.lastHash,
	}
	e.Hash = hashEntry(e)

	if err := l.appendWithRetry(ctx, e); err != nil {
		return nil, err
	}

	l.tree.add(e.Hash)
	l.nextSeq = e.Seq + 1
	l.lastHash = e.Hash
	l.lastMono = e.Mono

	l.logger.Debug("audit entry appended",
		zap.Uint64("seq", e.Seq),
		zap.String("type", string(typ)),
		zap.String("actor", actor),
	)
	return e, nil
}

func (l *Log) appendWithRetry(ctx context.Context, e *Entry) error {
	delay := l.opts.RetryBase
	var err error
	for attempt := 0; attempt <= l.opts.MaxRetries; attempt++ {
		if err = l.storage.Append(ctx, e); err == nil {
			return nil
		}
		if attempt == l.opts.MaxRetries {
			break
		}
		l.logger.Warn("audit append failed, retrying",
			zap.Uint64("seq", e.Seq),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}

	err = fmt.Errorf("audit append seq %d failed after %d retries: %w", e.Seq, l.opts.MaxRetries, err)
	l.logger.Error("audit append exhausted retries", zap.Error(err))
	if l.opts.OnFatal != nil {
		l.opts.OnFatal(err)
	}
	return err
}

// Len returns the number of appended entries.
func (l *Log) Len() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq
}

// Head returns the hash of the most recent entry, or GenesisPrevHash for
// an empty log.
func (l *Log) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastHash
}

// Root returns the current Merkle tree head over all entry hashes.
func (l *Log) Root() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tree.root()
}

// InclusionProof returns a proof that the entry at seq is covered by the
// current Root.
func (l *Log) InclusionProof(seq uint64) (*InclusionProof, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tree.proof(seq)
}

// Get returns the stored entry at seq.
func (l *Log) Get(ctx context.Context, seq uint64) (*Entry, error) {
	return l.storage.Get(ctx, seq)
}

// VerifyChain re-reads entries in [from, to) from storage and validates
// hashes and links. A zero to means "to the end". The first discrepancy
// is reported as a *TamperedError; nil means the range is intact.
//
// Verification reads what storage actually holds, so mutations made
// behind the Log's back are caught.
func (l *Log) VerifyChain(ctx context.Context, from, to uint64) error {
	prevHash := GenesisPrevHash
	if from > 0 {
		prev, err := l.storage.Get(ctx, from-1)
		if err != nil {
			return fmt.Errorf("read entry %d: %w", from-1, err)
		}
		prevHash = prev.Hash
	}

	wantSeq := from
	err := l.storage.Scan(ctx, from, func(e *Entry) error {
		if to > 0 && e.Seq >= to {
			return errStopScan
		}
		if e.Seq != wantSeq {
			return &TamperedError{Seq: e.Seq, Reason: fmt.Sprintf("sequence gap: want %d", wantSeq)}
		}
		if e.PrevHash != prevHash {
			return &TamperedError{Seq: e.Seq, Reason: "prev hash does not match preceding entry"}
		}
		if e.Hash != hashEntry(e) {
			return &TamperedError{Seq: e.Seq, Reason: "entry hash does not match contents"}
		}
		prevHash = e.Hash
		wantSeq++
		return nil
	})
	if err == errStopScan {
		return nil
	}
	return err
}

var errStopScan = fmt.Errorf("stop scan")

// Filter selects audit entries. Zero-valued fields match everything.
type Filter struct {
	Actor string
	Type  EventType
	From  time.Time // inclusive
	To    time.Time // exclusive
}

func (f Filter) matches(e *Entry) bool {
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if !f.From.IsZero() && e.Time.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.Time.Before(f.To) {
		return false
	}
	return true
}

// Query returns matching entries in seq order, applying offset then limit.
// A limit of zero means no limit.
func (l *Log) Query(ctx context.Context, f Filter, limit, offset int) ([]*Entry, error) {
	var out []*Entry
	skipped := 0
	err := l.storage.Scan(ctx, 0, func(e *Entry) error {
		if !f.matches(e) {
			return nil
		}
		if skipped < offset {
			skipped++
			return nil
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			return errStopScan
		}
		return nil
	})
	if err != nil && err != errStopScan {
		return nil, err
	}
	return out, nil
}

// Close closes the underlying storage.
func (l *Log) Close() error {
	return l.storage.Close()
}
