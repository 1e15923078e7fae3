// Package failure tracks classified failures across a session so repeated
// failure modes can force a reflection cycle.
package failure

import (
	"sync"
	"time"

	"loom/internal/errs"
	"loom/internal/logging"
)

// StrikeThreshold is the per-kind count at which a session must pause and
// re-read its plan before continuing.
const StrikeThreshold = 3

// Record is one observed failure.
type Record struct {
	Kind   errs.Kind
	Detail string
	At     time.Time
}

// Observer keeps per-kind counters and a rolling failure history for one
// session.
type Observer struct {
	mu      sync.Mutex
	counts  map[errs.Kind]int
	history []Record
	limit   int
	logger  logging.Logger
	clock   func() time.Time
}

// NewObserver returns an observer retaining the last historyLimit records.
func NewObserver(historyLimit int, logger logging.Logger) *Observer {
	if historyLimit <= 0 {
		historyLimit = 50
	}
	return &Observer{
		counts: make(map[errs.Kind]int),
		limit:  historyLimit,
		logger: logging.OrNop(logger),
		clock:  time.Now,
	}
}

// Record registers a failure of the given kind.
func (o *Observer) Record(kind errs.Kind, detail string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.counts[kind]++
	o.history = append(o.history, Record{Kind: kind, Detail: detail, At: o.clock()})
	if len(o.history) > o.limit {
		o.history = o.history[len(o.history)-o.limit:]
	}
	o.logger.Debug("failure observed: kind=%s count=%d detail=%s", kind, o.counts[kind], detail)
}

// RecordError classifies err and registers it. No-op for nil.
func (o *Observer) RecordError(err error) {
	if err == nil {
		return
	}
	o.Record(errs.KindOf(err), err.Error())
}

// Count returns how many failures of kind have been observed.
func (o *Observer) Count(kind errs.Kind) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counts[kind]
}

// Recent returns up to n most recent records, newest last.
func (o *Observer) Recent(n int) []Record {
	o.mu.Lock()
	defer o.mu.Unlock()
	if n <= 0 || n > len(o.history) {
		n = len(o.history)
	}
	out := make([]Record, n)
	copy(out, o.history[len(o.history)-n:])
	return out
}

// ShouldStrike reports whether kind has hit the strike threshold exactly.
// It fires once per threshold crossing so the orchestrator reflects once,
// not on every subsequent failure.
func (o *Observer) ShouldStrike(kind errs.Kind) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counts[kind] == StrikeThreshold
}

// Reset clears the counter for one kind after a reflection cycle handled it.
func (o *Observer) Reset(kind errs.Kind) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.counts, kind)
}

// Snapshot returns a copy of all counters.
func (o *Observer) Snapshot() map[errs.Kind]int {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[errs.Kind]int, len(o.counts))
	for k, v := range o.counts {
		out[k] = v
	}
	return out
}
