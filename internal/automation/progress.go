package automation

import (
	"fmt"
	"math"
	"sync"
	"time"

	"autoreach/internal/model"
)

// EstimateRemaining extrapolates the time left from the items completed so
// far. ok is false before the first item completes.
func EstimateRemaining(completed, total int, elapsed time.Duration) (time.Duration, bool) {
	if completed <= 0 {
		return 0, false
	}
	left := total - completed
	if left < 0 {
		left = 0
	}
	return time.Duration(float64(elapsed) / float64(completed) * float64(left)), true
}

// FormatETA renders a remaining duration as "Ns", "Nm" or "Hh Mm", rounding
// seconds and minutes up.
func FormatETA(d time.Duration, ok bool) string {
	if !ok {
		return "--"
	}
	ms := float64(d.Milliseconds())
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int64(math.Ceil(ms/1000)))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int64(math.Ceil(ms/60000)))
	default:
		h := int64(ms / 3600000)
		m := int64(math.Ceil(math.Mod(ms, 3600000) / 60000))
		return fmt.Sprintf("%dh %dm", h, m)
	}
}

// aggregator owns the live ResultSet of the current run. The loop is the
// only writer; state queries read snapshots.
type aggregator struct {
	mu      sync.RWMutex
	results model.ResultSet
	sent    map[string]struct{}
}

func newAggregator() *aggregator {
	a := &aggregator{}
	a.reset()
	return a
}

func (a *aggregator) reset() {
	a.mu.Lock()
	a.results = model.ResultSet{
		Success: []model.SuccessRecord{},
		Failed:  []model.OutcomeRecord{},
		Skipped: []model.OutcomeRecord{},
	}
	a.sent = map[string]struct{}{}
	a.mu.Unlock()
}

func (a *aggregator) success(r model.Recipient, message string, at time.Time) {
	a.mu.Lock()
	a.results.Success = append(a.results.Success, model.SuccessRecord{Subject: r, Message: message, Timestamp: at})
	a.sent[r.Key()] = struct{}{}
	a.mu.Unlock()
}

func (a *aggregator) fail(r model.Recipient, reason string) {
	a.mu.Lock()
	a.results.Failed = append(a.results.Failed, model.OutcomeRecord{Subject: r, Reason: reason})
	a.mu.Unlock()
}

func (a *aggregator) skip(r model.Recipient, reason string) {
	a.mu.Lock()
	a.results.Skipped = append(a.results.Skipped, model.OutcomeRecord{Subject: r, Reason: reason})
	a.mu.Unlock()
}

// succeeded reports whether r already has a success record in this run.
func (a *aggregator) succeeded(r model.Recipient) bool {
	a.mu.RLock()
	_, ok := a.sent[r.Key()]
	a.mu.RUnlock()
	return ok
}

func (a *aggregator) counts() model.Counts {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.results.Counts()
}

func (a *aggregator) snapshot() model.ResultSet {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.results.Clone()
}
