// Package bounds rejects oversized or resource-hostile submissions at
// ingress, before any plugin work is scheduled. A first offense per
// peer per window is dropped without penalty; repeats are slashable.
package bounds

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Limits caps a single submission's declared and materialized cost.
type Limits struct {
	MaxParamBytes      int
	MaxTrainingSeconds float64
	MaxMemoryMB        float64
}

// DefaultLimits mirrors the network defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxParamBytes:      4 << 20, // 4 MiB
		MaxTrainingSeconds: 3600,
		MaxMemoryMB:        8192,
	}
}

// DomainBounds constrains numeric dimensions per domain, keyed by
// dimension name.
type DomainBounds map[string][2]float64

// DeclaredBudget is the cost an optimizer declares at commit time.
type DeclaredBudget struct {
	TrainingSeconds float64            `json:"training_seconds"`
	MemoryMB        float64            `json:"memory_mb"`
	Dimensions      map[string]float64 `json:"dimensions,omitempty"`
}

// Verdict reports a bounds check outcome.
type Verdict struct {
	OK        bool
	Reason    string
	Slashable bool // false on first offense per peer per window
}

// Validator enforces submission bounds and tracks per-peer offenses.
type Validator struct {
	mu sync.Mutex

	limits       Limits
	domainBounds map[string]DomainBounds

	offenseWindow time.Duration
	offenses      map[string][]time.Time
	now           func() time.Time
}

// NewValidator creates a bounds validator.
func NewValidator(limits Limits, offenseWindow time.Duration) *Validator {
	if offenseWindow <= 0 {
		offenseWindow = time.Hour
	}
	return &Validator{
		limits:        limits,
		domainBounds:  make(map[string]DomainBounds),
		offenseWindow: offenseWindow,
		offenses:      make(map[string][]time.Time),
		now:           time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (v *Validator) SetClock(now func() time.Time) {
	v.now = now
}

// RegisterDomainBounds installs per-domain dimension bounds.
func (v *Validator) RegisterDomainBounds(domainID string, b DomainBounds) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.domainBounds[domainID] = b
}

// CheckCommit validates the declared budgets at commit time.
func (v *Validator) CheckCommit(peerID, domainID string, budget DeclaredBudget) Verdict {
	if budget.TrainingSeconds > v.limits.MaxTrainingSeconds {
		return v.offend(peerID, fmt.Sprintf("declared training time %.0fs exceeds cap %.0fs",
			budget.TrainingSeconds, v.limits.MaxTrainingSeconds))
	}
	if budget.MemoryMB > v.limits.MaxMemoryMB {
		return v.offend(peerID, fmt.Sprintf("declared memory %.0fMB exceeds cap %.0fMB",
			budget.MemoryMB, v.limits.MaxMemoryMB))
	}
	if verdict, bad := v.checkDimensions(peerID, domainID, budget.Dimensions); bad {
		return verdict
	}
	return Verdict{OK: true}
}

// CheckReveal validates the materialized parameters at reveal time.
func (v *Validator) CheckReveal(peerID, domainID string, parameters []byte, dims map[string]float64) Verdict {
	if len(parameters) > v.limits.MaxParamBytes {
		return v.offend(peerID, fmt.Sprintf("parameter payload %d bytes exceeds cap %d",
			len(parameters), v.limits.MaxParamBytes))
	}
	if verdict, bad := v.checkDimensions(peerID, domainID, dims); bad {
		return verdict
	}
	return Verdict{OK: true}
}

func (v *Validator) checkDimensions(peerID, domainID string, dims map[string]float64) (Verdict, bool) {
	v.mu.Lock()
	bounds := v.domainBounds[domainID]
	v.mu.Unlock()

	for name, value := range dims {
		if b, ok := bounds[name]; ok && (value < b[0] || value > b[1]) {
			return v.offend(peerID, fmt.Sprintf("dimension %q = %g outside bounds [%g, %g]",
				name, value, b[0], b[1])), true
		}
	}
	return Verdict{}, false
}

// offend records the violation and decides whether it is slashable.
func (v *Validator) offend(peerID, reason string) Verdict {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	cutoff := now.Add(-v.offenseWindow)
	recent := v.offenses[peerID][:0]
	for _, t := range v.offenses[peerID] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	recent = append(recent, now)
	v.offenses[peerID] = recent

	slashable := len(recent) > 1
	if slashable {
		log.Warnf("Repeat bounds violation by %s: %s", peerID, reason)
	} else {
		log.Debugf("Bounds violation by %s (first in window): %s", peerID, reason)
	}
	return Verdict{OK: false, Reason: reason, Slashable: slashable}
}
