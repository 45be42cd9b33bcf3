// Package tier defines the storage tiers of the quantum store and the
// placement and demotion policy that moves entries between them.
package tier

import (
	"fmt"
	"time"
)

// Tier is a storage bucket encoding expected access frequency. Each tier is
// backed by a distinct directory under the storage root.
type Tier string

const (
	Hot  Tier = "hot"
	Warm Tier = "warm"
	Cool Tier = "cool"
	Cold Tier = "cold"
)

// All returns the tiers from hottest to coldest.
func All() []Tier {
	return []Tier{Hot, Warm, Cool, Cold}
}

// Parse parses a tier name.
func Parse(s string) (Tier, error) {
	switch Tier(s) {
	case Hot, Warm, Cool, Cold:
		return Tier(s), nil
	default:
		return "", fmt.Errorf("unknown tier %q", s)
	}
}

// Valid reports whether t is one of the defined tiers.
func (t Tier) Valid() bool {
	switch t {
	case Hot, Warm, Cool, Cold:
		return true
	default:
		return false
	}
}

// Dir returns the directory name backing this tier.
func (t Tier) Dir() string {
	return string(t)
}

// Colder returns the next colder tier. Cold is terminal.
func (t Tier) Colder() (Tier, bool) {
	switch t {
	case Hot:
		return Warm, true
	case Warm:
		return Cool, true
	case Cool:
		return Cold, true
	default:
		return t, false
	}
}

// Demotion thresholds: an entry becomes eligible to move one tier colder
// when its time since last access exceeds the threshold of its current tier.
// Cold never demotes.
const (
	hotThreshold  = 7 * 24 * time.Hour
	warmThreshold = 30 * 24 * time.Hour
	coolThreshold = 90 * 24 * time.Hour
)

// DemotionThreshold returns the access-recency threshold for t. ok is false
// for Cold, which has no colder tier.
func (t Tier) DemotionThreshold() (time.Duration, bool) {
	switch t {
	case Hot:
		return hotThreshold, true
	case Warm:
		return warmThreshold, true
	case Cool:
		return coolThreshold, true
	default:
		return 0, false
	}
}

// ShouldDemote reports whether an entry in tier t, last accessed at
// lastAccess, is eligible to move one tier colder as of now. Eligibility is
// strict: the idle time must exceed the threshold.
func ShouldDemote(t Tier, lastAccess, now time.Time) bool {
	threshold, ok := t.DemotionThreshold()
	if !ok {
		return false
	}
	return now.Sub(lastAccess) > threshold
}

// Priority expresses how quickly a caller expects to need an entry again.
// It drives initial tier placement only; tiers move colder on their own.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ParsePriority parses a priority name.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return Priority(s), nil
	default:
		return "", fmt.Errorf("unknown priority %q", s)
	}
}

// Initial returns the tier a new entry starts in. Critical and high priority
// land hot, medium lands warm, low lands cold. An unset priority is treated
// as medium.
func Initial(p Priority) Tier {
	switch p {
	case PriorityCritical, PriorityHigh:
		return Hot
	case PriorityLow:
		return Cold
	default:
		return Warm
	}
}
