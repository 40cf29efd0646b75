package bufferpool

import (
	"fmt"
	"strings"
)

// Replacer picks eviction victims among frame indices [0, capacity).
// A frame is a candidate only after RecordAccess and SetEvictable(true).
// Evict forgets the victim; it must be recorded again once rebound.
type Replacer interface {
	RecordAccess(frameID int)
	SetEvictable(frameID int, evictable bool)
	Evict() (frameID int, ok bool)
	Remove(frameID int)
	Size() int
}

// Policy names a Replacer implementation.
type Policy string

const (
	PolicyClock Policy = "clock"
	PolicyLRU   Policy = "lru"
	PolicyLRUK  Policy = "lru-k"

	DefaultLRUK = 2
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "", PolicyClock:
		return PolicyClock, nil
	case PolicyLRU, PolicyLRUK:
		return p, nil
	case "lruk":
		return PolicyLRUK, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
}

// NewReplacer builds the replacer for policy. k is only used by lru-k.
func NewReplacer(policy Policy, capacity, k int) (Replacer, error) {
	switch policy {
	case "", PolicyClock:
		return newClockAdapter(capacity), nil
	case PolicyLRU:
		return newLRUReplacer(capacity)
	case PolicyLRUK:
		if k <= 0 {
			k = DefaultLRUK
		}
		return newLRUKReplacer(capacity, k), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, policy)
	}
}
