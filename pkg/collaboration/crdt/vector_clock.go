// Package crdt provides the causal-ordering primitives used by the
// collaboration engine.
package crdt

// NodeID identifies a participant (user/session/node triple collapsed to a
// stable key) in the collaboration session.
type NodeID string

// VectorClock tracks logical time per participant. Clocks are never mutated
// after being attached to a version; each edit produces a new clock.
type VectorClock map[NodeID]uint64

// ClockComparison represents the result of comparing two vector clocks.
type ClockComparison int

const (
	ClockEqual      ClockComparison = 0
	ClockBefore     ClockComparison = -1
	ClockAfter      ClockComparison = 1
	ClockConcurrent ClockComparison = 2
)

// NewVectorClock creates a new empty vector clock.
func NewVectorClock() VectorClock {
	return make(VectorClock)
}

// Increment advances the clock for the given node.
func (vc VectorClock) Increment(nodeID NodeID) {
	vc[nodeID]++
}

// Clone creates an independent copy of the clock.
func (vc VectorClock) Clone() VectorClock {
	clone := make(VectorClock, len(vc))
	for k, v := range vc {
		clone[k] = v
	}
	return clone
}

// Update takes the component-wise maximum of vc and other into vc.
func (vc VectorClock) Update(other VectorClock) {
	for k, v := range other {
		if vc[k] < v {
			vc[k] = v
		}
	}
}

// Merge returns a new clock that is the component-wise maximum of a and b.
// Used when constructing the clock for a merged version.
func Merge(a, b VectorClock) VectorClock {
	merged := a.Clone()
	merged.Update(b)
	return merged
}

// HappensBefore reports whether vc causally precedes other. Missing keys
// default to zero on either side.
func (vc VectorClock) HappensBefore(other VectorClock) bool {
	hasSmaller := false
	for _, k := range unionKeys(vc, other) {
		a, b := vc[k], other[k]
		if a > b {
			return false
		}
		if a < b {
			hasSmaller = true
		}
	}
	return hasSmaller
}

// Concurrent reports whether neither clock dominates the other. Equal
// clocks are not concurrent.
func (vc VectorClock) Concurrent(other VectorClock) bool {
	return Compare(vc, other) == ClockConcurrent
}

// Equal reports component-wise equality over the union of keys.
func (vc VectorClock) Equal(other VectorClock) bool {
	for _, k := range unionKeys(vc, other) {
		if vc[k] != other[k] {
			return false
		}
	}
	return true
}

// Compare performs a component-wise comparison over the union of keys
// present in either clock. Two clocks are concurrent iff each dominates the
// other on at least one key.
func Compare(a, b VectorClock) ClockComparison {
	aAhead, bAhead := false, false
	for _, k := range unionKeys(a, b) {
		av, bv := a[k], b[k]
		switch {
		case av > bv:
			aAhead = true
		case av < bv:
			bAhead = true
		}
	}
	switch {
	case aAhead && bAhead:
		return ClockConcurrent
	case aAhead:
		return ClockAfter
	case bAhead:
		return ClockBefore
	default:
		return ClockEqual
	}
}

func unionKeys(a, b VectorClock) []NodeID {
	keys := make([]NodeID, 0, len(a)+len(b))
	seen := make(map[NodeID]struct{}, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
		seen[k] = struct{}{}
	}
	for k := range b {
		if _, ok := seen[k]; !ok {
			keys = append(keys, k)
		}
	}
	return keys
}
