package types

import "fmt"

// Common resource names. Arbitrary custom names are allowed; these are the
// ones every node reports by default.
const (
	ResourceCPU    = "cpu"
	ResourceGPU    = "gpu"
	ResourceMemory = "memory"
)

// ResourceMap maps a resource name to a quantity. Quantities are fractional
// so a task may reserve, e.g., half a CPU.
type ResourceMap map[string]float64

// Clone returns an independent copy.
func (r ResourceMap) Clone() ResourceMap {
	if r == nil {
		return nil
	}
	out := make(ResourceMap, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Satisfies reports whether r has at least the quantities demanded.
func (r ResourceMap) Satisfies(demand ResourceMap) bool {
	for name, want := range demand {
		if want <= 0 {
			continue
		}
		if r[name] < want {
			return false
		}
	}
	return true
}

// Sub subtracts demand from r in place. Callers must check Satisfies first;
// quantities never go negative.
func (r ResourceMap) Sub(demand ResourceMap) {
	for name, want := range demand {
		r[name] -= want
		if r[name] < 0 {
			r[name] = 0
		}
	}
}

// Add returns the quantities in demand back to r in place.
func (r ResourceMap) Add(demand ResourceMap) {
	for name, want := range demand {
		r[name] += want
	}
}

// Validate rejects negative quantities.
func (r ResourceMap) Validate() error {
	for name, v := range r {
		if v < 0 {
			return fmt.Errorf("resource %q has negative quantity %v", name, v)
		}
	}
	return nil
}
