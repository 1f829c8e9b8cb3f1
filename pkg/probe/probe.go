// Package probe computes the ordered list of domain suffixes that are checked
// against the rule store for a single query name.
//
// The order is not monotonic by specificity. Most blocklist entries target a
// two or three label base domain, so those depths are probed first:
//
//	depth 1: [1]
//	depth 2: [2 1]
//	depth 3: [3 2 1]
//	depth 4: [3 4 2 1]
//	depth 5: [3 4 2 5 1]
//	depth n: [3 4 2 5 1 6 7 ... n]
//
// Every suffix length from 1 to depth is emitted exactly once.
package probe

import (
	"iter"
	"strings"
)

// Probe is one candidate suffix of a query name.
type Probe struct {
	Length int    // Number of significant labels in the suffix
	Domain string // Dot-terminated suffix, e.g. "example.com."
}

// fixedOrders holds the probe order for depths 1 through 5, indexed by depth.
var fixedOrders = [...][]int{
	1: {1},
	2: {2, 1},
	3: {3, 2, 1},
	4: {3, 4, 2, 1},
	5: {3, 4, 2, 5, 1},
}

const maxFixedDepth = len(fixedOrders) - 1

// Order returns the suffix lengths to probe for a name with depth significant
// labels. It returns nil for depth < 1.
func Order(depth int) []int {
	if depth < 1 {
		return nil
	}
	if depth <= maxFixedDepth {
		return append([]int(nil), fixedOrders[depth]...)
	}
	order := make([]int, 0, depth)
	order = append(order, fixedOrders[maxFixedDepth]...)
	for i := maxFixedDepth + 1; i <= depth; i++ {
		order = append(order, i)
	}
	return order
}

// Labels splits a fully-qualified name into its labels, keeping the empty
// label produced by the trailing dot.
func Labels(name string) []string {
	if !strings.HasSuffix(name, ".") {
		name += "."
	}
	return strings.Split(name, ".")
}

// Depth returns the number of significant labels in name.
func Depth(name string) int {
	return len(Labels(name)) - 1
}

// Suffix returns the dot-terminated suffix made of the last length significant
// labels of labels.
func Suffix(labels []string, length int) string {
	count := len(labels)
	return strings.Join(labels[count-1-length:count-1], ".") + "."
}

// Candidates yields the probes for name in priority order. Iteration stops as
// soon as the consumer returns.
func Candidates(name string) iter.Seq[Probe] {
	labels := Labels(name)
	order := Order(len(labels) - 1)
	return func(yield func(Probe) bool) {
		for _, length := range order {
			if !yield(Probe{Length: length, Domain: Suffix(labels, length)}) {
				return
			}
		}
	}
}

// All returns every probe for name in priority order.
func All(name string) []Probe {
	probes := make([]Probe, 0, Depth(name))
	for p := range Candidates(name) {
		probes = append(probes, p)
	}
	return probes
}
