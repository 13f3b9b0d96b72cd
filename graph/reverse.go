// ABOUTME: Builds reverse retaining edges for graph traversal
// ABOUTME: Maps live objects to the live objects that keep them alive

package graph

// ReverseEdges maps each object to the objects that retain it
type ReverseEdges map[ObjID][]ObjID

// BuildReverseEdges creates a map of reverse retaining edges between
// reachable objects. Weak references and ephemerons with dead keys are left
// out. Referrers are sorted by ID.
func BuildReverseEdges(g Graph) ReverseEdges {
	reverse := make(ReverseEdges)
	for from, targets := range retainers(g, Reachable(g)) {
		if from == 0 {
			continue
		}
		for _, to := range targets {
			reverse[to] = append(reverse[to], from)
		}
	}
	for _, refs := range reverse {
		sortIDs(refs)
	}
	return reverse
}
