// ABOUTME: Queries over the dominator tree
// ABOUTME: Depth, dominator chains and dominance checks

package graph

// DominatorDepth computes the depth of each node in the dominator tree.
// Returns a map from node ID to its depth (super-root has depth 0).
func DominatorDepth(tree map[ObjID][]ObjID) map[ObjID]int {
	depth := map[ObjID]int{0: 0}
	queue := []ObjID{0}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, child := range tree[node] {
			depth[child] = depth[node] + 1
			queue = append(queue, child)
		}
	}
	return depth
}

// DominatorPath returns the chain of dominators from node up to the
// super-root. The path includes the node itself and ends with 0. Unreachable
// nodes yield nil.
func DominatorPath(idom map[ObjID]ObjID, node ObjID) []ObjID {
	if node == 0 {
		return []ObjID{0}
	}
	if _, ok := idom[node]; !ok {
		return nil
	}
	path := []ObjID{node}
	for current := node; current != 0; {
		current = idom[current]
		path = append(path, current)
	}
	return path
}

// IsDominated reports whether every retaining path from the roots to node
// passes through dominator. A node dominates itself.
func IsDominated(idom map[ObjID]ObjID, node, dominator ObjID) bool {
	if node == dominator {
		return true
	}
	if _, ok := idom[node]; !ok {
		return false
	}
	for current := node; current != 0; {
		current = idom[current]
		if current == dominator {
			return true
		}
	}
	return false
}
