// ABOUTME: Calculates retained memory sizes using dominator tree analysis
// ABOUTME: An object retains itself plus everything it dominates

package graph

// RetainedSize computes the retained size for each reachable object in the
// graph: the bytes that become garbage if the object is removed.
func RetainedSize(g Graph) map[ObjID]uint64 {
	retained := retainedSizes(g)
	delete(retained, 0)
	return retained
}

// RetainedSizeSubsets computes retained sizes for a specific subset of objects.
// Unreachable or unknown objects are omitted.
func RetainedSizeSubsets(g Graph, targetIDs []ObjID) map[ObjID]uint64 {
	result := make(map[ObjID]uint64)
	if len(targetIDs) == 0 {
		return result
	}
	retained := retainedSizes(g)
	for _, id := range targetIDs {
		if size, ok := retained[id]; ok && id != 0 {
			result[id] = size
		}
	}
	return result
}

// retainedSizes sums sizes bottom-up over the dominator tree, including the
// super-root.
func retainedSizes(g Graph) map[ObjID]uint64 {
	tree := DominatorTree(Dominators(g))

	// preorder, then accumulate in reverse so children finish first
	order := make([]ObjID, 0, len(tree))
	stack := []ObjID{0}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		order = append(order, node)
		stack = append(stack, tree[node]...)
	}

	retained := make(map[ObjID]uint64, len(order))
	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		var size uint64
		if obj := g.GetObject(node); obj != nil && node != 0 {
			size = obj.Size
		}
		for _, child := range tree[node] {
			size += retained[child]
		}
		retained[node] = size
	}
	return retained
}
