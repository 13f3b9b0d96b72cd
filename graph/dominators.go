// ABOUTME: Lengauer-Tarjan dominators over the retaining edges of the live graph
// ABOUTME: Vertices are numbered by DFS from a super-root that points at every root

package graph

// Dominators computes the immediate dominator of each reachable object. The
// super-root (ID 0) dominates every root and has no dominator itself.
// Uses the Lengauer-Tarjan algorithm with path compression.
func Dominators(g Graph) map[ObjID]ObjID {
	adj := retainers(g, Reachable(g))

	// DFS numbering; vertex[0] is the super-root
	num := map[ObjID]int{0: 0}
	vertex := []ObjID{0}
	parent := []int{-1}
	type frame struct {
		v    ObjID
		next int
	}
	stack := []frame{{v: 0}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		succ := adj[top.v]
		if top.next == len(succ) {
			stack = stack[:len(stack)-1]
			continue
		}
		w := succ[top.next]
		top.next++
		if _, seen := num[w]; seen {
			continue
		}
		num[w] = len(vertex)
		vertex = append(vertex, w)
		parent = append(parent, num[top.v])
		stack = append(stack, frame{v: w})
	}

	n := len(vertex)
	preds := make([][]int, n)
	for v, succ := range adj {
		for _, w := range succ {
			preds[num[w]] = append(preds[num[w]], num[v])
		}
	}

	semi := make([]int, n)
	label := make([]int, n)
	ancestor := make([]int, n)
	idom := make([]int, n)
	bucket := make([][]int, n)
	for i := range semi {
		semi[i] = i
		label[i] = i
		ancestor[i] = -1
	}

	var compress func(v int)
	compress = func(v int) {
		a := ancestor[v]
		if ancestor[a] == -1 {
			return
		}
		compress(a)
		if semi[label[a]] < semi[label[v]] {
			label[v] = label[a]
		}
		ancestor[v] = ancestor[a]
	}
	eval := func(v int) int {
		if ancestor[v] == -1 {
			return v
		}
		compress(v)
		return label[v]
	}

	for w := n - 1; w > 0; w-- {
		for _, v := range preds[w] {
			if u := eval(v); semi[u] < semi[w] {
				semi[w] = semi[u]
			}
		}
		bucket[semi[w]] = append(bucket[semi[w]], w)
		p := parent[w]
		ancestor[w] = p
		for _, v := range bucket[p] {
			if u := eval(v); semi[u] < semi[v] {
				idom[v] = u
			} else {
				idom[v] = p
			}
		}
		bucket[p] = nil
	}
	result := make(map[ObjID]ObjID, n-1)
	for w := 1; w < n; w++ {
		if idom[w] != semi[w] {
			idom[w] = idom[idom[w]]
		}
		result[vertex[w]] = vertex[idom[w]]
	}
	return result
}

// DominatorTree builds a tree structure from immediate dominators.
// Returns a map from each node to its list of immediately dominated nodes.
func DominatorTree(idom map[ObjID]ObjID) map[ObjID][]ObjID {
	tree := map[ObjID][]ObjID{0: {}}
	for node := range idom {
		if _, ok := tree[node]; !ok {
			tree[node] = []ObjID{}
		}
	}
	for node, dom := range idom {
		tree[dom] = append(tree[dom], node)
	}
	for _, children := range tree {
		sortIDs(children)
	}
	return tree
}
