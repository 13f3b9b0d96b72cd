// ABOUTME: Reachability over strong, weak and ephemeron references
// ABOUTME: The liveness model a tracing collector must agree with

package graph

// Reachable returns the objects kept alive by the roots. Weak references are
// never followed. An ephemeron reference is followed once both its holder and
// its key are reachable, so a key reachable only through its own value stays
// dead.
func Reachable(g Graph) map[ObjID]bool {
	live := make(map[ObjID]bool)
	// pending maps a white key to the ephemeron targets waiting for it
	pending := make(map[ObjID][]ObjID)
	var stack []ObjID
	mark := func(id ObjID) {
		if live[id] || g.GetObject(id) == nil {
			return
		}
		live[id] = true
		stack = append(stack, id)
	}
	for _, id := range g.GetRoots().IDs {
		mark(id)
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, target := range pending[id] {
			mark(target)
		}
		delete(pending, id)
		for _, r := range g.GetObject(id).Refs {
			switch r.Kind {
			case RefStrong:
				mark(r.Target)
			case RefEphemeron:
				if live[r.Key] {
					mark(r.Target)
				} else {
					pending[r.Key] = append(pending[r.Key], r.Target)
				}
			}
		}
	}
	return live
}

// retainers returns the retaining edges between live objects, including the
// super-root's edges to the roots. A live ephemeron target is retained by
// both the holder and the key.
func retainers(g Graph, live map[ObjID]bool) map[ObjID][]ObjID {
	adj := make(map[ObjID][]ObjID)
	for _, id := range g.GetRoots().IDs {
		if live[id] {
			adj[0] = append(adj[0], id)
		}
	}
	g.ForEachObject(func(obj *Object) {
		if !live[obj.ID] {
			return
		}
		for _, r := range obj.Refs {
			if !live[r.Target] {
				continue
			}
			switch r.Kind {
			case RefStrong:
				adj[obj.ID] = append(adj[obj.ID], r.Target)
			case RefEphemeron:
				if live[r.Key] {
					adj[obj.ID] = append(adj[obj.ID], r.Target)
					adj[r.Key] = append(adj[r.Key], r.Target)
				}
			}
		}
	})
	return adj
}
