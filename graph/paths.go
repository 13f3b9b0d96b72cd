// ABOUTME: BFS algorithm for finding retaining paths from objects to GC roots
// ABOUTME: Returns the K shortest cycle-free paths, shortest first

package graph

// Path represents a path from an object to a root
type Path struct {
	IDs []ObjID // Sequence of object IDs from target to root
}

// PathsToRoots finds up to maxPaths retaining paths from an object to GC
// roots. Only references that keep their target alive are followed.
func PathsToRoots(g Graph, from ObjID, maxPaths int) []Path {
	if maxPaths <= 0 {
		return nil
	}
	reverse := BuildReverseEdges(g)
	rootSet := make(map[ObjID]bool)
	for _, id := range g.GetRoots().IDs {
		rootSet[id] = true
	}
	if rootSet[from] {
		return []Path{{IDs: []ObjID{from}}}
	}

	type searchNode struct {
		id   ObjID
		path []ObjID
	}
	var result []Path
	queue := []searchNode{{id: from, path: []ObjID{from}}}
	for len(queue) > 0 && len(result) < maxPaths {
		node := queue[0]
		queue = queue[1:]
		for _, referrer := range reverse[node.id] {
			if contains(node.path, referrer) {
				continue
			}
			path := make([]ObjID, len(node.path)+1)
			copy(path, node.path)
			path[len(node.path)] = referrer
			if rootSet[referrer] {
				result = append(result, Path{IDs: path})
				if len(result) >= maxPaths {
					break
				}
				continue
			}
			queue = append(queue, searchNode{id: referrer, path: path})
		}
	}
	return result
}

func contains(ids []ObjID, id ObjID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
