// ABOUTME: Weak interning table for string objects
// ABOUTME: Entries are pruned when their string dies and rewritten when it moves

package heap

import "sync"

// StringTable interns strings. The table does not keep its strings alive.
type StringTable struct {
	heap *Heap

	mu      sync.Mutex
	entries map[string]Value
}

func newStringTable(h *Heap) *StringTable {
	return &StringTable{heap: h, entries: make(map[string]Value)}
}

// Intern returns the canonical string object for s, allocating it in old
// space on first use
func (t *StringTable) Intern(s string) (Value, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.entries[s]; ok {
		return v, nil
	}
	obj, err := t.heap.NewString(OldSpace, s)
	if err != nil {
		return Nil, err
	}
	v := FromAddress(obj)
	t.entries[s] = v
	return v, nil
}

// Add interns an existing string object, replacing any entry with the same
// contents
func (t *StringTable) Add(obj Address) {
	s := t.heap.StringValue(obj)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[s] = FromAddress(obj)
}

// Lookup returns the interned object for s without allocating
func (t *StringTable) Lookup(s string) (Value, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.entries[s]
	return v, ok
}

// Len returns the number of interned strings
func (t *StringTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Prune drops every entry whose string is dead and returns how many went
func (t *StringTable) Prune(isDead func(obj Address) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for s, v := range t.entries {
		if isDead(v.Address()) {
			delete(t.entries, s)
			n++
		}
	}
	return n
}

// Update rewrites every entry through fn
func (t *StringTable) Update(fn func(v Value) Value) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for s, v := range t.entries {
		t.entries[s] = fn(v)
	}
}

// Each calls fn for each interned string
func (t *StringTable) Each(fn func(s string, v Value)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for s, v := range t.entries {
		fn(s, v)
	}
}
