package pl

// handleTable maps opaque identifiers visible to interpreted code onto the native
// resources they stand for. Scoped entries belong to the call that created them and
// are released when it returns.
type handleTable struct {
	next    uint32
	entries map[uint32]*handleEntry
}

type handleEntry struct {
	value  any
	scoped bool
}

func newHandleTable() *handleTable {
	return &handleTable{entries: make(map[uint32]*handleEntry)}
}

// put stores v and returns its handle.
func (t *handleTable) put(v any, scoped bool) uint32 {
	t.next++
	t.entries[t.next] = &handleEntry{value: v, scoped: scoped}
	return t.next
}

func (t *handleTable) get(id uint32) (any, bool) {
	e, ok := t.entries[id]
	if !ok {
		return nil, false
	}
	return e.value, true
}

func (t *handleTable) release(id uint32) {
	delete(t.entries, id)
}

// mark returns the position scoped releases start from.
func (t *handleTable) mark() uint32 {
	return t.next
}

// releaseScope drops every scoped entry created after mark and returns how many went.
func (t *handleTable) releaseScope(mark uint32, drop func(any)) int {
	n := 0
	for id, e := range t.entries {
		if id > mark && e.scoped {
			if drop != nil {
				drop(e.value)
			}
			delete(t.entries, id)
			n++
		}
	}
	return n
}

func (t *handleTable) len() int {
	return len(t.entries)
}
