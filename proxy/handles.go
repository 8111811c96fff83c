package proxy

// NamespaceHandle is the reserved index of the single namespace object
// exposing the bridge's named entry points to guest code.
const NamespaceHandle = 0

// HandleTable is the append-only sequence of host-side callables and
// objects reachable from guest code. Entries are never removed within
// one orchestrator lifetime; indices stay valid until the whole
// orchestrator is discarded.
type HandleTable struct {
	entries []any
}

// NewHandleTable returns a table whose index 0 holds the namespace
// object.
func NewHandleTable(namespace any) *HandleTable {
	return &HandleTable{entries: []any{namespace}}
}

// Add appends v and returns its handle.
func (t *HandleTable) Add(v any) uint32 {
	t.entries = append(t.entries, v)
	return uint32(len(t.entries) - 1)
}

// Get returns the entry for handle, or false if the handle was never
// issued.
func (t *HandleTable) Get(handle uint32) (any, bool) {
	if int(handle) >= len(t.entries) {
		return nil, false
	}
	return t.entries[handle], true
}

// Len returns the number of issued handles, including the namespace.
func (t *HandleTable) Len() int {
	return len(t.entries)
}
