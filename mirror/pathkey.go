package mirror

// pathHash is the order-sensitive rolling hash shared by owned and borrowed
// path keys: h = h*128 + b over the UTF-8 bytes.
func pathHash[T ~string | ~[]byte](s T) uint64 {
	var h uint64
	for i := 0; i < len(s); i++ {
		h = h<<7 + uint64(s[i])
	}
	return h
}

// NameKey is an owned path component used as a stored map key.
type NameKey struct {
	name string
	hash uint64
}

// NewNameKey takes ownership of name and precomputes its hash.
func NewNameKey(name string) NameKey {
	return NameKey{name: name, hash: pathHash(name)}
}

func (k NameKey) String() string { return k.name }

// PathView is a borrowed, non-owning view of path component bytes.
// It is only valid while the underlying buffer is unchanged.
type PathView struct {
	b    []byte
	hash uint64
}

// ViewOf wraps b without copying it.
func ViewOf(b []byte) PathView {
	return PathView{b: b, hash: pathHash(b)}
}

func (v PathView) matches(k NameKey) bool {
	return v.hash == k.hash && k.name == string(v.b)
}

type entrySlot struct {
	key NameKey
	rec EntryRecord
}

// EntryMap maps the names inside one directory to their snapshot records.
// Lookups and removals take a PathView so that the hot path of a traversal
// never allocates.
type EntryMap struct {
	buckets map[uint64][]entrySlot
	n       int
}

// NewEntryMap creates an empty map sized for n entries.
func NewEntryMap(n int) *EntryMap {
	return &EntryMap{buckets: make(map[uint64][]entrySlot, n)}
}

// Put inserts or replaces the record stored under k.
func (m *EntryMap) Put(k NameKey, rec EntryRecord) {
	slots := m.buckets[k.hash]
	for i := range slots {
		if slots[i].key.name == k.name {
			slots[i].rec = rec
			return
		}
	}
	m.buckets[k.hash] = append(slots, entrySlot{key: k, rec: rec})
	m.n++
}

// Lookup returns the record stored under the name v refers to.
func (m *EntryMap) Lookup(v PathView) (EntryRecord, bool) {
	for _, s := range m.buckets[v.hash] {
		if v.matches(s.key) {
			return s.rec, true
		}
	}
	return EntryRecord{}, false
}

// Remove deletes the name v refers to and reports whether it was present.
func (m *EntryMap) Remove(v PathView) bool {
	slots := m.buckets[v.hash]
	for i := range slots {
		if !v.matches(slots[i].key) {
			continue
		}
		last := len(slots) - 1
		slots[i] = slots[last]
		slots[last] = entrySlot{}
		if last == 0 {
			delete(m.buckets, v.hash)
		} else {
			m.buckets[v.hash] = slots[:last]
		}
		m.n--
		return true
	}
	return false
}

// Len returns the number of names in the map.
func (m *EntryMap) Len() int {
	return m.n
}

// Each calls fn for every remaining entry, in no particular order.
// fn must not modify the map.
func (m *EntryMap) Each(fn func(name string, rec EntryRecord) error) error {
	for _, slots := range m.buckets {
		for _, s := range slots {
			if err := fn(s.key.name, s.rec); err != nil {
				return err
			}
		}
	}
	return nil
}
