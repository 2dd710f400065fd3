package rt

import "bytes"

// header is embedded by every refcounted heap type. Containers are backed by
// ordinary Go slices/maps rather than pool-allocated byte ranges: the pool
// package models the arena a VM's register file and call stack are charged
// against (see pushFrame/popFrame in vm.go), while container payloads are
// short-lived Go-GC'd values sized in the tens of elements on these
// workloads. Wiring every push/insert through pool.Pool would trade a
// working, idiomatic container for a much larger unsafe-byte-layout exercise
// that the spec does not ask this layer to do.
type header struct {
	refs int32
}

func (h *header) retain()      { h.refs++ }
func (h *header) release() int32 { h.refs--; return h.refs }

// Str is the refcounted, immutable byte-string container.
type Str struct {
	header
	b []byte
}

func NewStr(s string) *Str { return &Str{header: header{refs: 1}, b: []byte(s)} }

func (s *Str) String() string { return string(s.b) }
func (s *Str) Len() int       { return len(s.b) }
func (s *Str) Equal(o *Str) bool {
	if s == o {
		return true
	}
	if len(s.b) != len(o.b) {
		return false
	}
	for i := range s.b {
		if s.b[i] != o.b[i] {
			return false
		}
	}
	return true
}
// Cmp total-orders s against o by byte value (spec.md §4.3, §3), the
// comparison compareOp uses for LT/LE/GT/GE on string operands.
func (s *Str) Cmp(o *Str) int { return bytes.Compare(s.b, o.b) }

func (s *Str) Concat(o *Str) *Str {
	buf := make([]byte, 0, len(s.b)+len(o.b))
	buf = append(buf, s.b...)
	buf = append(buf, o.b...)
	return NewStr(string(buf))
}
func (s *Str) destroy() { s.b = nil }

// Array is the refcounted, mutable, growable array container. Elements are
// retained on insert and released when overwritten or on Array destruction;
// Pop hands the array's reference to the caller instead of releasing it.
// This keeps the elements' own refcounts accurate independent of the
// array's.
type Array struct {
	header
	elems []Value
}

func NewArray(cap int) *Array {
	return &Array{header: header{refs: 1}, elems: make([]Value, 0, cap)}
}

func (a *Array) Len() int { return len(a.elems) }

func (a *Array) Get(i int) Value {
	if i < 0 || i >= len(a.elems) {
		return Nil()
	}
	return a.elems[i]
}

func (a *Array) Set(i int, v Value) {
	if i < 0 {
		return
	}
	for i >= len(a.elems) {
		a.elems = append(a.elems, Nil())
	}
	Release(a.elems[i])
	a.elems[i] = Dup(v)
}

func (a *Array) Push(v Value) {
	a.elems = append(a.elems, Dup(v))
}

func (a *Array) Pop() Value {
	if len(a.elems) == 0 {
		return Nil()
	}
	v := a.elems[len(a.elems)-1]
	a.elems = a.elems[:len(a.elems)-1]
	return v // ownership transfers to the caller; do not Release here
}

// Equal compares two arrays elementwise (spec.md §4.3), recursing through
// Compare so nested containers and tagged scalars compare the same way EQ
// does at the top level.
func (a *Array) Equal(o *Array) bool {
	if a == o {
		return true
	}
	if len(a.elems) != len(o.elems) {
		return false
	}
	for i, v := range a.elems {
		if !Compare(v, o.elems[i]) {
			return false
		}
	}
	return true
}

func (a *Array) destroy() {
	for _, v := range a.elems {
		Release(v)
	}
	a.elems = nil
}

// Range is the refcounted, immutable (low, high, exclusive?) triple produced
// by the range literal opcode.
type Range struct {
	header
	Low, High Value
	Exclusive bool
}

func NewRange(low, high Value, exclusive bool) *Range {
	return &Range{header: header{refs: 1}, Low: Dup(low), High: Dup(high), Exclusive: exclusive}
}

// Equal compares two ranges by endpoint pair and exclusivity flag (spec.md
// §4.3).
func (r *Range) Equal(o *Range) bool {
	return r.Exclusive == o.Exclusive && Compare(r.Low, o.Low) && Compare(r.High, o.High)
}

func (r *Range) destroy() {
	Release(r.Low)
	Release(r.High)
}

// Hash is the refcounted, insertion-ordered key/value container. Keys are
// compared with Compare, not Go's == on interface{}, so e.g. symbol keys
// compare by id and string keys compare by content as the language expects.
type Hash struct {
	header
	keys []Value
	vals []Value
}

func NewHash() *Hash {
	return &Hash{header: header{refs: 1}}
}

func (h *Hash) Len() int { return len(h.keys) }

func (h *Hash) indexOf(key Value) int {
	for i, k := range h.keys {
		if Compare(k, key) {
			return i
		}
	}
	return -1
}

func (h *Hash) Get(key Value) (Value, bool) {
	if i := h.indexOf(key); i >= 0 {
		return h.vals[i], true
	}
	return Nil(), false
}

func (h *Hash) Set(key, val Value) {
	if i := h.indexOf(key); i >= 0 {
		Release(h.vals[i])
		h.vals[i] = Dup(val)
		return
	}
	h.keys = append(h.keys, Dup(key))
	h.vals = append(h.vals, Dup(val))
}

func (h *Hash) Delete(key Value) {
	i := h.indexOf(key)
	if i < 0 {
		return
	}
	Release(h.keys[i])
	Release(h.vals[i])
	h.keys = append(h.keys[:i], h.keys[i+1:]...)
	h.vals = append(h.vals[:i], h.vals[i+1:]...)
}

// Equal compares two hashes by key-set then values (spec.md §4.3): every key
// in h must appear in o with an equal value, and the two must have the same
// number of entries (so neither can hold an extra key the other lacks).
func (h *Hash) Equal(o *Hash) bool {
	if h == o {
		return true
	}
	if len(h.keys) != len(o.keys) {
		return false
	}
	for i, k := range h.keys {
		ov, ok := o.Get(k)
		if !ok || !Compare(h.vals[i], ov) {
			return false
		}
	}
	return true
}

func (h *Hash) destroy() {
	for i := range h.keys {
		Release(h.keys[i])
		Release(h.vals[i])
	}
	h.keys, h.vals = nil, nil
}
