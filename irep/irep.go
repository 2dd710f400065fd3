// Package irep parses the compiled bytecode container (the "RITE" format)
// that an external compiler produces into an in-memory IREP tree: a code
// array, a literal pool, an interned-symbol section, and nested child IREPs
// for methods, blocks and lambdas. This package only loads and (for testing
// and tooling) dumps IREP trees; it never executes them — that is the VM
// core's job.
//
// On any structural error the loader returns an error without partially
// installing anything: callers get either a fully-formed *Irep tree or
// nothing.
package irep

import (
	"encoding/binary"
	"fmt"
)

// Magic is the 4-byte container magic every bytecode blob must start with.
const Magic = "RITE"

// headerSize is the fixed byte length of the container header:
// magic(4) + version(4) + total size(4, big-endian) + endian marker(1) + 3
// reserved bytes.
const headerSize = 16

// PoolKind identifies the type of a literal pool entry.
type PoolKind uint8

const (
	PoolString PoolKind = iota
	PoolInt
	PoolFloat
)

func (k PoolKind) String() string {
	switch k {
	case PoolString:
		return "string"
	case PoolInt:
		return "int"
	case PoolFloat:
		return "float"
	default:
		return fmt.Sprintf("poolkind(%d)", uint8(k))
	}
}

// PoolEntry is one boxed literal in an Irep's constant pool.
type PoolEntry struct {
	Kind  PoolKind
	Str   string
	Int   int64
	Float float64
}

// Equal reports whether e and o represent the same literal, used by the
// round-trip structural-equality test (spec.md §8 property 4).
func (e PoolEntry) Equal(o PoolEntry) bool {
	if e.Kind != o.Kind {
		return false
	}
	switch e.Kind {
	case PoolString:
		return e.Str == o.Str
	case PoolInt:
		return e.Int == o.Int
	case PoolFloat:
		return e.Float == o.Float
	}
	return false
}

// Irep is one compiled unit: a method, block, or lambda body, plus its
// nested children. It is immutable once loaded.
type Irep struct {
	NLocals uint16
	NRegs   uint16
	Code    []uint32 // one 32-bit instruction word per element
	Pool    []PoolEntry
	Syms    []string // interned symbol names, referenced by ordinal elsewhere
	Reps    []*Irep  // child IREPs, owned by this Irep
}

// Config toggles loader behavior that in a systems-language build would be
// compile-time flags (spec.md §6).
type Config struct {
	// Align32 requires the ilen field of every IREP record to begin on a
	// 4-byte boundary relative to the start of that record, inserting
	// padding bytes as needed. Some 32-bit platforms trap on unaligned
	// multi-byte loads; others do not care. Off by default.
	Align32 bool
}

// DefaultConfig is the loader configuration used when callers do not need to
// override alignment behavior.
var DefaultConfig = Config{}

// FormatError reports a structural problem with a bytecode container. The
// loader never installs a partial Irep tree when it returns one.
type FormatError struct {
	Offset  int
	Message string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("irep: format error at offset %d: %s", e.Offset, e.Message)
}

type cursor struct {
	data []byte
	pos  int
}

func (c *cursor) remaining() int { return len(c.data) - c.pos }

func (c *cursor) fail(msg string) error {
	return &FormatError{Offset: c.pos, Message: msg}
}

func (c *cursor) need(n int) error {
	if c.remaining() < n {
		return c.fail(fmt.Sprintf("need %d bytes, have %d", n, c.remaining()))
	}
	return nil
}

func (c *cursor) u8() (byte, error) {
	if err := c.need(1); err != nil {
		return 0, err
	}
	v := c.data[c.pos]
	c.pos++
	return v, nil
}

func (c *cursor) u16() (uint16, error) {
	if err := c.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(c.data[c.pos:])
	c.pos += 2
	return v, nil
}

func (c *cursor) u32() (uint32, error) {
	if err := c.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(c.data[c.pos:])
	c.pos += 4
	return v, nil
}

func (c *cursor) bytes(n int) ([]byte, error) {
	if err := c.need(n); err != nil {
		return nil, err
	}
	v := c.data[c.pos : c.pos+n]
	c.pos += n
	return v, nil
}

func (c *cursor) alignTo4(recordStart int) error {
	off := c.pos - recordStart
	pad := (4 - off%4) % 4
	_, err := c.bytes(pad)
	return err
}

// Load parses a complete bytecode container and returns its top-level Irep.
// cfg controls alignment behavior; the zero Config matches DefaultConfig.
func Load(data []byte, cfg Config) (*Irep, error) {
	c := &cursor{data: data}

	magic, err := c.bytes(4)
	if err != nil {
		return nil, err
	}
	if string(magic) != Magic {
		return nil, c.fail(fmt.Sprintf("bad magic %q, want %q", magic, Magic))
	}
	if _, err := c.bytes(4); err != nil { // version, not interpreted here
		return nil, err
	}
	totalSize, err := c.u32()
	if err != nil {
		return nil, err
	}
	if int(totalSize) != len(data) {
		return nil, c.fail(fmt.Sprintf("header total size %d does not match container length %d", totalSize, len(data)))
	}
	endianMarker, err := c.u8()
	if err != nil {
		return nil, err
	}
	if endianMarker != 1 {
		return nil, c.fail(fmt.Sprintf("unsupported endian marker %d (only big-endian containers are supported)", endianMarker))
	}
	if _, err := c.bytes(3); err != nil { // reserved
		return nil, err
	}

	var root *Irep
	for {
		if c.remaining() == 0 {
			return nil, c.fail("container ended before an END section")
		}
		kind, err := c.bytes(4)
		if err != nil {
			return nil, err
		}
		length, err := c.u32()
		if err != nil {
			return nil, err
		}
		switch string(kind) {
		case "END ":
			return root, nil
		case "IREP":
			sectionStart := c.pos
			sectionEnd := c.pos + int(length)
			if sectionEnd > len(c.data) {
				return nil, c.fail("IREP section length exceeds container")
			}
			rep, err := parseIrep(c, cfg)
			if err != nil {
				return nil, err
			}
			if c.pos != sectionEnd {
				return nil, c.fail(fmt.Sprintf("IREP section declared %d bytes but consumed %d", length, c.pos-sectionStart))
			}
			root = rep
		case "DBG ", "LV  ":
			if _, err := c.bytes(int(length)); err != nil {
				return nil, err
			}
		default:
			return nil, c.fail(fmt.Sprintf("unknown section kind %q", kind))
		}
	}
}

// parseIrep parses one recursive IREP record (spec.md §4.6) starting at the
// cursor's current position.
func parseIrep(c *cursor, cfg Config) (*Irep, error) {
	recordStart := c.pos

	nlocals, err := c.u16()
	if err != nil {
		return nil, err
	}
	nregs, err := c.u16()
	if err != nil {
		return nil, err
	}
	rlen, err := c.u16()
	if err != nil {
		return nil, err
	}
	if cfg.Align32 {
		if err := c.alignTo4(recordStart); err != nil {
			return nil, err
		}
	}

	ilen, err := c.u32()
	if err != nil {
		return nil, err
	}
	codeBytes, err := c.bytes(int(ilen) * 4)
	if err != nil {
		return nil, c.fail(fmt.Sprintf("code array of %d instructions exceeds remaining container", ilen))
	}
	code := make([]uint32, ilen)
	for i := range code {
		code[i] = binary.BigEndian.Uint32(codeBytes[i*4:])
	}

	plen, err := c.u32()
	if err != nil {
		return nil, err
	}
	pool := make([]PoolEntry, plen)
	for i := range pool {
		entry, err := parsePoolEntry(c)
		if err != nil {
			return nil, err
		}
		pool[i] = entry
	}

	slen, err := c.u32()
	if err != nil {
		return nil, err
	}
	syms := make([]string, slen)
	for i := range syms {
		n, err := c.u16()
		if err != nil {
			return nil, err
		}
		raw, err := c.bytes(int(n))
		if err != nil {
			return nil, err
		}
		syms[i] = string(raw)
	}

	reps := make([]*Irep, rlen)
	for i := range reps {
		child, err := parseIrep(c, cfg)
		if err != nil {
			return nil, err
		}
		reps[i] = child
	}

	return &Irep{
		NLocals: nlocals,
		NRegs:   nregs,
		Code:    code,
		Pool:    pool,
		Syms:    syms,
		Reps:    reps,
	}, nil
}

func parsePoolEntry(c *cursor) (PoolEntry, error) {
	kindByte, err := c.u8()
	if err != nil {
		return PoolEntry{}, err
	}
	n, err := c.u16()
	if err != nil {
		return PoolEntry{}, err
	}
	raw, err := c.bytes(int(n))
	if err != nil {
		return PoolEntry{}, err
	}
	switch PoolKind(kindByte) {
	case PoolString:
		return PoolEntry{Kind: PoolString, Str: string(raw)}, nil
	case PoolInt:
		if len(raw) != 8 {
			return PoolEntry{}, c.fail(fmt.Sprintf("int pool entry has length %d, want 8", len(raw)))
		}
		return PoolEntry{Kind: PoolInt, Int: int64(binary.BigEndian.Uint64(raw))}, nil
	case PoolFloat:
		if len(raw) != 8 {
			return PoolEntry{}, c.fail(fmt.Sprintf("float pool entry has length %d, want 8", len(raw)))
		}
		bits := binary.BigEndian.Uint64(raw)
		return PoolEntry{Kind: PoolFloat, Float: float64FromBits(bits)}, nil
	default:
		return PoolEntry{}, c.fail(fmt.Sprintf("unknown pool entry kind %d", kindByte))
	}
}

// Equal reports whether two Irep trees are structurally identical: same
// code, pool, symbols and children, recursively. Used by the round-trip test
// (spec.md §8 property 4) instead of reflect.DeepEqual so that nil vs.
// zero-length slices compare equal.
func (r *Irep) Equal(o *Irep) bool {
	if r == nil || o == nil {
		return r == o
	}
	if r.NLocals != o.NLocals || r.NRegs != o.NRegs {
		return false
	}
	if len(r.Code) != len(o.Code) {
		return false
	}
	for i := range r.Code {
		if r.Code[i] != o.Code[i] {
			return false
		}
	}
	if len(r.Pool) != len(o.Pool) {
		return false
	}
	for i := range r.Pool {
		if !r.Pool[i].Equal(o.Pool[i]) {
			return false
		}
	}
	if len(r.Syms) != len(o.Syms) {
		return false
	}
	for i := range r.Syms {
		if r.Syms[i] != o.Syms[i] {
			return false
		}
	}
	if len(r.Reps) != len(o.Reps) {
		return false
	}
	for i := range r.Reps {
		if !r.Reps[i].Equal(o.Reps[i]) {
			return false
		}
	}
	return true
}
