// Package rt is the VM core: the tagged Value union, refcounted built-in
// containers, the class/method registry, and the register-machine
// interpreter and scheduler that execute loaded IREP trees.
//
// Everything here is kept in one package, rather than split along the lines
// spec.md enumerates its components, because Value, Class and the container
// types are mutually referential (an Array holds Values, a Value can hold an
// Array, an Instance's ivars are Values that can name Classes) and Go has no
// forward-declared types to break that cycle across package boundaries.
package rt

import (
	"fmt"

	"github.com/hasumikin/co2-demo/symtab"
)

// Tag identifies the kind of value a Value holds.
type Tag uint8

const (
	TagEmpty Tag = iota
	TagNil
	TagFalse
	TagTrue
	TagFixnum
	TagFloat
	TagSymbol
	TagClass
	TagObject
	TagProc
	TagArray
	TagString
	TagRange
	TagHash
)

func (t Tag) String() string {
	switch t {
	case TagEmpty:
		return "empty"
	case TagNil:
		return "nil"
	case TagFalse:
		return "false"
	case TagTrue:
		return "true"
	case TagFixnum:
		return "fixnum"
	case TagFloat:
		return "float"
	case TagSymbol:
		return "symbol"
	case TagClass:
		return "class"
	case TagObject:
		return "object"
	case TagProc:
		return "proc"
	case TagArray:
		return "array"
	case TagString:
		return "string"
	case TagRange:
		return "range"
	case TagHash:
		return "hash"
	default:
		return fmt.Sprintf("tag(%d)", uint8(t))
	}
}

// Value is the VM's tagged union. The zero Value is TagEmpty: it is what a
// read of an unset global or constant yields. Fresh registers are filled
// with nil, not empty.
type Value struct {
	tag Tag
	n   int64   // fixnum payload, or the raw symtab.ID for TagSymbol
	f   float64 // float payload
	ptr any     // *Class, *Instance, *Proc, *Array, *Str, *Range or *Hash
}

// refCounted is implemented by every heap-allocated, refcounted value kind.
type refCounted interface {
	retain()
	release() int32
	destroy()
}

func Empty() Value   { return Value{tag: TagEmpty} }
func Nil() Value     { return Value{tag: TagNil} }
func False() Value   { return Value{tag: TagFalse} }
func True() Value    { return Value{tag: TagTrue} }
func Bool(b bool) Value {
	if b {
		return True()
	}
	return False()
}
func Int(n int64) Value     { return Value{tag: TagFixnum, n: wrapFixnum(n)} }
func Float(f float64) Value { return Value{tag: TagFloat, f: f} }
func SymbolVal(id symtab.ID) Value { return Value{tag: TagSymbol, n: int64(id)} }
func ClassVal(c *Class) Value      { return Value{tag: TagClass, ptr: c} }
func ObjectVal(o *Instance) Value  { return Value{tag: TagObject, ptr: o} }
func ProcVal(p *Proc) Value        { return Value{tag: TagProc, ptr: p} }
func ArrayVal(a *Array) Value      { return Value{tag: TagArray, ptr: a} }
func StringVal(s *Str) Value       { return Value{tag: TagString, ptr: s} }
func RangeVal(r *Range) Value      { return Value{tag: TagRange, ptr: r} }
func HashVal(h *Hash) Value        { return Value{tag: TagHash, ptr: h} }

func (v Value) Tag() Tag { return v.tag }

// Truthy implements the language's only falsy values: nil and false.
func (v Value) Truthy() bool { return v.tag != TagNil && v.tag != TagFalse }

func (v Value) IsNil() bool { return v.tag == TagNil }

func (v Value) Int() int64           { return v.n }
func (v Value) Float() float64       { return v.f }
func (v Value) Symbol() symtab.ID    { return symtab.ID(v.n) }
func (v Value) Class() *Class        { c, _ := v.ptr.(*Class); return c }
func (v Value) Object() *Instance    { o, _ := v.ptr.(*Instance); return o }
func (v Value) Proc() *Proc          { p, _ := v.ptr.(*Proc); return p }
func (v Value) Array() *Array        { a, _ := v.ptr.(*Array); return a }
func (v Value) Str() *Str            { s, _ := v.ptr.(*Str); return s }
func (v Value) Range() *Range        { r, _ := v.ptr.(*Range); return r }
func (v Value) Hash() *Hash          { h, _ := v.ptr.(*Hash); return h }

// wrapFixnum is the identity function on int64: FIXNUM arithmetic wraps at
// 64 bits, two's-complement, which is exactly what Go's native int64
// addition/subtraction/multiplication already does on overflow. It exists
// as a named call site (rather than storing n directly) so every place a
// FIXNUM value is constructed says explicitly that wraparound, not a
// trapped overflow, is the intended semantics.
func wrapFixnum(n int64) int64 { return n }

// Dup increments the refcount of v's heap payload, if it has one, and
// returns v unchanged. Every register write of a heap-tagged value must be
// paired with exactly one Dup and, eventually, one Release.
func Dup(v Value) Value {
	if rc, ok := v.ptr.(refCounted); ok {
		rc.retain()
	}
	return v
}

// Release decrements the refcount of v's heap payload, if it has one,
// destroying it once the count reaches zero.
func Release(v Value) {
	if rc, ok := v.ptr.(refCounted); ok {
		if rc.release() <= 0 {
			rc.destroy()
		}
	}
}

// Compare implements the language's == (spec.md §4.3): numeric types compare
// by value across FIXNUM/FLOAT, symbols and strings compare by content,
// Array/Hash/Range delegate to their own Equal (elementwise, key-set then
// values, endpoint pair plus exclusivity flag, respectively), and Object/
// Class/Proc compare by identity.
func Compare(a, b Value) bool {
	switch {
	case a.tag == TagFixnum && b.tag == TagFixnum:
		return a.n == b.n
	case a.tag == TagFloat && b.tag == TagFloat:
		return a.f == b.f
	case a.tag == TagFixnum && b.tag == TagFloat:
		return float64(a.n) == b.f
	case a.tag == TagFloat && b.tag == TagFixnum:
		return a.f == float64(b.n)
	case a.tag == TagSymbol && b.tag == TagSymbol:
		return a.n == b.n
	case a.tag == TagString && b.tag == TagString:
		return a.Str().Equal(b.Str())
	case a.tag == TagArray && b.tag == TagArray:
		return a.Array().Equal(b.Array())
	case a.tag == TagHash && b.tag == TagHash:
		return a.Hash().Equal(b.Hash())
	case a.tag == TagRange && b.tag == TagRange:
		return a.Range().Equal(b.Range())
	case a.tag != b.tag:
		return false
	}
	switch a.tag {
	case TagNil, TagTrue, TagFalse, TagEmpty:
		return true
	default:
		return a.ptr == b.ptr
	}
}

// arithError is returned by the numeric helpers below for operand
// combinations the VM must surface as a raised error rather than crash on
// (e.g. dividing by a non-numeric operand).
type arithError struct{ msg string }

func (e *arithError) Error() string { return e.msg }

func numericAdd(a, b Value) (Value, error) {
	if a.tag == TagFixnum && b.tag == TagFixnum {
		return Int(a.n + b.n), nil
	}
	x, y, ok := promote(a, b)
	if !ok {
		return Nil(), &arithError{"+ requires numeric operands"}
	}
	return Float(x + y), nil
}

func numericSub(a, b Value) (Value, error) {
	if a.tag == TagFixnum && b.tag == TagFixnum {
		return Int(a.n - b.n), nil
	}
	x, y, ok := promote(a, b)
	if !ok {
		return Nil(), &arithError{"- requires numeric operands"}
	}
	return Float(x - y), nil
}

func numericMul(a, b Value) (Value, error) {
	if a.tag == TagFixnum && b.tag == TagFixnum {
		return Int(a.n * b.n), nil
	}
	x, y, ok := promote(a, b)
	if !ok {
		return Nil(), &arithError{"* requires numeric operands"}
	}
	return Float(x * y), nil
}

func numericDiv(a, b Value) (Value, error) {
	if a.tag == TagFixnum && b.tag == TagFixnum {
		if b.n == 0 {
			return Nil(), &arithError{"divided by 0"}
		}
		return Int(a.n / b.n), nil
	}
	x, y, ok := promote(a, b)
	if !ok {
		return Nil(), &arithError{"/ requires numeric operands"}
	}
	return Float(x / y), nil
}

func numericMod(a, b Value) (Value, error) {
	if a.tag == TagFixnum && b.tag == TagFixnum {
		if b.n == 0 {
			return Nil(), &arithError{"divided by 0"}
		}
		return Int(a.n % b.n), nil
	}
	x, y, ok := promote(a, b)
	if !ok {
		return Nil(), &arithError{"% requires numeric operands"}
	}
	if int64(y) == 0 {
		return Nil(), &arithError{"divided by 0"}
	}
	return Float(float64(int64(x) % int64(y))), nil
}

// Mod exposes numericMod to other packages. Unlike ADD/SUB/MUL/DIV, modulo
// is not one of the instruction set's fast-path opcodes (spec.md §4.7.1
// lists no MOD instruction); it is reached only through a regular method
// SEND, so builtin.Install's Integer#% is the only caller.
func Mod(a, b Value) (Value, error) { return numericMod(a, b) }

// promote widens a mixed FIXNUM/FLOAT pair to a pair of float64s.
func promote(a, b Value) (x, y float64, ok bool) {
	switch a.tag {
	case TagFixnum:
		x = float64(a.n)
	case TagFloat:
		x = a.f
	default:
		return 0, 0, false
	}
	switch b.tag {
	case TagFixnum:
		y = float64(b.n)
	case TagFloat:
		y = b.f
	default:
		return 0, 0, false
	}
	return x, y, true
}
