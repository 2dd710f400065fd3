package rt

import (
	"github.com/hasumikin/co2-demo/symtab"
)

// NativeFunc is a host-implemented method body: given the VM making the
// call, the receiver, and the call's argument values, it returns the
// method's result. It must not retain args beyond the call (for a SEND, the
// VM releases the argument and block registers once native returns).
type NativeFunc func(vm *VM, self Value, args []Value) Value

// Proc is either a host native method, a compiled bytecode method/block/
// lambda body, or both a class's method-table entry and (when captured by a
// LAMBDA opcode) a first-class, refcounted Value.
type Proc struct {
	header
	sym     symtab.ID
	native  NativeFunc
	body    *Method
	upFrame *Frame // captured enclosing frame, for blocks/lambdas; nil for methods
	next    *Proc  // link to the next-older method with a different name
}

func (p *Proc) destroy() {}

// Sym returns the method name a Proc is registered under.
func (p *Proc) Sym() symtab.ID { return p.sym }

// IsNative reports whether Call should dispatch to native rather than body.
func (p *Proc) IsNative() bool { return p.native != nil }

// Class is a class record: a name, a superclass link (nil for the root), and
// a singly linked method table. Classes are process-global and never
// refcounted or torn down at runtime, matching spec.md's treatment of CLASS
// values as static.
type Class struct {
	name    symtab.ID
	super   *Class
	methods *Proc
}

func (c *Class) Name() symtab.ID { return c.name }
func (c *Class) Super() *Class   { return c.super }

// DefineMethod registers a host native method under sym, overriding (and
// unlinking) any existing method of that name on c.
func (c *Class) DefineMethod(sym symtab.ID, fn NativeFunc) *Proc {
	p := &Proc{header: header{refs: 1}, sym: sym, native: fn}
	c.defineMethodProc(p)
	return p
}

// DefineBytecodeMethod registers a compiled method body under sym, overriding
// any existing method of that name on c.
func (c *Class) DefineBytecodeMethod(sym symtab.ID, body *Method) *Proc {
	p := &Proc{header: header{refs: 1}, sym: sym, body: body}
	c.defineMethodProc(p)
	return p
}

// defineMethodProc links p at the head of c's method chain and removes any
// later entry with the same name, so a class never carries two methods
// answering to one selector.
func (c *Class) defineMethodProc(p *Proc) {
	p.next = c.methods
	c.methods = p
	cur := p
	for cur.next != nil {
		if cur.next.sym == p.sym {
			cur.next = cur.next.next
			continue
		}
		cur = cur.next
	}
}

// FindMethod walks start's superclass chain looking for a method named sym,
// mruby-style: the receiver's own class first, then each ancestor in turn.
func FindMethod(start *Class, sym symtab.ID) *Proc {
	for c := start; c != nil; c = c.super {
		for p := c.methods; p != nil; p = p.next {
			if p.sym == sym {
				return p
			}
		}
	}
	return nil
}

// Instance is a plain object: a class pointer plus an instance-variable
// table keyed by symbol.
type Instance struct {
	header
	class *Class
	ivars map[symtab.ID]Value
}

func NewInstance(class *Class) *Instance {
	return &Instance{header: header{refs: 1}, class: class}
}

func (o *Instance) Class() *Class { return o.class }

func (o *Instance) GetIVar(sym symtab.ID) Value {
	if o.ivars == nil {
		return Nil()
	}
	if v, ok := o.ivars[sym]; ok {
		return v
	}
	return Nil()
}

func (o *Instance) SetIVar(sym symtab.ID, v Value) {
	if o.ivars == nil {
		o.ivars = make(map[symtab.ID]Value)
	}
	if old, ok := o.ivars[sym]; ok {
		Release(old)
	}
	o.ivars[sym] = Dup(v)
}

func (o *Instance) destroy() {
	for _, v := range o.ivars {
		Release(v)
	}
	o.ivars = nil
}

// Registry is the process-wide class table, keyed by interned name.
type Registry struct {
	classes map[symtab.ID]*Class
}

func NewRegistry() *Registry {
	return &Registry{classes: make(map[symtab.ID]*Class)}
}

// DefineClass interns name's class, creating it (chained off super) the
// first time it is seen and returning the existing record on every
// subsequent call regardless of the super argument, matching the "reopen an
// existing class" semantics the bytecode's CLASS opcode relies on.
func (r *Registry) DefineClass(name symtab.ID, super *Class) *Class {
	if c, ok := r.classes[name]; ok {
		return c
	}
	c := &Class{name: name, super: super}
	r.classes[name] = c
	return c
}

// Lookup returns the class named name, or nil if it has not been defined.
func (r *Registry) Lookup(name symtab.ID) *Class {
	return r.classes[name]
}
