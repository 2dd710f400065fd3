package rt

import (
	"fmt"
	"io"

	"github.com/hasumikin/co2-demo/irep"
	"github.com/hasumikin/co2-demo/pool"
	"github.com/hasumikin/co2-demo/symtab"
)

// Logger is the minimal sink the VM core reports non-fatal errors through.
// The log package implements it; tests and standalone use can pass a no-op.
type Logger interface {
	Warnf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Warnf(string, ...any) {}

// Method is an Irep with its symbol table pre-resolved against the process
// symbol table, so opcode dispatch never interns a string on the hot path.
type Method struct {
	Irep     *irep.Irep
	Syms     []symtab.ID
	Children []*Method
}

// ResolveMethod walks an Irep tree once (at load time) and interns every
// symbol name it references, producing the tree Call actually executes.
func ResolveMethod(rep *irep.Irep, syms *symtab.Table) *Method {
	if rep == nil {
		return nil
	}
	ids := make([]symtab.ID, len(rep.Syms))
	for i, s := range rep.Syms {
		ids[i] = syms.Intern(s)
	}
	children := make([]*Method, len(rep.Reps))
	for i, c := range rep.Reps {
		children[i] = ResolveMethod(c, syms)
	}
	return &Method{Irep: rep, Syms: ids, Children: children}
}

// Shared is the process-wide state every VM instance reads and writes:
// interned symbols, the class registry, globals, constants and the backing
// allocator. Exactly one Shared exists per embedding host.
type Shared struct {
	Symbols   *symtab.Table
	Classes   *Registry
	Pool      *pool.Pool
	Globals   map[symtab.ID]Value
	Constants map[symtab.ID]Value
	Logger    Logger

	// Console is the sink Kernel#puts writes through; it is the only
	// built-in that writes here. The host wires this to its hal_write hook;
	// nil disables console output rather than panicking.
	Console io.Writer

	// MaxRegisters caps the register file pushFrame will allocate for a
	// single call frame (spec.md §6's max register-file size build flag).
	// Zero (NewShared's default) leaves the register file unbounded;
	// engine.New sets it from config.Memory.MaxRegisters, which
	// config.Default() sets to 128.
	MaxRegisters uint16

	ObjectClass *Class // root of the superclass chain
}

func NewShared(symbols *symtab.Table, p *pool.Pool) *Shared {
	s := &Shared{
		Symbols:   symbols,
		Classes:   NewRegistry(),
		Pool:      p,
		Globals:   make(map[symtab.ID]Value),
		Constants: make(map[symtab.ID]Value),
		Logger:    nopLogger{},
	}
	s.ObjectClass = s.Classes.DefineClass(symbols.Intern("Object"), nil)
	return s
}

// Frame is one call-info record: a register file, program counter, and the
// bookkeeping needed to resume the caller on return.
type Frame struct {
	method    *Method
	regs      []Value
	pc        int
	self      Value
	target    *Class
	methodSym symtab.ID
	block     *Proc
	argc      int
	restStart int
	restLen   int

	parent   *Frame // dynamic caller; doReturn delivers into parent.regs[destReg]
	lexFrame *Frame // lexically enclosing frame a block/lambda closed over; nil for a plain method frame
	destReg  int

	// isBlock marks a frame pushed to run a captured Proc body (CALL, or a
	// native built-in's synchronous Call) rather than a regular method SEND.
	// It is recorded on the frame only; doReturn's break handling does not
	// read it.
	isBlock bool

	// regAddr/regReserved track this frame's charge against the fixed
	// arena: pushFrame reserves regWordSize*len(regs) bytes tagged to the
	// owning VM so Shared.Pool's statistics and FreeVM reflect real
	// register-file occupancy, even though regs itself is an ordinary Go
	// slice rather than a byte view into the arena (see object.go's note
	// on containers for why: Value holds an interface field no unsafe
	// byte layout could represent without losing memory safety).
	regAddr     uint32
	regReserved bool
}

// regWordSize is the accounting unit pushFrame charges the arena per
// register slot. It has no bearing on regs' actual Go-native storage; it
// only keeps Pool.Statistics and `ritevm stats` meaningful under the
// spec's fixed-arena model.
const regWordSize uint32 = 16

// Status is a VM's scheduling state.
type Status uint8

const (
	StatusReady Status = iota
	StatusRunning
	StatusWaiting
	StatusDone
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusRunning:
		return "running"
	case StatusWaiting:
		return "waiting"
	case StatusDone:
		return "done"
	case StatusError:
		return "error"
	default:
		return "status(?)"
	}
}

// VM is one cooperatively scheduled interpreter instance: its own call
// stack over the process-wide Shared state.
type VM struct {
	ID     uint32
	shared *Shared
	frames []*Frame
	status Status
	result Value
	err    error

	// blockReturn carries the result of a nested synchronous Call back to
	// its caller; it has nothing to do with the VM's own top-level result.
	blockReturn Value

	// sleepRemaining counts down scheduler ticks while status is
	// StatusWaiting; TimerTick decrements it and promotes the VM back to
	// StatusReady at zero (spec.md §4.7.4: tick() services sleep timeouts).
	sleepRemaining int

	// broke records whether the most recently completed Call ended in a
	// break-mode RETURN rather than a plain one, for the calling built-in
	// to inspect via Broke.
	broke bool

	// Priority is this VM's scheduling priority (spec.md §4.7.4): the
	// scheduler dispatches the highest-priority ready VM each Tick, and
	// ties round-robin. Higher values run first; DefaultPriority (0) is
	// the zero value, so a host that never thinks about priority gets
	// plain round-robin over one tier, same as before this field existed.
	Priority int
}

// DefaultPriority is the priority CreateTask uses when a host doesn't care
// (spec.md §4.7.4 names create_task's second argument but no particular
// default; zero keeps every untagged task in the same round-robin tier).
const DefaultPriority = 0

// Broke reports whether the Proc most recently run to completion via Call
// ended with a break-mode RETURN. A native built-in that yields to a block
// in a loop (Array#each, Integer#times) checks this after each Call to
// decide whether to stop iterating early.
func (vm *VM) Broke() bool { return vm.broke }

// NewVM creates a VM bound to shared state, ready to run method starting
// from self with the given arguments at the given scheduling priority
// (spec.md §4.7.4).
func NewVM(id uint32, shared *Shared, method *Method, self Value, args []Value, priority int) *VM {
	vm := &VM{ID: id, shared: shared, status: StatusReady, Priority: priority}
	class := classOf(shared, self)
	vm.pushFrame(method, self, args, nil, class, symtab.NoID, -1, false)
	return vm
}

// builtinClassNames maps a value tag to the class name its methods are
// registered under (builtin.Install defines these off Object). A tag with no
// entry here (TagEmpty, TagNil, TagTrue, TagFalse, TagProc, TagSymbol,
// TagRange, TagHash) has no class of its own and dispatches straight against
// Object; TagObject and TagClass are resolved by classOf itself.
var builtinClassNames = map[Tag]string{
	TagFixnum: "Integer",
	TagFloat:  "Float",
	TagString: "String",
	TagArray:  "Array",
}

func classOf(shared *Shared, v Value) *Class {
	switch v.Tag() {
	case TagObject:
		return v.Object().Class()
	case TagClass:
		return v.Class()
	}
	if name, ok := builtinClassNames[v.Tag()]; ok {
		if c := shared.Classes.Lookup(shared.Symbols.Intern(name)); c != nil {
			return c
		}
	}
	return shared.ObjectClass
}

// Console returns the shared console sink, or nil if the host did not wire
// one up.
func (vm *VM) Console() io.Writer { return vm.shared.Console }

func (vm *VM) Status() Status { return vm.status }
func (vm *VM) Result() Value  { return vm.result }
func (vm *VM) Err() error     { return vm.err }
func (vm *VM) current() *Frame {
	if len(vm.frames) == 0 {
		return nil
	}
	return vm.frames[len(vm.frames)-1]
}

// pushFrame allocates and pushes a new call frame, reporting false (and
// setting the VM to StatusError without pushing anything) if the frame's
// register file would exceed Shared.MaxRegisters (spec.md §6). Every caller
// that touches vm.frames right after pushFrame must check this return value
// first.
func (vm *VM) pushFrame(method *Method, self Value, args []Value, block *Proc, target *Class, methodSym symtab.ID, destReg int, isBlock bool) bool {
	nregs := int(method.Irep.NRegs)
	if nregs < len(args)+1 {
		nregs = len(args) + 1
	}
	if max := int(vm.shared.MaxRegisters); max > 0 && nregs > max {
		vm.raise("vm %d: method register file (%d) exceeds configured max_registers (%d)", vm.ID, nregs, max)
		vm.status = StatusError
		vm.err = fmt.Errorf("vm %d: register file (%d) exceeds max_registers (%d)", vm.ID, nregs, max)
		return false
	}
	regs := make([]Value, nregs)
	for i := range regs {
		regs[i] = Nil()
	}
	regs[0] = Dup(self)
	for i, a := range args {
		regs[i+1] = Dup(a)
	}
	f := &Frame{
		method: method, regs: regs, self: self, target: target,
		methodSym: methodSym, block: block, argc: len(args),
		parent: vm.current(), destReg: destReg, isBlock: isBlock,
	}
	if addr, err := vm.shared.Pool.Alloc(vm.ID, uint32(nregs)*regWordSize); err != nil {
		vm.raise("vm %d: arena exhausted reserving %d registers: %v", vm.ID, nregs, err)
	} else {
		f.regAddr, f.regReserved = addr, true
	}
	vm.frames = append(vm.frames, f)
	return true
}

// popFrame releases every live register in the top frame, returns its
// arena reservation (if pushFrame obtained one), and pops it, returning the
// parent (nil if the call stack is now empty).
func (vm *VM) popFrame() *Frame {
	top := vm.frames[len(vm.frames)-1]
	for _, v := range top.regs {
		Release(v)
	}
	if top.regReserved {
		vm.shared.Pool.Free(top.regAddr)
	}
	vm.frames = vm.frames[:len(vm.frames)-1]
	return vm.current()
}

func (vm *VM) raise(format string, args ...any) {
	vm.shared.Logger.Warnf(format, args...)
}

// Sleep transitions vm to the waiting state for the given number of
// scheduler ticks. It is the suspension point a host-native built-in
// (Kernel#sleep) uses; TimerTick is the only thing that promotes the VM
// back to ready.
func (vm *VM) Sleep(ticks int) {
	if ticks <= 0 {
		return
	}
	vm.status = StatusWaiting
	vm.sleepRemaining = ticks
}

// timerTick services one scheduler tick against a waiting VM's sleep
// countdown, promoting it to ready once the countdown reaches zero. It is a
// no-op for a VM not currently waiting.
func (vm *VM) timerTick() {
	if vm.status != StatusWaiting {
		return
	}
	vm.sleepRemaining--
	if vm.sleepRemaining <= 0 {
		vm.status = StatusReady
	}
}

// Run executes up to maxSteps instructions, stopping early on STOP, ABORT,
// an unrecoverable error (such as the pc running off the code array), the
// outermost frame returning, or a built-in putting the VM to sleep.
// It is the unit of work the scheduler's tick() calls; returning early lets
// one VM yield the processor to others cooperatively.
func (vm *VM) Run(maxSteps int) {
	if vm.status == StatusDone || vm.status == StatusError {
		return
	}
	vm.status = StatusRunning
	for i := 0; i < maxSteps; i++ {
		if !vm.step() {
			return
		}
	}
	if vm.status == StatusRunning {
		vm.status = StatusReady
	}
}

// step executes exactly one instruction. It returns false when the VM has
// stopped (normally or abnormally) and should not be stepped again.
func (vm *VM) step() bool {
	f := vm.current()
	if f == nil {
		vm.status = StatusDone
		return false
	}
	if f.pc >= len(f.method.Irep.Code) {
		vm.raise("vm %d: pc ran off the end of the code array", vm.ID)
		vm.status = StatusError
		vm.err = fmt.Errorf("pc overrun")
		return false
	}
	w := f.method.Irep.Code[f.pc]
	op, a, b, c := decodeABC(w)

	switch op {
	case OP_NOP:
		f.pc++

	case OP_MOVE:
		vm.setReg(f, int(a), f.regs[b])
		f.pc++

	case OP_LOADL:
		_, ra, bx := decodeABx(w)
		entry := f.method.Irep.Pool[bx]
		var v Value
		switch entry.Kind {
		case irep.PoolInt:
			v = Int(entry.Int)
		case irep.PoolFloat:
			v = Float(entry.Float)
		case irep.PoolString:
			v = StringVal(NewStr(entry.Str))
		}
		vm.setReg(f, int(ra), v)
		f.pc++

	case OP_LOADI:
		_, ra, bx := decodeABx(w)
		vm.setReg(f, int(ra), Int(int64(sbx(bx))))
		f.pc++

	case OP_LOADSYM:
		_, ra, bx := decodeABx(w)
		vm.setReg(f, int(ra), SymbolVal(f.method.Syms[bx]))
		f.pc++

	case OP_LOADNIL:
		vm.setReg(f, int(a), Nil())
		f.pc++

	case OP_LOADSELF:
		vm.setReg(f, int(a), f.self)
		f.pc++

	case OP_LOADT:
		vm.setReg(f, int(a), True())
		f.pc++

	case OP_LOADF:
		vm.setReg(f, int(a), False())
		f.pc++

	case OP_GETGLOBAL:
		_, ra, bx := decodeABx(w)
		vm.setReg(f, int(ra), vm.shared.Globals[f.method.Syms[bx]])
		f.pc++

	case OP_SETGLOBAL:
		_, ra, bx := decodeABx(w)
		sym := f.method.Syms[bx]
		Release(vm.shared.Globals[sym])
		vm.shared.Globals[sym] = Dup(f.regs[ra])
		f.pc++

	case OP_GETCONST:
		_, ra, bx := decodeABx(w)
		vm.setReg(f, int(ra), vm.shared.Constants[f.method.Syms[bx]])
		f.pc++

	case OP_SETCONST:
		_, ra, bx := decodeABx(w)
		sym := f.method.Syms[bx]
		Release(vm.shared.Constants[sym])
		vm.shared.Constants[sym] = Dup(f.regs[ra])
		f.pc++

	case OP_GETMCNST:
		// ra must hold the Class to resolve the constant against; true
		// per-class namespacing is not modeled (constants still live in
		// Shared.Constants' flat table, same as GETCONST/SETCONST above) —
		// this only adds the receiver-is-a-Class check GETCONST lacks.
		_, ra, bx := decodeABx(w)
		if f.regs[ra].Tag() != TagClass {
			vm.raise("vm %d: GETMCNST on a non-Class register", vm.ID)
			vm.setReg(f, int(ra), Nil())
		} else {
			vm.setReg(f, int(ra), vm.shared.Constants[f.method.Syms[bx]])
		}
		f.pc++

	case OP_GETIV:
		_, ra, bx := decodeABx(w)
		if f.self.Tag() != TagObject {
			vm.raise("vm %d: GETIV on a non-object self", vm.ID)
			vm.setReg(f, int(ra), Nil())
		} else {
			vm.setReg(f, int(ra), f.self.Object().GetIVar(f.method.Syms[bx]))
		}
		f.pc++

	case OP_SETIV:
		_, ra, bx := decodeABx(w)
		if f.self.Tag() != TagObject {
			vm.raise("vm %d: SETIV on a non-object self", vm.ID)
		} else {
			f.self.Object().SetIVar(f.method.Syms[bx], f.regs[ra])
		}
		f.pc++

	case OP_GETUPVAR:
		target := upFrame(f, c)
		if target == nil {
			vm.raise("vm %d: GETUPVAR beyond the top of the call stack", vm.ID)
			vm.setReg(f, int(a), Nil())
		} else {
			vm.setReg(f, int(a), target.regs[b])
		}
		f.pc++

	case OP_SETUPVAR:
		target := upFrame(f, c)
		if target == nil {
			vm.raise("vm %d: SETUPVAR beyond the top of the call stack", vm.ID)
		} else {
			Release(target.regs[b])
			target.regs[b] = Dup(f.regs[a])
		}
		f.pc++

	case OP_JMP:
		_, _, bx := decodeABx(w)
		f.pc += int(sbx(bx))

	case OP_JMPIF:
		_, ra, bx := decodeABx(w)
		if f.regs[ra].Truthy() {
			f.pc += int(sbx(bx))
		} else {
			f.pc++
		}

	case OP_JMPNOT:
		_, ra, bx := decodeABx(w)
		if !f.regs[ra].Truthy() {
			f.pc += int(sbx(bx))
		} else {
			f.pc++
		}

	case OP_SEND:
		vm.dispatchSend(f, int(a), f.method.Syms[b], int(c), nil)

	case OP_SENDB:
		// Open question (spec.md §9): a block argument that is neither nil
		// nor a Proc raises a type error and the send does not happen,
		// rather than silently treating it as "no block".
		blockArg := f.regs[int(a)+int(c)+1]
		switch blockArg.Tag() {
		case TagNil:
			vm.dispatchSend(f, int(a), f.method.Syms[b], int(c), nil)
		case TagProc:
			vm.dispatchSend(f, int(a), f.method.Syms[b], int(c), blockArg.Proc())
		default:
			vm.raise("vm %d: SENDB block argument is not a Proc (got %s)", vm.ID, blockArg.Tag())
			vm.setReg(f, int(a), Nil())
			f.pc++
		}

	case OP_CALL:
		vm.dispatchCall(f, int(a), int(b), int(c))

	case OP_SUPER:
		if f.target == nil || f.target.Super() == nil {
			vm.raise("vm %d: SUPER called with no superclass in scope", vm.ID)
			vm.setReg(f, int(a), Nil())
			f.pc++
		} else {
			vm.invoke(f, int(a), f.target.Super(), f.methodSym, int(c), nil)
		}

	case OP_ARGARY:
		arr := NewArray(f.restLen)
		for i := 0; i < f.restLen; i++ {
			arr.Push(f.regs[f.restStart+i])
		}
		vm.setReg(f, int(a), ArrayVal(arr))
		f.pc++

	case OP_ENTER:
		_, ax := decodeAx(w)
		req := int((ax >> 13) & 0x1F)
		opt := int((ax >> 8) & 0x1F)
		rest := ax&0x80 != 0
		f.restStart = req + opt + 1
		if rest && f.argc > req+opt {
			f.restLen = f.argc - req - opt
		} else {
			f.restLen = 0
		}
		f.pc++

	case OP_RETURN:
		// C carries the break flag (spec.md §4.7.1/§4.7.2): a nonzero C
		// means this RETURN is a block break, not a plain method return.
		vm.doReturn(f.regs[a], c != 0)
		return vm.status != StatusDone && vm.status != StatusError

	case OP_BLKPUSH:
		if f.block == nil {
			vm.setReg(f, int(a), Nil())
		} else {
			vm.setReg(f, int(a), ProcVal(f.block))
		}
		f.pc++

	case OP_ADD, OP_SUB, OP_MUL, OP_DIV:
		vm.binop(f, op, int(a), int(b), int(c))
		f.pc++

	case OP_ADDI, OP_SUBI:
		vm.immOp(f, op, int(a), c)
		f.pc++

	case OP_EQ:
		vm.setReg(f, int(a), Bool(Compare(f.regs[b], f.regs[c])))
		f.pc++

	case OP_LT, OP_LE, OP_GT, OP_GE:
		vm.compareOp(f, op, int(a), int(b), int(c))
		f.pc++

	case OP_ARRAY:
		arr := NewArray(int(c))
		for i := 0; i < int(c); i++ {
			arr.Push(f.regs[int(b)+i])
		}
		vm.setReg(f, int(a), ArrayVal(arr))
		f.pc++

	case OP_STRING:
		_, ra, bx := decodeABx(w)
		vm.setReg(f, int(ra), StringVal(NewStr(f.method.Irep.Pool[bx].Str)))
		f.pc++

	case OP_STRCAT:
		if f.regs[a].Tag() != TagString || f.regs[b].Tag() != TagString {
			vm.raise("vm %d: STRCAT on a non-string operand", vm.ID)
		} else {
			vm.setReg(f, int(a), StringVal(f.regs[a].Str().Concat(f.regs[b].Str())))
		}
		f.pc++

	case OP_HASH:
		h := NewHash()
		n := int(c)
		for i := 0; i < n; i += 2 {
			h.Set(f.regs[int(b)+i], f.regs[int(b)+i+1])
		}
		vm.setReg(f, int(a), HashVal(h))
		f.pc++

	case OP_LAMBDA:
		_, ra, bx := decodeABx(w)
		child := f.method.Children[bx]
		p := &Proc{header: header{refs: 1}, body: child, upFrame: f}
		vm.setReg(f, int(ra), ProcVal(p))
		f.pc++

	case OP_RANGE:
		high := c >> 1
		exclusive := c&1 != 0
		vm.setReg(f, int(a), RangeVal(NewRange(f.regs[b], f.regs[high], exclusive)))
		f.pc++

	case OP_CLASS:
		name := f.method.Syms[b]
		var super *Class
		if f.regs[c].Tag() == TagClass {
			super = f.regs[c].Class()
		} else {
			super = vm.shared.ObjectClass
		}
		cls := vm.shared.Classes.DefineClass(name, super)
		vm.setReg(f, int(a), ClassVal(cls))
		f.pc++

	case OP_EXEC:
		// Runs the class-body child IREP named by bx with self and target
		// rebound to the Class sitting in ra (spec.md §4.7.1): this is how
		// CLASS's result actually gets its METHOD definitions installed —
		// a compiler emits CLASS, then EXEC on the same register, then the
		// class body (itself ending in a RETURN that lands back in ra).
		_, ra, bx := decodeABx(w)
		if f.regs[ra].Tag() != TagClass {
			vm.raise("vm %d: EXEC target register is not a Class", vm.ID)
			vm.setReg(f, int(ra), Nil())
			f.pc++
		} else {
			cls := f.regs[ra].Class()
			child := f.method.Children[bx]
			f.pc++ // resume here once the class body returns
			vm.pushFrame(child, f.regs[ra], nil, nil, cls, symtab.NoID, int(ra), false)
		}

	case OP_METHOD:
		if f.regs[a].Tag() != TagClass {
			vm.raise("vm %d: METHOD target register is not a Class", vm.ID)
		} else if f.regs[c].Tag() != TagProc {
			vm.raise("vm %d: METHOD body register is not a Proc", vm.ID)
		} else {
			body := f.regs[c].Proc().body
			f.regs[a].Class().DefineBytecodeMethod(f.method.Syms[b], body)
		}
		f.pc++

	case OP_SCLASS:
		// Singleton classes are not modeled: decoded and dispatched as a
		// documented no-op, leaving the destination register untouched.
		f.pc++

	case OP_TCLASS:
		vm.setReg(f, int(a), ClassVal(classOf(vm.shared, f.self)))
		f.pc++

	case OP_STOP:
		vm.status = StatusDone
		return false

	case OP_ABORT:
		vm.status = StatusError
		vm.err = fmt.Errorf("vm %d: ABORT at pc %d", vm.ID, f.pc)
		return false

	default:
		vm.raise("vm %d: unknown opcode %d at pc %d", vm.ID, op, f.pc)
		f.pc++
	}
	// A native built-in invoked above (e.g. Kernel#sleep) may have put the
	// VM in the waiting state; stop this dispatch loop at the instruction
	// boundary rather than spinning through the rest of the slice.
	return vm.status != StatusWaiting
}

func (vm *VM) setReg(f *Frame, i int, v Value) {
	Release(f.regs[i])
	f.regs[i] = Dup(v)
}

// upFrame walks the lexical (not dynamic-call) chain depth hops out from f,
// the frame a block or lambda body was defined in rather than the frame that
// happened to invoke it.
func upFrame(f *Frame, depth uint32) *Frame {
	target := f
	for i := uint32(0); i < depth; i++ {
		if target.lexFrame == nil {
			return nil
		}
		target = target.lexFrame
	}
	return target
}

func signExtend25(ax uint32) int32 {
	const bits = 25
	shift := 32 - bits
	return int32(ax<<shift) >> shift
}

func (vm *VM) binop(f *Frame, op Op, a, b, c int) {
	var v Value
	var err error
	switch op {
	case OP_ADD:
		v, err = numericAdd(f.regs[b], f.regs[c])
	case OP_SUB:
		v, err = numericSub(f.regs[b], f.regs[c])
	case OP_MUL:
		v, err = numericMul(f.regs[b], f.regs[c])
	case OP_DIV:
		v, err = numericDiv(f.regs[b], f.regs[c])
	}
	if err != nil {
		vm.raise("vm %d: %v", vm.ID, err)
		v = Nil()
	}
	vm.setReg(f, a, v)
}

// immOp implements ADDI/SUBI: the small-immediate fast paths of ADD/SUB that
// avoid a LOADI into a scratch register for the common case of adding or
// subtracting a literal (spec.md §4.7.1). c is the unsigned 7-bit immediate
// carried in the C field of the ABC encoding.
func (vm *VM) immOp(f *Frame, op Op, a int, c uint32) {
	imm := Int(int64(c))
	var v Value
	var err error
	switch op {
	case OP_ADDI:
		v, err = numericAdd(f.regs[a], imm)
	case OP_SUBI:
		v, err = numericSub(f.regs[a], imm)
	}
	if err != nil {
		vm.raise("vm %d: %v", vm.ID, err)
		v = Nil()
	}
	vm.setReg(f, a, v)
}

// compareOp total-orders operands of equal tag (spec.md §3): numeric operands
// promote through float64 as before; string operands order lexicographically
// by bytes (spec.md §4.3), rather than raising the type error every other
// tag pairing still gets.
func (vm *VM) compareOp(f *Frame, op Op, a, b, c int) {
	lhs, rhs := f.regs[b], f.regs[c]
	var cmp int
	switch {
	case lhs.Tag() == TagString && rhs.Tag() == TagString:
		cmp = lhs.Str().Cmp(rhs.Str())
	default:
		x, y, ok := promote(lhs, rhs)
		if !ok {
			vm.raise("vm %d: comparison requires operands of equal, ordered tag", vm.ID)
			vm.setReg(f, a, False())
			return
		}
		switch {
		case x < y:
			cmp = -1
		case x > y:
			cmp = 1
		default:
			cmp = 0
		}
	}
	vm.setReg(f, a, Bool(compareResult(op, cmp)))
}

// compareResult translates a three-way comparison result into the boolean
// LT/LE/GT/GE asks for.
func compareResult(op Op, cmp int) bool {
	switch op {
	case OP_LT:
		return cmp < 0
	case OP_LE:
		return cmp <= 0
	case OP_GT:
		return cmp > 0
	case OP_GE:
		return cmp >= 0
	default:
		return false
	}
}

// dispatchSend resolves sym against the receiver in R(a)'s class and calls
// it with the c arguments that follow R(a) in the register file.
func (vm *VM) dispatchSend(f *Frame, a int, sym symtab.ID, argc int, block *Proc) {
	recv := f.regs[a]
	class := classOf(vm.shared, recv)
	vm.invoke(f, a, class, sym, argc, block)
}

func (vm *VM) invoke(f *Frame, a int, startClass *Class, sym symtab.ID, argc int, block *Proc) {
	proc := FindMethod(startClass, sym)
	if proc == nil {
		vm.raise("vm %d: no method %q on %v", vm.ID, vm.shared.Symbols.String(sym), startClass.Name())
		vm.setReg(f, a, Nil())
		f.pc++
		return
	}
	args := make([]Value, argc)
	copy(args, f.regs[a+1:a+1+argc])
	if proc.IsNative() {
		// A native method has no bytecode frame to carry a block in, so the
		// block SENDB passed (spec.md §4.7.2's "&block" argument) is handed
		// to it the same way any other positional argument is: appended to
		// argv. Natives that accept a block (Array#each, Integer#times) read
		// it back out of args themselves.
		nativeArgs := args
		if block != nil {
			nativeArgs = append(args, ProcVal(block))
		}
		result := proc.native(vm, f.regs[a], nativeArgs)
		vm.setReg(f, a, result)
		// The native has returned: release its argument registers, and the
		// block register when SENDB passed a block.
		for i := 1; i <= argc; i++ {
			vm.setReg(f, a+i, Nil())
		}
		if block != nil {
			vm.setReg(f, a+argc+1, Nil())
		}
		f.pc++
		return
	}
	f.pc++ // resume here once the callee returns
	vm.pushFrame(proc.body, f.regs[a], args, block, startClass, sym, a, false)
}

// dispatchCall invokes the Proc value held in R(b) directly: the mechanism
// yield (via BLKPUSH+CALL) and calling a captured lambda both use.
func (vm *VM) dispatchCall(f *Frame, a, b, argc int) {
	callee := f.regs[b]
	if callee.Tag() != TagProc {
		vm.raise("vm %d: CALL on a non-Proc register", vm.ID)
		vm.setReg(f, a, Nil())
		f.pc++
		return
	}
	p := callee.Proc()
	args := make([]Value, argc)
	copy(args, f.regs[a+1:a+1+argc])
	if p.IsNative() {
		self := f.self
		if p.upFrame != nil {
			self = p.upFrame.self
		}
		vm.setReg(f, a, p.native(vm, self, args))
		f.pc++
		return
	}
	f.pc++
	self := f.self
	if p.upFrame != nil {
		self = p.upFrame.self
	}
	if !vm.pushFrame(p.body, self, args, nil, f.target, f.methodSym, a, true) {
		return
	}
	vm.frames[len(vm.frames)-1].lexFrame = p.upFrame
}

// Call invokes p synchronously from host-native code (e.g. a built-in
// method's implementation calling the block it was handed) and returns its
// result. For a bytecode body this drives the dispatch loop in-line until
// the pushed frame returns, rather than going through the scheduler.
func (vm *VM) Call(p *Proc, self Value, args []Value) Value {
	vm.broke = false
	if p.IsNative() {
		return p.native(vm, self, args)
	}
	callSelf := self
	if p.upFrame != nil {
		callSelf = p.upFrame.self
	}
	target := vm.shared.ObjectClass
	if f := vm.current(); f != nil {
		target = f.target
	}
	if !vm.pushFrame(p.body, callSelf, args, nil, target, symtab.NoID, -1, true) {
		return Nil()
	}
	vm.frames[len(vm.frames)-1].lexFrame = p.upFrame
	depth := len(vm.frames)
	for len(vm.frames) >= depth {
		if !vm.step() {
			break
		}
	}
	return vm.blockReturn
}

// doReturn delivers v to the caller's destination register (or, for the
// outermost frame, records it as the VM's final result) and pops exactly
// one frame, same as a plain RETURN. A break-mode RETURN (brk) additionally
// records Broke so the native built-in driving the block (Array#each,
// Integer#times, ...) can stop iterating instead of calling the block
// again — this is the one user-observable effect spec.md §4.7.2 names
// ("enabling block break"). It deliberately does not also unwind any
// further nested call-info: a block invoked by a host-native built-in has
// no frame of its own (natives run inline in the yielding frame, see
// invoke()), so Call's own depth-bounded dispatch loop is already the
// correct boundary to stop at, and popping past it would hand back control
// to a native Go frame mid-iteration while a stale *Frame pointer it still
// holds silently drops the value's refcount bookkeeping.
func (vm *VM) doReturn(v Value, brk bool) {
	// Dup before popFrame releases every register in the returning frame,
	// including the one v was read from.
	v = Dup(v)
	top := vm.frames[len(vm.frames)-1]
	destReg, destFrame := top.destReg, top.parent
	vm.popFrame()
	vm.broke = brk
	if destFrame == nil {
		// The outermost frame this VM was created with just returned.
		vm.result = v
		vm.status = StatusDone
		return
	}
	if destReg < 0 {
		// A nested synchronous Call (e.g. a native method invoking a block)
		// has no register to deliver into; stash it for Call to pick up.
		vm.blockReturn = v
		return
	}
	vm.setReg(destFrame, destReg, v)
	Release(v)
}
