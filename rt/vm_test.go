package rt

import (
	"testing"

	"github.com/hasumikin/co2-demo/irep"
	"github.com/hasumikin/co2-demo/pool"
	"github.com/hasumikin/co2-demo/symtab"
)

func newTestShared() *Shared {
	return NewShared(symtab.New(256), pool.New(make([]byte, 64*1024)))
}

// TestArithmeticProgram exercises spec.md §8 scenario S1: a method body that
// loads two literals, adds them, and returns the result.
func TestArithmeticProgram(t *testing.T) {
	rep := &irep.Irep{
		NRegs: 4,
		Code: []uint32{
			encABx(OP_LOADI, 1, uint32(int16(10))),
			encABx(OP_LOADI, 2, uint32(int16(32))),
			encABC(OP_ADD, 3, 1, 2),
			encABC(OP_RETURN, 3, 0, 0),
		},
	}
	shared := newTestShared()
	method := ResolveMethod(rep, shared.Symbols)
	vm := NewVM(1, shared, method, Nil(), nil, DefaultPriority)
	vm.Run(100)

	if vm.Status() != StatusDone {
		t.Fatalf("status = %v, want done (err=%v)", vm.Status(), vm.Err())
	}
	if got := vm.Result().Int(); got != 42 {
		t.Fatalf("result = %d, want 42", got)
	}
}

// TestAddiSubiImmediateFastPaths exercises the ADDI/SUBI small-immediate
// opcodes (spec.md §4.7.1): R(a) += c and R(a) -= c without a LOADI into a
// scratch register.
func TestAddiSubiImmediateFastPaths(t *testing.T) {
	rep := &irep.Irep{
		NRegs: 2,
		Code: []uint32{
			encABx(OP_LOADI, 0, uint32(int16(10))),
			encABC(OP_ADDI, 0, 0, 5),  // r0 = 10 + 5
			encABC(OP_SUBI, 0, 0, 12), // r0 = 15 - 12
			encABC(OP_RETURN, 0, 0, 0),
		},
	}
	shared := newTestShared()
	method := ResolveMethod(rep, shared.Symbols)
	vm := NewVM(1, shared, method, Nil(), nil, DefaultPriority)
	vm.Run(100)

	if vm.Status() != StatusDone {
		t.Fatalf("status = %v, want done (err=%v)", vm.Status(), vm.Err())
	}
	if got := vm.Result().Int(); got != 3 {
		t.Fatalf("result = %d, want 3 ((10+5)-12)", got)
	}
}

// TestFixnumWraparound exercises spec.md §8 property 2: FIXNUM arithmetic
// wraps at 64 bits (two's-complement), not 32.
func TestFixnumWraparound(t *testing.T) {
	maxInt64 := Int(1<<63 - 1) // largest positive int64
	one := Int(1)
	sum, err := numericAdd(maxInt64, one)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if sum.Int() != -(1 << 63) {
		t.Fatalf("wraparound sum = %d, want %d", sum.Int(), int64(-(1 << 63)))
	}
}

// TestSendDispatchesThroughSuperclassChain exercises a SEND to a method
// defined on a superclass, covering spec.md §8 scenario S2 (method lookup
// walks the chain rather than only the receiver's own class).
func TestSendDispatchesThroughSuperclassChain(t *testing.T) {
	shared := newTestShared()
	base := shared.Classes.DefineClass(shared.Symbols.Intern("Base"), shared.ObjectClass)
	derived := shared.Classes.DefineClass(shared.Symbols.Intern("Derived"), base)

	answerSym := shared.Symbols.Intern("answer")
	base.DefineMethod(answerSym, func(vm *VM, self Value, args []Value) Value {
		return Int(7)
	})

	// SEND r0 (self), :answer, argc=0 ; RETURN r0
	rep := &irep.Irep{
		NRegs: 2,
		Syms:  []string{"answer"},
		Code: []uint32{
			encABC(OP_SEND, 0, 0, 0),
			encABC(OP_RETURN, 0, 0, 0),
		},
	}
	method := ResolveMethod(rep, shared.Symbols)
	recv := ObjectVal(NewInstance(derived))
	vm := NewVM(1, shared, method, recv, nil, DefaultPriority)
	vm.Run(100)

	if vm.Status() != StatusDone {
		t.Fatalf("status = %v, err=%v", vm.Status(), vm.Err())
	}
	if vm.Result().Int() != 7 {
		t.Fatalf("result = %d, want 7", vm.Result().Int())
	}
}

// TestMethodOverrideDedup exercises spec.md §8 scenario S3: redefining a
// method with the same name removes the earlier entry instead of shadowing
// it, so the chain never grows unbounded across repeated redefinitions.
func TestMethodOverrideDedup(t *testing.T) {
	shared := newTestShared()
	sym := shared.Symbols.Intern("greet")
	cls := shared.Classes.DefineClass(shared.Symbols.Intern("Greeter"), shared.ObjectClass)

	cls.DefineMethod(sym, func(vm *VM, self Value, args []Value) Value { return Int(1) })
	cls.DefineMethod(sym, func(vm *VM, self Value, args []Value) Value { return Int(2) })
	cls.DefineMethod(sym, func(vm *VM, self Value, args []Value) Value { return Int(3) })

	count := 0
	for p := cls.methods; p != nil; p = p.next {
		if p.sym == sym {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("method chain has %d entries for %q, want 1", count, "greet")
	}
	found := FindMethod(cls, sym)
	if found == nil {
		t.Fatal("FindMethod returned nil after redefinition")
	}
	if got := found.native(nil, Nil(), nil).Int(); got != 3 {
		t.Fatalf("latest definition returned %d, want 3 (last one registered)", got)
	}
}

// TestSendbRejectsNonProcBlock exercises the spec.md §9 open-question
// decision: a non-nil, non-Proc block argument to SENDB raises rather than
// silently being treated as "no block".
func TestSendbRejectsNonProcBlock(t *testing.T) {
	shared := newTestShared()
	sym := shared.Symbols.Intern("m")
	shared.ObjectClass.DefineMethod(sym, func(vm *VM, self Value, args []Value) Value {
		return Int(99)
	})

	// R0=self, R1=block(garbage fixnum, not nil/Proc); SENDB r0,:m,argc=0
	rep := &irep.Irep{
		NRegs: 2,
		Syms:  []string{"m"},
		Code: []uint32{
			encABx(OP_LOADI, 1, uint32(int16(5))),
			encABC(OP_SENDB, 0, 0, 0),
			encABC(OP_RETURN, 0, 0, 0),
		},
	}
	method := ResolveMethod(rep, shared.Symbols)
	vm := NewVM(1, shared, method, Nil(), nil, DefaultPriority)
	vm.Run(100)

	if vm.Status() != StatusDone {
		t.Fatalf("status = %v, err=%v", vm.Status(), vm.Err())
	}
	if !vm.Result().IsNil() {
		t.Fatalf("result = %v, want nil (method must not run)", vm.Result())
	}
}

// TestArgaryBuildsRestWindow exercises the spec.md §9 open-question decision
// for ARGARY: it materializes the frame's declared rest-argument window as
// an Array.
func TestArgaryBuildsRestWindow(t *testing.T) {
	shared := newTestShared()
	// ENTER with req=1, opt=0, rest=1 packed into ax per our convention:
	// req<<13 | opt<<8 | rest<<7. Frame has self=r0, req arg=r1, rest at r2..
	enterAx := uint32(1<<13) | uint32(1<<7)
	rep := &irep.Irep{
		NRegs: 6,
		Code: []uint32{
			encAx(OP_ENTER, enterAx),
			encABC(OP_ARGARY, 5, 0, 0),
			encABC(OP_RETURN, 5, 0, 0),
		},
	}
	method := ResolveMethod(rep, shared.Symbols)
	args := []Value{Int(1), Int(2), Int(3), Int(4)}
	vm := NewVM(1, shared, method, Nil(), args, DefaultPriority)
	vm.Run(100)

	if vm.Status() != StatusDone {
		t.Fatalf("status = %v, err=%v", vm.Status(), vm.Err())
	}
	if vm.Result().Tag() != TagArray {
		t.Fatalf("result tag = %v, want array", vm.Result().Tag())
	}
	arr := vm.Result().Array()
	if arr.Len() != 3 {
		t.Fatalf("rest array len = %d, want 3 (args after the one required param)", arr.Len())
	}
	if arr.Get(0).Int() != 2 || arr.Get(2).Int() != 4 {
		t.Fatalf("rest array contents wrong: %v", arr)
	}
}

// TestSclassIsDocumentedNoop exercises the spec.md §9 open-question decision
// for SCLASS: it decodes and dispatches but performs no singleton-class
// creation, leaving its destination register untouched.
func TestSclassIsDocumentedNoop(t *testing.T) {
	shared := newTestShared()
	rep := &irep.Irep{
		NRegs: 2,
		Code: []uint32{
			encABx(OP_LOADI, 0, uint32(int16(13))),
			encABC(OP_SCLASS, 0, 0, 0),
			encABC(OP_RETURN, 0, 0, 0),
		},
	}
	method := ResolveMethod(rep, shared.Symbols)
	vm := NewVM(1, shared, method, Nil(), nil, DefaultPriority)
	vm.Run(100)

	if vm.Status() != StatusDone {
		t.Fatalf("status = %v, err=%v", vm.Status(), vm.Err())
	}
	if vm.Result().Int() != 13 {
		t.Fatalf("SCLASS must not touch its register: got %d, want 13", vm.Result().Int())
	}
}

// TestUnknownOpcodeIsNonFatal exercises the error-handling policy from
// spec.md: an unrecognized opcode logs and is skipped rather than aborting
// the VM, so dispatch can continue.
func TestUnknownOpcodeIsNonFatal(t *testing.T) {
	const bogusOp = Op(120)
	rep := &irep.Irep{
		NRegs: 2,
		Code: []uint32{
			encABx(OP_LOADI, 0, uint32(int16(1))),
			encABC(bogusOp, 0, 0, 0),
			encABx(OP_LOADI, 0, uint32(int16(2))),
			encABC(OP_RETURN, 0, 0, 0),
		},
	}
	shared := newTestShared()
	method := ResolveMethod(rep, shared.Symbols)
	vm := NewVM(1, shared, method, Nil(), nil, DefaultPriority)
	vm.Run(100)

	if vm.Status() != StatusDone {
		t.Fatalf("status = %v, err=%v", vm.Status(), vm.Err())
	}
	if vm.Result().Int() != 2 {
		t.Fatalf("result = %d, want 2 (dispatch continued past the bogus opcode)", vm.Result().Int())
	}
}

func TestSchedulerRoundRobinsTwoVMs(t *testing.T) {
	shared := newTestShared()
	rep := &irep.Irep{
		NRegs: 2,
		Code: []uint32{
			encABx(OP_LOADI, 0, uint32(int16(1))),
			encABC(OP_RETURN, 0, 0, 0),
		},
	}
	sched := NewScheduler(1) // one instruction per tick forces interleaving
	method := ResolveMethod(rep, shared.Symbols)
	vm1 := NewVM(1, shared, method, Nil(), nil, DefaultPriority)
	vm2 := NewVM(2, shared, method, Nil(), nil, DefaultPriority)
	sched.Spawn(vm1)
	sched.Spawn(vm2)

	sched.Run(nil)

	if vm1.Status() != StatusDone || vm2.Status() != StatusDone {
		t.Fatalf("expected both VMs done, got %v and %v", vm1.Status(), vm2.Status())
	}
	if vm1.Result().Int() != 1 || vm2.Result().Int() != 1 {
		t.Fatalf("expected both VMs to return 1, got %d and %d", vm1.Result().Int(), vm2.Result().Int())
	}
}

// TestSleepTransitionsToWaitingAndTimerTickPromotesIt exercises spec.md §5's
// suspension point / tick() scenario (S4): a VM that calls Sleep stops
// dispatching, the scheduler does not grant it further quanta while
// waiting, and TimerTick promotes it back to ready once its countdown
// elapses so it can finish on a later Tick.
func TestSleepTransitionsToWaitingAndTimerTickPromotesIt(t *testing.T) {
	shared := newTestShared()
	rep := &irep.Irep{
		NRegs: 2,
		Code: []uint32{
			encABx(OP_LOADI, 1, uint32(int16(3))),
			encABC(OP_RETURN, 1, 0, 0),
		},
	}
	method := ResolveMethod(rep, shared.Symbols)
	vm := NewVM(1, shared, method, Nil(), nil, DefaultPriority)

	vm.Sleep(2)
	if vm.Status() != StatusWaiting {
		t.Fatalf("status = %v, want waiting immediately after Sleep", vm.Status())
	}

	sched := NewScheduler(100)
	sched.Spawn(vm)

	if sched.Tick() {
		t.Fatal("Tick granted a quantum to a waiting VM")
	}
	if vm.Status() != StatusWaiting {
		t.Fatalf("status = %v, want still waiting", vm.Status())
	}

	sched.TimerTick() // countdown: 2 -> 1
	if vm.Status() != StatusWaiting {
		t.Fatalf("status = %v, want still waiting after one TimerTick", vm.Status())
	}
	sched.TimerTick() // countdown: 1 -> 0, promotes to ready

	if vm.Status() != StatusReady {
		t.Fatalf("status = %v, want ready after the countdown elapsed", vm.Status())
	}
	if !sched.Tick() {
		t.Fatal("Tick did not run the now-ready VM")
	}
	if vm.Status() != StatusDone || vm.Result().Int() != 3 {
		t.Fatalf("status=%v result=%v, want done/3", vm.Status(), vm.Result())
	}
}

// TestClassExecMethodDefinesAndDispatchesBytecodeMethod exercises spec.md
// §4.7.1's CLASS/EXEC/METHOD triple end to end through real bytecode, the
// shape a compiler emits for `class Greeter; def hi; 42; end; end`: CLASS
// creates the class, EXEC runs its body with self/target rebound to that
// class, the body's LAMBDA+METHOD installs a bytecode method on it, and a
// subsequent SEND against the class value dispatches into that method.
func TestClassExecMethodDefinesAndDispatchesBytecodeMethod(t *testing.T) {
	methodBody := &irep.Irep{
		NRegs: 2,
		Code: []uint32{
			encABx(OP_LOADI, 1, uint32(int16(42))),
			encABC(OP_RETURN, 1, 0, 0),
		},
	}
	classBody := &irep.Irep{
		NRegs: 2,
		Syms:  []string{"hi"},
		Code: []uint32{
			encABx(OP_LAMBDA, 1, 0),
			encABC(OP_METHOD, 0, 0, 1),
			encABC(OP_RETURN, 0, 0, 0),
		},
		Reps: []*irep.Irep{methodBody},
	}
	outer := &irep.Irep{
		NRegs: 2,
		Syms:  []string{"Greeter", "hi"},
		Code: []uint32{
			encABC(OP_CLASS, 1, 0, 0),
			encABx(OP_EXEC, 1, 0),
			encABC(OP_SEND, 1, 1, 0),
			encABC(OP_RETURN, 1, 0, 0),
		},
		Reps: []*irep.Irep{classBody},
	}

	shared := newTestShared()
	method := ResolveMethod(outer, shared.Symbols)
	vm := NewVM(1, shared, method, Nil(), nil, DefaultPriority)
	vm.Run(100)

	if vm.Status() != StatusDone {
		t.Fatalf("status = %v, err=%v", vm.Status(), vm.Err())
	}
	if got := vm.Result().Int(); got != 42 {
		t.Fatalf("result = %d, want 42 (method defined via CLASS/EXEC/METHOD bytecode)", got)
	}

	cls := shared.Classes.Lookup(shared.Symbols.Intern("Greeter"))
	if cls == nil {
		t.Fatal("CLASS did not register \"Greeter\" in the class registry")
	}
	if FindMethod(cls, shared.Symbols.Intern("hi")) == nil {
		t.Fatal("METHOD did not install \"hi\" on the class EXEC ran the body against")
	}
}

// TestCompareDelegatesToArrayHashRangeEqual exercises spec.md §4.3: Compare
// on heap container types must delegate to their own Equal rather than
// falling back to pointer identity, so two independently built but
// value-equal containers compare equal.
func TestCompareDelegatesToArrayHashRangeEqual(t *testing.T) {
	a1 := NewArray(2)
	a1.Push(Int(1))
	a1.Push(Int(2))
	a2 := NewArray(2)
	a2.Push(Int(1))
	a2.Push(Int(2))
	if !Compare(ArrayVal(a1), ArrayVal(a2)) {
		t.Fatal("two independently built, value-equal arrays should compare equal")
	}
	a3 := NewArray(2)
	a3.Push(Int(1))
	a3.Push(Int(3))
	if Compare(ArrayVal(a1), ArrayVal(a3)) {
		t.Fatal("arrays differing in an element should not compare equal")
	}

	h1 := NewHash()
	h1.Set(SymbolVal(1), Int(10))
	h2 := NewHash()
	h2.Set(SymbolVal(1), Int(10))
	if !Compare(HashVal(h1), HashVal(h2)) {
		t.Fatal("two independently built, value-equal hashes should compare equal")
	}
	h2.Set(SymbolVal(1), Int(11))
	if Compare(HashVal(h1), HashVal(h2)) {
		t.Fatal("hashes differing in a value should not compare equal")
	}

	r1 := NewRange(Int(1), Int(5), false)
	r2 := NewRange(Int(1), Int(5), false)
	if !Compare(RangeVal(r1), RangeVal(r2)) {
		t.Fatal("two independently built, value-equal ranges should compare equal")
	}
	r3 := NewRange(Int(1), Int(5), true)
	if Compare(RangeVal(r1), RangeVal(r3)) {
		t.Fatal("ranges differing only in exclusivity should not compare equal")
	}
}

// TestCompareOpOrdersStringsLexicographically exercises spec.md §3's "total-
// orders values of equal tag" and §4.3's string-by-bytes comparison: LT/LE/
// GT/GE must order strings, not just numbers.
func TestCompareOpOrdersStringsLexicographically(t *testing.T) {
	shared := newTestShared()
	rep := &irep.Irep{
		NRegs: 3,
		Pool: []irep.PoolEntry{
			{Kind: irep.PoolString, Str: "abc"},
			{Kind: irep.PoolString, Str: "abd"},
		},
		Code: []uint32{
			encABx(OP_STRING, 0, 0),
			encABx(OP_STRING, 1, 1),
			encABC(OP_LT, 2, 0, 1),
			encABC(OP_RETURN, 2, 0, 0),
		},
	}
	method := ResolveMethod(rep, shared.Symbols)
	vm := NewVM(1, shared, method, Nil(), nil, DefaultPriority)
	vm.Run(100)

	if vm.Status() != StatusDone {
		t.Fatalf("status = %v, err=%v", vm.Status(), vm.Err())
	}
	if !vm.Result().Truthy() {
		t.Fatal("\"abc\" < \"abd\" should be true under lexicographic byte order")
	}
}

// TestSchedulerDispatchesHigherPriorityFirst exercises spec.md §4.7.4: ready
// VMs are dispatched by priority, not plain arrival order, and same-priority
// ties round-robin.
func TestSchedulerDispatchesHigherPriorityFirst(t *testing.T) {
	shared := newTestShared()
	rep := &irep.Irep{
		NRegs: 2,
		Code: []uint32{
			encABx(OP_LOADI, 0, uint32(int16(1))),
			encABC(OP_RETURN, 0, 0, 0),
		},
	}
	method := ResolveMethod(rep, shared.Symbols)

	sched := NewScheduler(1) // one instruction per tick: dispatch order is observable
	low := NewVM(1, shared, method, Nil(), nil, 0)
	high := NewVM(2, shared, method, Nil(), nil, 5)
	sched.Spawn(low)
	sched.Spawn(high)

	sched.Tick()
	// A VM that ran its one-instruction slice is back to StatusReady, so the
	// dispatch order shows in each VM's pc rather than in its status.
	if pc := high.current().pc; pc != 1 {
		t.Fatalf("higher-priority VM should have run on the first tick, got pc %d", pc)
	}
	if pc := low.current().pc; pc != 0 {
		t.Fatalf("lower-priority VM should not have run while a higher-priority VM was ready, got pc %d", pc)
	}

	sched.Run(nil)
	if low.Status() != StatusDone || high.Status() != StatusDone {
		t.Fatalf("expected both VMs done, got %v and %v", low.Status(), high.Status())
	}
}

// TestMaxRegistersCapsFrameSize exercises spec.md §6's max register-file size
// build flag: pushFrame must refuse to allocate a frame whose register count
// exceeds Shared.MaxRegisters rather than silently growing past it.
func TestMaxRegistersCapsFrameSize(t *testing.T) {
	rep := &irep.Irep{
		NRegs: 8,
		Code: []uint32{
			encABC(OP_RETURN, 0, 0, 0),
		},
	}
	shared := newTestShared()
	shared.MaxRegisters = 4
	method := ResolveMethod(rep, shared.Symbols)
	vm := NewVM(1, shared, method, Nil(), nil, DefaultPriority)

	if vm.Status() != StatusError {
		t.Fatalf("status = %v, want error (register file of %d exceeds max_registers of 4)", vm.Status(), rep.NRegs)
	}
}

// TestFrameRegistersChargeAndReleaseArena exercises the pool wiring behind
// pushFrame/popFrame: a running VM holds a nonzero reservation against the
// shared arena, and a finished VM's reservation is fully returned once its
// last frame pops, leaving the pool exactly as it started.
func TestFrameRegistersChargeAndReleaseArena(t *testing.T) {
	rep := &irep.Irep{
		NRegs: 4,
		Code: []uint32{
			encABx(OP_LOADI, 1, uint32(int16(10))),
			encABC(OP_RETURN, 1, 0, 0),
		},
	}
	shared := newTestShared()
	_, usedBefore, _, _ := shared.Pool.Statistics()

	method := ResolveMethod(rep, shared.Symbols)
	vm := NewVM(1, shared, method, Nil(), nil, DefaultPriority)

	_, usedMid, _, _ := shared.Pool.Statistics()
	if usedMid <= usedBefore {
		t.Fatalf("used = %d after pushing a frame, want more than %d", usedMid, usedBefore)
	}

	vm.Run(100)
	if vm.Status() != StatusDone {
		t.Fatalf("status = %v, want done (err=%v)", vm.Status(), vm.Err())
	}

	_, usedAfter, _, _ := shared.Pool.Statistics()
	if usedAfter != usedBefore {
		t.Fatalf("used = %d after the VM finished, want %d (fully released)", usedAfter, usedBefore)
	}
}
