// Package engine is the host embedding surface: it owns the process-wide
// Shared state (allocator, symbol table, class registry, globals) and the
// scheduler, and exposes the handful of calls a host program needs to load
// bytecode, define native methods, spawn tasks and drive them to
// completion.
package engine

import (
	"fmt"
	"io"
	"os"

	"github.com/hasumikin/co2-demo/builtin"
	"github.com/hasumikin/co2-demo/config"
	"github.com/hasumikin/co2-demo/irep"
	"github.com/hasumikin/co2-demo/log"
	"github.com/hasumikin/co2-demo/pool"
	"github.com/hasumikin/co2-demo/rt"
	"github.com/hasumikin/co2-demo/symtab"
)

// Runtime is the single struct a host threads through its program: every
// VM it spawns shares this instance's allocator, symbols and classes.
type Runtime struct {
	cfg       *config.Config
	shared    *rt.Shared
	scheduler *rt.Scheduler
	logger    *log.Logger

	// idInUse is the bitmap CreateTask assigns VM ids from (spec.md §3: "At
	// most MAX_VM_COUNT VMs exist concurrently; ids are assigned from a
	// bitmap"), index i standing for VM id i+1. CleanupVM clears the bit a
	// finished VM held so its id can be reused.
	idInUse []bool
}

// New constructs a Runtime from cfg (config.Default() if nil), wiring the
// allocator arena, symbol table, class registry and bootstrap built-ins.
func New(cfg *config.Config, logger *log.Logger) *Runtime {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = log.Default
	}
	shared := rt.NewShared(symtab.New(cfg.Memory.MaxSymbols), pool.New(make([]byte, cfg.Memory.ArenaBytes)))
	shared.Logger = logger
	shared.Console = os.Stdout // default hal_write target; SetConsole overrides it
	shared.MaxRegisters = cfg.Memory.MaxRegisters
	builtin.Install(shared)

	maxVMs := cfg.Scheduler.MaxVMs
	if maxVMs <= 0 {
		maxVMs = 8
	}

	return &Runtime{
		cfg:       cfg,
		shared:    shared,
		scheduler: rt.NewScheduler(cfg.Scheduler.SliceLength),
		logger:    logger,
		idInUse:   make([]bool, maxVMs),
	}
}

// allocateID hands out the lowest free VM id within the configured
// MAX_VM_COUNT bitmap, or reports ok=false once every slot is taken.
func (r *Runtime) allocateID() (id uint32, ok bool) {
	for i, used := range r.idInUse {
		if !used {
			r.idInUse[i] = true
			return uint32(i + 1), true
		}
	}
	return 0, false
}

func (r *Runtime) freeID(id uint32) {
	if i := int(id) - 1; i >= 0 && i < len(r.idInUse) {
		r.idInUse[i] = false
	}
}

// LoadBytecode parses a RITE container into a resolved Method ready to run.
func (r *Runtime) LoadBytecode(data []byte) (*rt.Method, error) {
	irepCfg := irep.Config{Align32: r.cfg.Memory.Align32}
	rep, err := irep.Load(data, irepCfg)
	if err != nil {
		return nil, err
	}
	return rt.ResolveMethod(rep, r.shared.Symbols), nil
}

// DefineMethod registers a host native method on the class named
// className (creating it off Object if it does not exist yet).
func (r *Runtime) DefineMethod(className, methodName string, fn rt.NativeFunc) {
	nameSym := r.shared.Symbols.Intern(className)
	class := r.shared.Classes.DefineClass(nameSym, r.shared.ObjectClass)
	class.DefineMethod(r.shared.Symbols.Intern(methodName), fn)
}

// CreateTask spawns a new VM running method from self with args at the
// given scheduling priority (spec.md §4.7.4's create_task(bytecode_ptr,
// priority)), and enrolls it in the scheduler. It returns an error instead
// of a VM once MAX_VM_COUNT VMs (spec.md §3) are already live; the host
// must CleanupVM a finished task before another can be spawned at the cap.
func (r *Runtime) CreateTask(method *rt.Method, self rt.Value, args []rt.Value, priority int) (*rt.VM, error) {
	id, ok := r.allocateID()
	if !ok {
		return nil, fmt.Errorf("engine: at MAX_VM_COUNT (%d) concurrent VMs", len(r.idInUse))
	}
	vm := rt.NewVM(id, r.shared, method, self, args, priority)
	r.scheduler.Spawn(vm)
	return vm, nil
}

// Run drains the scheduler's ready queue to completion, calling idle
// whenever a full pass finds no VM ready (idle may be nil, in which case
// Run returns as soon as nothing is runnable).
func (r *Runtime) Run(idle func() bool) {
	r.scheduler.Run(idle)
}

// Tick runs a single scheduling step, for hosts that drive their own loop
// (e.g. interleaving VM execution with I/O polling).
func (r *Runtime) Tick() bool {
	return r.scheduler.Tick()
}

// TimerTick services one timer-ISR tick: it advances every waiting VM's
// sleep countdown, promoting expired ones back to ready. A host wires this
// to its hardware timer interrupt (spec.md §4.7.4, §6); it never runs VM
// code itself, so it is safe to call from an ISR context that Tick is not.
func (r *Runtime) TimerTick() {
	r.scheduler.TimerTick()
}

// PoolStatistics exposes the backing allocator's statistics for host
// diagnostics.
func (r *Runtime) PoolStatistics() (total, used, free, fragment uint32) {
	return r.shared.Pool.Statistics()
}

// Shared returns the process-wide state, for packages (e.g. a debugger)
// that need lower-level access than this API exposes.
func (r *Runtime) Shared() *rt.Shared { return r.shared }

// SetConsole redirects Kernel#puts output to w (the host's hal_write hook),
// in place of the default os.Stdout. Passing nil silences console output.
func (r *Runtime) SetConsole(w io.Writer) {
	r.shared.Console = w
}

// CleanupVM bulk-reclaims everything the allocator still attributes to vm,
// the call a host makes once it has consumed a finished VM's result and no
// longer needs its state. The scheduler already drops done/errored VMs from
// its own run set as it ticks past them; this only concerns the allocator.
func (r *Runtime) CleanupVM(vm *rt.VM) {
	r.shared.Pool.FreeVM(vm.ID)
	r.freeID(vm.ID)
}
