package rt

// Scheduler cooperatively multiplexes a fixed set of VMs onto one thread of
// execution: tick() lets the next ready VM run a bounded instruction slice,
// run() drains the ready queue to completion, and idle() is the hook called
// when every VM is waiting and none is runnable.
//
// Ready/running/waiting are tracked per VM (VM.Status), not as separate
// queues, but dispatch is priority-ordered (spec.md §4.7.4): each Tick scans
// for the highest VM.Priority among StatusReady VMs and round-robins among
// that tier only, so a lower-priority VM never runs while a higher-priority
// one is ready. A flat slice scanned by priority each tick behaves the same
// as one queue per priority level without the bookkeeping of rebucketing a
// VM every time TimerTick promotes it from waiting back to ready.
//
// There is no preemption and no locking: a VM only ever yields the processor
// back to the scheduler between instructions, by exhausting its slice,
// finishing, failing, or being put to sleep by a built-in, so the pool and
// symbol table's single-goroutine invariant holds for the whole run.
type Scheduler struct {
	vms   []*VM
	next  int // round-robin cursor into vms, scoped to the current priority tier
	slice int // instructions granted per tick
}

// NewScheduler creates a Scheduler that grants each VM sliceLen instructions
// per tick before moving to the next ready one. sliceLen <= 0 selects a
// default of 256.
func NewScheduler(sliceLen int) *Scheduler {
	if sliceLen <= 0 {
		sliceLen = 256
	}
	return &Scheduler{slice: sliceLen}
}

// Spawn adds vm to the scheduler's run set.
func (s *Scheduler) Spawn(vm *VM) {
	s.vms = append(s.vms, vm)
}

// Len returns the number of VMs the scheduler still tracks (done or errored
// VMs are pruned lazily by Tick, not immediately on completion).
func (s *Scheduler) Len() int { return len(s.vms) }

// Tick runs one slice of the highest-priority ready VM, round-robin among
// ties (spec.md §4.7.4), and reports whether any work happened. It prunes
// finished VMs from the run set as it finds them.
func (s *Scheduler) Tick() bool {
	for i := 0; i < len(s.vms); i++ {
		idx := (s.next + i) % len(s.vms)
		if status := s.vms[idx].Status(); status == StatusDone || status == StatusError {
			s.remove(idx)
			return s.Len() > 0 && s.Tick()
		}
	}
	if len(s.vms) == 0 {
		return false
	}

	best, any := 0, false
	for _, vm := range s.vms {
		if vm.Status() == StatusReady && (!any || vm.Priority > best) {
			best, any = vm.Priority, true
		}
	}
	if !any {
		return false
	}

	n := len(s.vms)
	for i := 0; i < n; i++ {
		idx := (s.next + i) % n
		vm := s.vms[idx]
		if vm.Status() == StatusReady && vm.Priority == best {
			vm.Run(s.slice)
			s.next = (idx + 1) % max1(len(s.vms))
			return true
		}
	}
	return false
}

// TimerTick advances every waiting VM's sleep countdown by one unit,
// promoting it back to ready once its deadline elapses. A host calls this
// from its periodic timer ISR (spec.md §4.7.4); it is distinct from Tick,
// which instead grants the next ready VM a dispatch slice — the ISR and the
// main dispatch loop are different callers in the embedding model, and
// nothing stops a host from calling TimerTick many times per Tick or vice
// versa.
func (s *Scheduler) TimerTick() {
	for _, vm := range s.vms {
		vm.timerTick()
	}
}

func (s *Scheduler) remove(idx int) {
	s.vms = append(s.vms[:idx], s.vms[idx+1:]...)
}

func max1(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

// Run ticks the scheduler until no VM is ready, calling idle whenever a
// full pass finds nothing runnable (idle may be nil). It returns once every
// spawned VM has reached StatusDone or StatusError, or idle returns false.
func (s *Scheduler) Run(idle func() bool) {
	for s.Len() > 0 {
		if s.Tick() {
			continue
		}
		if idle == nil || !idle() {
			return
		}
	}
}

// VMs returns the scheduler's current run set, for statistics or debugging.
func (s *Scheduler) VMs() []*VM { return s.vms }
