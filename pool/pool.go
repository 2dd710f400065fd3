// Package pool implements the fixed-size memory allocator the VM core runs
// on. A Pool owns exactly one caller-supplied contiguous byte arena (as if it
// were a static array carved out of a microcontroller's SRAM at startup); the
// arena never grows. Block bookkeeping lives in an ordinary Go slice outside
// the arena, and Alloc may grow that slice when it splits a block.
//
// Every live allocation is tagged with the id of the VM that owns it (0 means
// process-global, e.g. the symbol table or class registry). FreeVM walks the
// pool once and releases every block tagged with a given VM id, giving the
// host (engine.Runtime.CleanupVM) a single call to reclaim everything a
// terminated task held.
package pool

import (
	"errors"
	"fmt"
)

// ErrOutOfMemory is returned by Alloc/RawAlloc when no free block is large
// enough to satisfy the request. Callers must treat this as the allocator's
// "returns a null result" failure mode and propagate it.
var ErrOutOfMemory = errors.New("pool: out of memory")

// ErrDoubleFree is returned by Free when addr is not the base of a live
// allocation.
var ErrDoubleFree = errors.New("pool: double free")

// ErrInvalidAddress is returned by At when [addr, addr+size) does not fall
// entirely within one live allocation.
var ErrInvalidAddress = errors.New("pool: invalid address")

// block is bookkeeping for one region of the arena. Blocks are kept sorted by
// base and partition the arena completely: every byte belongs to exactly one
// block, free or used. Metadata lives here rather than inline in the arena
// (unlike a from-scratch C allocator) because Go gives us a straightforward
// place to keep it without reserving bytes out of the caller's arena.
type block struct {
	base, size uint32
	vmID       uint32 // meaningful only when used; 0 = process-global
	used       bool
}

// Pool is a fixed-pool allocator over a single contiguous arena.
type Pool struct {
	arena  []byte
	blocks []block
	used   uint32
}

// New carves a Pool out of arena. The Pool takes ownership of arena's
// backing storage; the caller must not use arena directly afterward.
func New(arena []byte) *Pool {
	p := &Pool{arena: arena}
	if len(arena) > 0 {
		p.blocks = []block{{base: 0, size: uint32(len(arena))}}
	}
	return p
}

// Size returns the total size of the backing arena in bytes.
func (p *Pool) Size() uint32 { return uint32(len(p.arena)) }

// RawAlloc reserves size bytes tagged as process-global (vmID 0) and returns
// their base offset into the arena. It is equivalent to Alloc(0, size).
func (p *Pool) RawAlloc(size uint32) (uint32, error) {
	return p.Alloc(0, size)
}

// RawFree releases the block at addr regardless of which VM owns it.
func (p *Pool) RawFree(addr uint32) error {
	return p.Free(addr)
}

// Alloc reserves size bytes tagged with vmID using first-fit over the free
// list, splitting the chosen block if it is larger than needed. It returns
// ErrOutOfMemory if no free block is big enough.
func (p *Pool) Alloc(vmID uint32, size uint32) (uint32, error) {
	if size == 0 {
		return 0, fmt.Errorf("pool: alloc called with zero size")
	}
	for i := range p.blocks {
		b := &p.blocks[i]
		if b.used || b.size < size {
			continue
		}
		addr := b.base
		if b.size > size {
			// Split: shrink this block to the requested size and insert a new
			// free block for the remainder immediately after it.
			remainder := block{base: b.base + size, size: b.size - size}
			b.size = size
			p.blocks = append(p.blocks, block{})
			copy(p.blocks[i+2:], p.blocks[i+1:])
			p.blocks[i+1] = remainder
			b = &p.blocks[i] // append may have moved the backing array
		}
		b.used = true
		b.vmID = vmID
		p.used += size
		return addr, nil
	}
	return 0, ErrOutOfMemory
}

// Free releases the allocation whose base address is addr, coalescing with
// adjacent free blocks. It returns ErrDoubleFree if addr is not a live
// allocation's base.
func (p *Pool) Free(addr uint32) error {
	idx := -1
	for i := range p.blocks {
		if p.blocks[i].base == addr && p.blocks[i].used {
			idx = i
			break
		}
	}
	if idx == -1 {
		return ErrDoubleFree
	}
	p.used -= p.blocks[idx].size
	p.blocks[idx].used = false
	p.blocks[idx].vmID = 0
	p.coalesce(idx)
	return nil
}

// FreeVM releases every live block tagged with vmID. It is the bulk
// reclamation hook engine.Runtime.CleanupVM calls for a finished task.
func (p *Pool) FreeVM(vmID uint32) {
	for i := range p.blocks {
		if p.blocks[i].used && p.blocks[i].vmID == vmID {
			p.used -= p.blocks[i].size
			p.blocks[i].used = false
			p.blocks[i].vmID = 0
		}
	}
	p.coalesceAll()
}

// coalesce merges the block at idx with a free neighbor immediately
// preceding or following it.
func (p *Pool) coalesce(idx int) {
	if idx+1 < len(p.blocks) && !p.blocks[idx+1].used {
		p.blocks[idx].size += p.blocks[idx+1].size
		p.blocks = append(p.blocks[:idx+1], p.blocks[idx+2:]...)
	}
	if idx > 0 && !p.blocks[idx-1].used {
		p.blocks[idx-1].size += p.blocks[idx].size
		p.blocks = append(p.blocks[:idx], p.blocks[idx+1:]...)
	}
}

// coalesceAll merges every run of adjacent free blocks. Used after a bulk
// FreeVM pass where several non-adjacent blocks may have been freed at once.
func (p *Pool) coalesceAll() {
	for i := 0; i < len(p.blocks)-1; {
		if !p.blocks[i].used && !p.blocks[i+1].used {
			p.blocks[i].size += p.blocks[i+1].size
			p.blocks = append(p.blocks[:i+1], p.blocks[i+2:]...)
			continue
		}
		i++
	}
}

// At returns a slice view of [addr, addr+size) for direct read/write. The
// range must fall entirely within one live allocation.
func (p *Pool) At(addr, size uint32) ([]byte, error) {
	for _, b := range p.blocks {
		if b.used && addr >= b.base && addr+size <= b.base+b.size {
			return p.arena[addr : addr+size], nil
		}
	}
	return nil, fmt.Errorf("%w: addr=%d size=%d", ErrInvalidAddress, addr, size)
}

// Statistics reports total arena size, bytes in use, bytes free, and a
// fragmentation count: the number of free blocks beyond the first. A pool
// with all its free space in one contiguous block reports fragment == 0.
func (p *Pool) Statistics() (total, used, free, fragment uint32) {
	total = uint32(len(p.arena))
	used = p.used
	free = total - used
	freeBlocks := 0
	for _, b := range p.blocks {
		if !b.used {
			freeBlocks++
		}
	}
	if freeBlocks > 1 {
		fragment = uint32(freeBlocks - 1)
	}
	return
}
