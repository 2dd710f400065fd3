package pool

import (
	"testing"

	fuzz "github.com/google/gofuzz"
)

func TestAllocFreeRoundTrip(t *testing.T) {
	p := New(make([]byte, 1024))

	a, err := p.Alloc(1, 64)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	b, err := p.Alloc(1, 64)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct addresses, got %d twice", a)
	}

	if _, _, free, _ := p.Statistics(); free != 1024-128 {
		t.Fatalf("free = %d, want %d", free, 1024-128)
	}

	if err := p.Free(a); err != nil {
		t.Fatalf("free: %v", err)
	}
	if err := p.Free(b); err != nil {
		t.Fatalf("free: %v", err)
	}

	total, used, free, fragment := p.Statistics()
	if used != 0 {
		t.Errorf("used = %d, want 0 after freeing everything", used)
	}
	if free != total {
		t.Errorf("free = %d, want %d (fully reclaimed)", free, total)
	}
	if fragment != 0 {
		t.Errorf("fragment = %d, want 0 after coalescing", fragment)
	}
}

func TestDoubleFree(t *testing.T) {
	p := New(make([]byte, 128))
	a, err := p.Alloc(1, 16)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if err := p.Free(a); err != nil {
		t.Fatalf("first free: %v", err)
	}
	if err := p.Free(a); err != ErrDoubleFree {
		t.Fatalf("second free: got %v, want ErrDoubleFree", err)
	}
}

func TestOutOfMemory(t *testing.T) {
	p := New(make([]byte, 32))
	if _, err := p.Alloc(1, 64); err != ErrOutOfMemory {
		t.Fatalf("got %v, want ErrOutOfMemory", err)
	}
}

func TestFreeVMReclaimsOnlyOwnedBlocks(t *testing.T) {
	p := New(make([]byte, 256))
	a, _ := p.Alloc(1, 32)
	b, _ := p.Alloc(2, 32)

	p.FreeVM(1)

	_, used, _, _ := p.Statistics()
	if used != 32 {
		t.Fatalf("used = %d, want 32 (VM 2's block still live)", used)
	}
	if err := p.Free(a); err != ErrDoubleFree {
		t.Fatalf("VM 1's block should already be free, got %v", err)
	}
	if err := p.Free(b); err != nil {
		t.Fatalf("VM 2's block should still be freeable: %v", err)
	}
}

func TestAtBoundsChecksLiveAllocation(t *testing.T) {
	p := New(make([]byte, 64))
	a, _ := p.Alloc(1, 16)

	if _, err := p.At(a, 16); err != nil {
		t.Fatalf("At within bounds: %v", err)
	}
	if _, err := p.At(a, 17); err == nil {
		t.Fatalf("expected ErrInvalidAddress reading past the allocation")
	}
	if _, err := p.At(a+100, 1); err == nil {
		t.Fatalf("expected ErrInvalidAddress for an address outside any allocation")
	}
}

// TestAllocFreeNeverLeaks exercises property 1 from spec.md §8: for any
// sequence of alloc/free pairings, the pool's used count returns to its
// initial level and no memory is leaked.
func TestAllocFreeNeverLeaks(t *testing.T) {
	f := fuzz.New().NilChance(0).NumElements(1, 40)
	for iter := 0; iter < 50; iter++ {
		p := New(make([]byte, 16*1024))
		var sizes []uint32
		f.Fuzz(&sizes)

		var live []uint32
		for _, raw := range sizes {
			size := raw%256 + 1
			addr, err := p.Alloc(7, size)
			if err != nil {
				continue // pool exhausted for this draw; not a correctness failure
			}
			live = append(live, addr)
		}
		for _, addr := range live {
			if err := p.Free(addr); err != nil {
				t.Fatalf("unexpected free error: %v", err)
			}
		}
		if _, used, _, _ := p.Statistics(); used != 0 {
			t.Fatalf("used = %d after freeing every live allocation, want 0", used)
		}
	}
}
