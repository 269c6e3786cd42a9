package heap_test

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/KinderRiven/comanche/storage/hstore/heap"
	"github.com/KinderRiven/comanche/storage/hstore/region"
)

func buildHeap(t *testing.T, kind heap.Kind) (heap.Allocator, *region.Region, func() heap.Allocator) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "pool")
	reg, err := region.Create(path, 4*1024*1024)

	if err != nil {
		t.Fatalf("create region: %s", err.Error())
	}

	alloc, err := heap.Format(reg, kind)

	if err != nil {
		t.Fatalf("format heap: %s", err.Error())
	}

	t.Cleanup(func() { reg.Close() })

	reopen := func() heap.Allocator {
		if err := reg.Close(); err != nil {
			t.Fatalf("close region: %s", err.Error())
		}

		reg, err = region.Open(path)

		if err != nil {
			t.Fatalf("reopen region: %s", err.Error())
		}

		alloc, err := heap.Open(reg)

		if err != nil {
			t.Fatalf("reopen heap: %s", err.Error())
		}

		return alloc
	}

	return alloc, reg, reopen
}

func kinds() []heap.Kind {
	return []heap.Kind{heap.KindCC, heap.KindCO, heap.KindRC}
}

func TestAllocateDistinctChunks(t *testing.T) {
	for _, kind := range kinds() {
		t.Run(fmt.Sprintf("heap-%d", kind), func(t *testing.T) {
			alloc, _, _ := buildHeap(t, kind)

			offsets := map[uint64]bool{}

			for i := 0; i < 100; i++ {
				off, err := alloc.Allocate(100, 8)

				if err != nil {
					t.Fatalf("allocate %d: %s", i, err.Error())
				}

				if off%8 != 0 {
					t.Errorf("offset %d not 8-aligned", off)
				}

				if !alloc.Owns(off) {
					t.Errorf("allocator disowns its own offset %d", off)
				}

				if offsets[off] {
					t.Fatalf("offset %d handed out twice", off)
				}

				offsets[off] = true
			}
		})
	}
}

func TestAllocateAlignment(t *testing.T) {
	for _, kind := range kinds() {
		t.Run(fmt.Sprintf("heap-%d", kind), func(t *testing.T) {
			alloc, _, _ := buildHeap(t, kind)

			for _, align := range []uint64{64, 512, 4096} {
				off, err := alloc.Allocate(64, align)

				if err != nil {
					t.Fatalf("allocate align %d: %s", align, err.Error())
				}

				if off%align != 0 {
					t.Errorf("offset %d not %d-aligned", off, align)
				}
			}

			if _, err := alloc.Allocate(8, 3); err != heap.ErrBadAlignment {
				t.Errorf("align 3: got %v, want ErrBadAlignment", err)
			}

			if _, err := alloc.Allocate(8, 8192); err != heap.ErrBadAlignment {
				t.Errorf("align 8192: got %v, want ErrBadAlignment", err)
			}
		})
	}
}

func TestDeallocateRecycles(t *testing.T) {
	for _, kind := range kinds() {
		t.Run(fmt.Sprintf("heap-%d", kind), func(t *testing.T) {
			alloc, _, _ := buildHeap(t, kind)

			off, err := alloc.Allocate(256, 8)

			if err != nil {
				t.Fatalf("allocate: %s", err.Error())
			}

			alloc.Deallocate(off, 256)

			again, err := alloc.Allocate(256, 8)

			if err != nil {
				t.Fatalf("reallocate: %s", err.Error())
			}

			if again != off {
				t.Errorf("freed chunk not recycled: got %d, want %d", again, off)
			}
		})
	}
}

func TestOutOfSpace(t *testing.T) {
	for _, kind := range kinds() {
		t.Run(fmt.Sprintf("heap-%d", kind), func(t *testing.T) {
			alloc, reg, _ := buildHeap(t, kind)

			if _, err := alloc.Allocate(reg.Size()*2, 8); err != heap.ErrOutOfSpace {
				t.Errorf("oversized allocate: got %v, want ErrOutOfSpace", err)
			}
		})
	}
}

// TestFreeListSurvivesReopen checks that persisted free state recovers:
// co and rc persist on every mutation; cc requires PersistFreeList.
func TestFreeListSurvivesReopen(t *testing.T) {
	for _, kind := range kinds() {
		t.Run(fmt.Sprintf("heap-%d", kind), func(t *testing.T) {
			alloc, _, reopen := buildHeap(t, kind)

			off, err := alloc.Allocate(128, 8)

			if err != nil {
				t.Fatalf("allocate: %s", err.Error())
			}

			keep, err := alloc.Allocate(128, 8)

			if err != nil {
				t.Fatalf("allocate: %s", err.Error())
			}

			alloc.Deallocate(off, 128)
			alloc.PersistFreeList()

			alloc = reopen()

			again, err := alloc.Allocate(128, 8)

			if err != nil {
				t.Fatalf("allocate after reopen: %s", err.Error())
			}

			if again != off {
				t.Errorf("recovered free list did not recycle %d, got %d", off, again)
			}

			if again == keep {
				t.Errorf("recovered allocator handed out a live chunk")
			}
		})
	}
}

// TestCoalescing exercises the rc variant's neighbor merging: freeing
// two adjacent chunks must allow an allocation spanning both.
func TestCoalescing(t *testing.T) {
	alloc, _, _ := buildHeap(t, heap.KindRC)

	a, err := alloc.Allocate(4096, 8)

	if err != nil {
		t.Fatalf("allocate: %s", err.Error())
	}

	b, err := alloc.Allocate(4096, 8)

	if err != nil {
		t.Fatalf("allocate: %s", err.Error())
	}

	// pin the tail so the merged extent is the only fit
	if _, err := alloc.Allocate(8, 8); err != nil {
		t.Fatalf("allocate: %s", err.Error())
	}

	if b != a+4096 {
		t.Fatalf("allocations not adjacent: %d then %d", a, b)
	}

	alloc.Deallocate(a, 4096)
	alloc.Deallocate(b, 4096)

	merged, err := alloc.Allocate(8192, 8)

	if err != nil {
		t.Fatalf("allocate merged: %s", err.Error())
	}

	if merged != a {
		t.Errorf("merged allocation at %d, want %d", merged, a)
	}
}
