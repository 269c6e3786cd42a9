package hop_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/KinderRiven/comanche/storage/hstore/heap"
	"github.com/KinderRiven/comanche/storage/hstore/hop"
	"github.com/KinderRiven/comanche/storage/hstore/region"
	"github.com/KinderRiven/comanche/storage/kvstore"
)

func buildTable(t *testing.T, kind heap.Kind) (*hop.Table, func() *hop.Table) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "pool")
	reg, err := region.Create(path, 8*1024*1024)

	if err != nil {
		t.Fatalf("could not create region: %s", err.Error())
	}

	alloc, err := heap.Format(reg, kind)

	if err != nil {
		t.Fatalf("could not format heap: %s", err.Error())
	}

	table, err := hop.Format(reg, alloc, hop.Config{BaseLg: 6})

	if err != nil {
		t.Fatalf("could not format table: %s", err.Error())
	}

	t.Cleanup(func() { reg.Close() })

	reopen := func() *hop.Table {
		if err := reg.Close(); err != nil {
			t.Fatalf("could not close region: %s", err.Error())
		}

		reg, err = region.Open(path)

		if err != nil {
			t.Fatalf("could not reopen region: %s", err.Error())
		}

		alloc, err := heap.Open(reg)

		if err != nil {
			t.Fatalf("could not reopen heap: %s", err.Error())
		}

		table, err := hop.Open(reg, alloc, hop.Config{})

		if err != nil {
			t.Fatalf("could not reopen table: %s", err.Error())
		}

		return table
	}

	return table, reopen
}

func TestInsertGetRoundTrip(t *testing.T) {
	for _, kind := range []heap.Kind{heap.KindCC, heap.KindCO, heap.KindRC} {
		t.Run(fmt.Sprintf("heap-%d", kind), func(t *testing.T) {
			table, _ := buildTable(t, kind)

			// both inline and out-of-line values
			values := map[string][]byte{
				"k":     []byte("v"),
				"k2":    []byte("hello world"),
				"large": make([]byte, 1000),
			}

			for i := range values["large"] {
				values["large"][i] = byte(i)
			}

			for key, value := range values {
				if err := table.Insert([]byte(key), value); err != nil {
					t.Fatalf("insert %q: %s", key, err.Error())
				}
			}

			for key, want := range values {
				got, ok := table.Get([]byte(key))

				if !ok {
					t.Fatalf("key %q not found", key)
				}

				if diff := cmp.Diff(want, got); diff != "" {
					t.Errorf("value mismatch for %q (-want +got):\n%s", key, diff)
				}
			}

			if table.Count() != uint64(len(values)) {
				t.Errorf("count = %d, want %d", table.Count(), len(values))
			}

			if err := table.Validate(); err != nil {
				t.Errorf("invariant violated: %s", err.Error())
			}
		})
	}
}

func TestInsertDuplicate(t *testing.T) {
	table, _ := buildTable(t, heap.KindRC)

	if err := table.Insert([]byte("k"), []byte("v1")); err != nil {
		t.Fatalf("insert: %s", err.Error())
	}

	if err := table.Insert([]byte("k"), []byte("v2")); err != hop.ErrKeyExists {
		t.Fatalf("duplicate insert: got %v, want ErrKeyExists", err)
	}
}

func TestEraseFreesSlot(t *testing.T) {
	table, _ := buildTable(t, heap.KindRC)

	if err := table.Insert([]byte("k"), []byte("some value that spills out of line")); err != nil {
		t.Fatalf("insert: %s", err.Error())
	}

	if !table.Erase([]byte("k")) {
		t.Fatal("erase reported key absent")
	}

	if table.Erase([]byte("k")) {
		t.Fatal("second erase reported key present")
	}

	if _, ok := table.Get([]byte("k")); ok {
		t.Fatal("key still retrievable after erase")
	}

	if table.Count() != 0 {
		t.Errorf("count = %d after erase, want 0", table.Count())
	}

	if err := table.Validate(); err != nil {
		t.Errorf("invariant violated: %s", err.Error())
	}

	// the slot is reusable
	if err := table.Insert([]byte("k"), []byte("v2")); err != nil {
		t.Fatalf("reinsert: %s", err.Error())
	}
}

func TestResizeKeepsAllKeys(t *testing.T) {
	table, _ := buildTable(t, heap.KindRC)

	// base segment is 64 buckets; 1024 keys cross several resize
	// boundaries
	const n = 1024

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k%d", i))

		if err := table.Insert(key, []byte(fmt.Sprintf("%d", i))); err != nil {
			t.Fatalf("insert %d: %s", i, err.Error())
		}
	}

	for i := 0; i < n; i++ {
		got, ok := table.Get([]byte(fmt.Sprintf("k%d", i)))

		if !ok {
			t.Fatalf("key k%d lost after resize", i)
		}

		if string(got) != fmt.Sprintf("%d", i) {
			t.Errorf("k%d = %q, want %q", i, got, fmt.Sprintf("%d", i))
		}
	}

	if table.Count() != n {
		t.Errorf("count = %d, want %d", table.Count(), n)
	}

	if err := table.Validate(); err != nil {
		t.Errorf("invariant violated after resize: %s", err.Error())
	}
}

func TestReopenKeepsAllKeys(t *testing.T) {
	for _, kind := range []heap.Kind{heap.KindCO, heap.KindRC} {
		t.Run(fmt.Sprintf("heap-%d", kind), func(t *testing.T) {
			table, reopen := buildTable(t, kind)

			const n = 300

			for i := 0; i < n; i++ {
				if err := table.Insert([]byte(fmt.Sprintf("k%d", i)), []byte(fmt.Sprintf("value-%d", i))); err != nil {
					t.Fatalf("insert %d: %s", i, err.Error())
				}
			}

			table = reopen()

			for i := 0; i < n; i++ {
				got, ok := table.Get([]byte(fmt.Sprintf("k%d", i)))

				if !ok {
					t.Fatalf("key k%d lost across reopen", i)
				}

				if string(got) != fmt.Sprintf("value-%d", i) {
					t.Errorf("k%d = %q after reopen", i, got)
				}
			}

			if err := table.Validate(); err != nil {
				t.Errorf("invariant violated after reopen: %s", err.Error())
			}
		})
	}
}

func TestEnterUpdateAppliesOpsInOrder(t *testing.T) {
	table, _ := buildTable(t, heap.KindRC)

	if err := table.Insert([]byte("k"), []byte("hello world, hello world")); err != nil {
		t.Fatalf("insert: %s", err.Error())
	}

	ops := []kvstore.Operation{
		kvstore.WriteOp(0, []byte("HELLO")),
		kvstore.ZeroOp(12, 5),
	}

	if err := table.EnterUpdate([]byte("k"), ops); err != nil {
		t.Fatalf("update: %s", err.Error())
	}

	got, _ := table.Get([]byte("k"))
	want := []byte("HELLO world,\x00\x00\x00\x00\x00o world")

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("value after update (-want +got):\n%s", diff)
	}
}

func TestEnterUpdateRejectsBadOffsets(t *testing.T) {
	table, _ := buildTable(t, heap.KindRC)

	if err := table.Insert([]byte("k"), []byte("1234")); err != nil {
		t.Fatalf("insert: %s", err.Error())
	}

	err := table.EnterUpdate([]byte("k"), []kvstore.Operation{kvstore.WriteOp(2, []byte("abc"))})

	if err != hop.ErrBadOffset {
		t.Fatalf("got %v, want ErrBadOffset", err)
	}

	err = table.EnterUpdate([]byte("k"), []kvstore.Operation{kvstore.IncrementOp(0)})

	if err != hop.ErrBadOffset {
		t.Fatalf("increment on 4-byte value: got %v, want ErrBadOffset", err)
	}
}

func TestEnterReplaceSwapsSizes(t *testing.T) {
	table, reopen := buildTable(t, heap.KindRC)

	if err := table.Insert([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("insert: %s", err.Error())
	}

	if err := table.EnterReplace([]byte("k"), []byte("a much longer value than before")); err != nil {
		t.Fatalf("replace: %s", err.Error())
	}

	got, _ := table.Get([]byte("k"))

	if string(got) != "a much longer value than before" {
		t.Errorf("value after replace = %q", got)
	}

	table = reopen()
	got, _ = table.Get([]byte("k"))

	if string(got) != "a much longer value than before" {
		t.Errorf("value after replace and reopen = %q", got)
	}
}

func TestForEachVisitsEverything(t *testing.T) {
	table, _ := buildTable(t, heap.KindRC)

	want := map[string]string{}

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("k%d", i)
		want[key] = fmt.Sprintf("v%d", i)

		if err := table.Insert([]byte(key), []byte(want[key])); err != nil {
			t.Fatalf("insert: %s", err.Error())
		}
	}

	got := map[string]string{}

	table.ForEach(func(key, value []byte) bool {
		got[string(key)] = string(value)

		return true
	})

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("iteration mismatch (-want +got):\n%s", diff)
	}
}

func TestCorruptRegionRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool")
	reg, err := region.Create(path, region.MinPoolSize)

	if err != nil {
		t.Fatalf("create: %s", err.Error())
	}

	if err := reg.Close(); err != nil {
		t.Fatalf("close: %s", err.Error())
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0644)

	if err != nil {
		t.Fatalf("open file: %s", err.Error())
	}

	if _, err := f.WriteAt([]byte("BADMAGIC"), 0); err != nil {
		t.Fatalf("corrupt: %s", err.Error())
	}

	f.Close()

	if _, err := region.Open(path); err != region.ErrCorrupt {
		t.Fatalf("open corrupt region: got %v, want ErrCorrupt", err)
	}
}
