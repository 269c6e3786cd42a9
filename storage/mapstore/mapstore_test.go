package mapstore_test

import (
	"fmt"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/KinderRiven/comanche/storage/kvstore"
	"github.com/KinderRiven/comanche/storage/mapstore"
)

func newPool(t *testing.T) (kvstore.Store, kvstore.PoolID) {
	t.Helper()

	store := mapstore.New(nil)
	t.Cleanup(func() { store.Close() })

	pool, err := store.CreatePool("/mem", "t1", 0, 0, 0)

	if err != nil {
		t.Fatalf("create pool: %s", err.Error())
	}

	return store, pool
}

func TestRoundTrip(t *testing.T) {
	store, pool := newPool(t)

	if err := store.Put(pool, "k", []byte("v")); err != nil {
		t.Fatalf("put: %s", err.Error())
	}

	got, err := store.Get(pool, "k")

	if err != nil {
		t.Fatalf("get: %s", err.Error())
	}

	if diff := cmp.Diff([]byte("v"), got); diff != "" {
		t.Errorf("value mismatch (-want +got):\n%s", diff)
	}

	if _, err := store.Get(pool, "absent"); err != kvstore.ErrKeyNotFound {
		t.Errorf("absent get: got %v, want ErrKeyNotFound", err)
	}
}

func TestOverwriteAndErase(t *testing.T) {
	store, pool := newPool(t)

	store.Put(pool, "k", []byte("v1"))
	store.Put(pool, "k", []byte("longer value two"))

	got, _ := store.Get(pool, "k")

	if string(got) != "longer value two" {
		t.Errorf("value = %q", got)
	}

	if n, _ := store.Count(pool); n != 1 {
		t.Errorf("count = %d, want 1", n)
	}

	if err := store.Erase(pool, "k"); err != nil {
		t.Fatalf("erase: %s", err.Error())
	}

	if err := store.Erase(pool, "k"); err != kvstore.ErrKeyNotFound {
		t.Errorf("double erase: got %v, want ErrKeyNotFound", err)
	}
}

func TestMapIsSorted(t *testing.T) {
	store, pool := newPool(t)

	keys := []string{"delta", "alpha", "charlie", "bravo"}

	for _, key := range keys {
		store.Put(pool, key, []byte(key))
	}

	var visited []string

	store.Map(pool, func(key string, value []byte) bool {
		visited = append(visited, key)

		return true
	})

	want := append([]string(nil), keys...)
	sort.Strings(want)

	if diff := cmp.Diff(want, visited); diff != "" {
		t.Errorf("iteration order (-want +got):\n%s", diff)
	}
}

func TestAtomicUpdateOps(t *testing.T) {
	store, pool := newPool(t)

	store.Put(pool, "k", make([]byte, 16))

	ops := []kvstore.Operation{
		kvstore.WriteOp(0, []byte("abcd")),
		kvstore.IncrementOp(8),
		kvstore.IncrementOp(8),
		kvstore.CASOp(8, 2, 100),
	}

	if err := store.AtomicUpdate(pool, "k", ops, false); err != nil {
		t.Fatalf("atomic update: %s", err.Error())
	}

	got, _ := store.Get(pool, "k")

	if string(got[:4]) != "abcd" {
		t.Errorf("write op missed: %q", got[:4])
	}

	if got[8] != 100 {
		t.Errorf("cas result = %d, want 100", got[8])
	}

	err := store.AtomicUpdate(pool, "k", []kvstore.Operation{kvstore.WriteOp(14, []byte("xyz"))}, false)

	if err != kvstore.ErrBadOffset {
		t.Errorf("out-of-range op: got %v, want ErrBadOffset", err)
	}
}

func TestLockSemantics(t *testing.T) {
	store, pool := newPool(t)

	// lock creates the key with the requested size
	h, v, err := store.Lock(pool, "fresh", kvstore.LockWrite, 8)

	if err != nil || h == kvstore.LockNone {
		t.Fatalf("lock: handle %d err %v", h, err)
	}

	if len(v) != 8 {
		t.Errorf("created value size = %d, want 8", len(v))
	}

	if h2, _, _ := store.Lock(pool, "fresh", kvstore.LockRead, 0); h2 != kvstore.LockNone {
		t.Error("read lock succeeded under write lock")
	}

	store.Unlock(pool, h)

	r1, _, _ := store.Lock(pool, "fresh", kvstore.LockRead, 0)
	r2, _, _ := store.Lock(pool, "fresh", kvstore.LockRead, 0)

	if r1 == kvstore.LockNone || r2 == kvstore.LockNone {
		t.Fatal("stacked read locks failed")
	}

	store.Unlock(pool, r1)
	store.Unlock(pool, r2)
}

func TestPoolNamespaces(t *testing.T) {
	store := mapstore.New(nil)
	defer store.Close()

	p1, err := store.CreatePool("/mem", "a", 0, 0, 0)

	if err != nil {
		t.Fatalf("create: %s", err.Error())
	}

	p2, err := store.CreatePool("/mem", "b", 0, 0, 0)

	if err != nil {
		t.Fatalf("create: %s", err.Error())
	}

	store.Put(p1, "k", []byte("one"))
	store.Put(p2, "k", []byte("two"))

	got, _ := store.Get(p1, "k")

	if string(got) != "one" {
		t.Errorf("pool a value = %q", got)
	}

	if _, err := store.CreatePool("/mem", "a", 0, 0, 0); err != kvstore.ErrAlreadyExists {
		t.Errorf("duplicate create: got %v, want ErrAlreadyExists", err)
	}

	if err := store.DeletePool(p1); err != nil {
		t.Fatalf("delete: %s", err.Error())
	}

	if _, err := store.Get(p1, "k"); err != kvstore.ErrPoolNotFound {
		t.Errorf("deleted pool get: got %v, want ErrPoolNotFound", err)
	}
}

func TestIndexFind(t *testing.T) {
	index := mapstore.NewIndex()

	for i := 0; i < 10; i++ {
		if err := index.Insert(fmt.Sprintf("key-%d", i)); err != nil {
			t.Fatalf("insert: %s", err.Error())
		}
	}

	// positions are ascending key order: key-0, key-1, ...
	key, pos, err := index.Find("key-3", 0, mapstore.FindExact, 9)

	if err != nil || key != "key-3" || pos != 3 {
		t.Errorf("exact find = (%q, %d, %v)", key, pos, err)
	}

	// the end position is an inclusive bound: a match past it is missed
	if _, _, err := index.Find("key-5", 0, mapstore.FindExact, 4); err != mapstore.ErrNoMatch {
		t.Errorf("bounded find: got %v, want ErrNoMatch", err)
	}

	key, pos, err = index.Find("key-[0-9]", 4, mapstore.FindRegex, 9)

	if err != nil || key != "key-4" || pos != 4 {
		t.Errorf("regex find = (%q, %d, %v)", key, pos, err)
	}

	key, pos, err = index.Find("", 2, mapstore.FindNext, 9)

	if err != nil || key != "key-3" || pos != 3 {
		t.Errorf("next find = (%q, %d, %v)", key, pos, err)
	}

	if _, _, err := index.Find("x", 50, mapstore.FindExact, 60); err != mapstore.ErrPositionOutOfRange {
		t.Errorf("out-of-range find: got %v, want ErrPositionOutOfRange", err)
	}

	if err := index.Insert("key-3"); err != mapstore.ErrIndexKeyExists {
		t.Errorf("duplicate index insert: got %v, want ErrIndexKeyExists", err)
	}
}
