package nvmestore_test

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/KinderRiven/comanche/storage/kvstore"
	"github.com/KinderRiven/comanche/storage/nvmestore"
)

func newPool(t *testing.T) (kvstore.Store, kvstore.PoolID, string) {
	t.Helper()

	store := nvmestore.New(nvmestore.Config{BlockCount: 1024})
	t.Cleanup(func() { store.Close() })

	dir := t.TempDir()
	pool, err := store.CreatePool(dir, "t1", 0, 0, 0)

	if err != nil {
		t.Fatalf("create pool: %s", err.Error())
	}

	return store, pool, dir
}

func TestAppendRoundTrip(t *testing.T) {
	store, pool, _ := newPool(t)

	// sub-block and multi-block values
	small := []byte("v")
	large := make([]byte, 3*4096+17)

	for i := range large {
		large[i] = byte(i * 7)
	}

	if err := store.Put(pool, "small", small); err != nil {
		t.Fatalf("put small: %s", err.Error())
	}

	if err := store.Put(pool, "large", large); err != nil {
		t.Fatalf("put large: %s", err.Error())
	}

	got, err := store.Get(pool, "small")

	if err != nil {
		t.Fatalf("get small: %s", err.Error())
	}

	if diff := cmp.Diff(small, got); diff != "" {
		t.Errorf("small value (-want +got):\n%s", diff)
	}

	got, err = store.Get(pool, "large")

	if err != nil {
		t.Fatalf("get large: %s", err.Error())
	}

	if diff := cmp.Diff(large, got); diff != "" {
		t.Errorf("large value (-want +got):\n%s", diff)
	}
}

func TestOverwriteAppends(t *testing.T) {
	store, pool, _ := newPool(t)

	store.Put(pool, "k", []byte("first"))
	store.Put(pool, "k", []byte("second version"))

	got, err := store.Get(pool, "k")

	if err != nil {
		t.Fatalf("get: %s", err.Error())
	}

	if string(got) != "second version" {
		t.Errorf("value = %q", got)
	}

	if n, _ := store.Count(pool); n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestEraseDropsRecord(t *testing.T) {
	store, pool, _ := newPool(t)

	store.Put(pool, "k", []byte("v"))

	if err := store.Erase(pool, "k"); err != nil {
		t.Fatalf("erase: %s", err.Error())
	}

	if _, err := store.Get(pool, "k"); err != kvstore.ErrKeyNotFound {
		t.Errorf("get after erase: got %v, want ErrKeyNotFound", err)
	}

	if err := store.Erase(pool, "k"); err != kvstore.ErrKeyNotFound {
		t.Errorf("double erase: got %v, want ErrKeyNotFound", err)
	}
}

func TestCatalogSurvivesReopen(t *testing.T) {
	store := nvmestore.New(nvmestore.Config{BlockCount: 1024})
	dir := t.TempDir()

	pool, err := store.CreatePool(dir, "t1", 0, 0, 0)

	if err != nil {
		t.Fatalf("create pool: %s", err.Error())
	}

	want := map[string]string{}

	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("k%d", i)
		want[key] = fmt.Sprintf("value-%d", i)

		if err := store.Put(pool, key, []byte(want[key])); err != nil {
			t.Fatalf("put: %s", err.Error())
		}
	}

	if err := store.Close(); err != nil {
		t.Fatalf("close: %s", err.Error())
	}

	store = nvmestore.New(nvmestore.Config{BlockCount: 1024})
	defer store.Close()

	pool, err = store.OpenPool(dir, "t1", 0)

	if err != nil {
		t.Fatalf("reopen: %s", err.Error())
	}

	got := map[string]string{}

	if err := store.Map(pool, func(key string, value []byte) bool {
		got[key] = string(value)

		return true
	}); err != nil {
		t.Fatalf("map: %s", err.Error())
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("catalog contents (-want +got):\n%s", diff)
	}
}

func TestUnsupportedOperations(t *testing.T) {
	store, pool, _ := newPool(t)

	if _, _, err := store.Lock(pool, "k", kvstore.LockRead, 0); err != kvstore.ErrNotSupported {
		t.Errorf("lock: got %v, want ErrNotSupported", err)
	}

	err := store.AtomicUpdate(pool, "k", nil, false)

	if err != kvstore.ErrNotSupported {
		t.Errorf("atomic update: got %v, want ErrNotSupported", err)
	}

	if kvstore.Code(err) != kvstore.StatusNotSupported {
		t.Errorf("code = %d, want %d", kvstore.Code(err), kvstore.StatusNotSupported)
	}
}

func TestGetDirectSizing(t *testing.T) {
	store, pool, _ := newPool(t)

	value := []byte("0123456789abcdef")
	store.Put(pool, "k", value)

	n, err := store.GetDirect(pool, "k", make([]byte, 4))

	if err != kvstore.ErrInsufficientBuffer || n != len(value) {
		t.Errorf("undersized get_direct = (%d, %v)", n, err)
	}

	buf := make([]byte, 16)
	n, err = store.GetDirect(pool, "k", buf)

	if err != nil || n != len(value) || string(buf) != string(value) {
		t.Errorf("sized get_direct = (%d, %v, %q)", n, err, buf)
	}
}
