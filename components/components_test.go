package components_test

import (
	"testing"

	"github.com/KinderRiven/comanche/components"
	"github.com/KinderRiven/comanche/storage/kvstore"
)

func TestRegisteredPlugins(t *testing.T) {
	for _, name := range []string{"hstore", "mapstore", "nvmestore"} {
		plugin := components.Plugin(name)

		if plugin == nil {
			t.Fatalf("component %q not registered", name)
		}

		if plugin.Name() != name {
			t.Errorf("plugin name = %q, want %q", plugin.Name(), name)
		}

		store, err := plugin.NewTempStore()

		if err != nil {
			t.Fatalf("could not build a %s store: %s", name, err.Error())
		}

		model := store.ThreadSafety()

		if model < kvstore.ThreadModelUnsafe || model > kvstore.ThreadModelMultiPerPool {
			t.Errorf("%s reports thread model %d outside the contract", name, model)
		}

		store.Close()
	}

	if components.Plugin("no-such-component") != nil {
		t.Error("unknown component resolved to a plugin")
	}
}

// TestContractAcrossComponents runs one round trip through every
// registered component via the uniform contract.
func TestContractAcrossComponents(t *testing.T) {
	for _, plugin := range components.Plugins() {
		plugin := plugin

		t.Run(plugin.Name(), func(t *testing.T) {
			store, err := plugin.NewTempStore()

			if err != nil {
				t.Fatalf("could not build store: %s", err.Error())
			}

			defer store.Close()

			pool, err := store.CreatePool(t.TempDir(), "contract", 8*1024*1024, 0, 0)

			if err != nil {
				t.Fatalf("create pool: %s", err.Error())
			}

			if err := store.Put(pool, "k", []byte("v")); err != nil {
				t.Fatalf("put: %s", err.Error())
			}

			got, err := store.Get(pool, "k")

			if err != nil || string(got) != "v" {
				t.Fatalf("get = (%q, %v)", got, err)
			}

			if n, _ := store.Count(pool); n != 1 {
				t.Errorf("count = %d, want 1", n)
			}

			if _, err := store.Get(pool, "absent"); err != kvstore.ErrKeyNotFound {
				t.Errorf("absent get: got %v, want ErrKeyNotFound", err)
			}
		})
	}
}
