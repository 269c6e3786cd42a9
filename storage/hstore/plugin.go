package hstore

import (
	"fmt"
	"os"

	"github.com/KinderRiven/comanche/storage/hstore/heap"
	"github.com/KinderRiven/comanche/storage/kvstore"
	"github.com/KinderRiven/comanche/utils/uuid"
)

const (
	// DriverName is the component name in the registry
	DriverName = "hstore"
)

// Plugins lists the plugins this package provides.
func Plugins() []kvstore.Plugin {
	return []kvstore.Plugin{
		&HStorePlugin{},
	}
}

// HStorePlugin builds HStore components. Options: "heap" selects the
// allocator variant ("cc", "co", "rc"); "locking" enables concurrent
// pool use.
type HStorePlugin struct {
}

func (plugin *HStorePlugin) Name() string {
	return DriverName
}

func (plugin *HStorePlugin) NewStore(options kvstore.PluginOptions) (kvstore.Store, error) {
	variant, ok := options.String("heap", "rc")

	if !ok {
		return nil, fmt.Errorf("\"heap\" must be a string")
	}

	kind, err := heap.KindByName(variant)

	if err != nil {
		return nil, err
	}

	locking := false

	if raw, present := options["locking"]; present {
		b, isBool := raw.(bool)

		if !isBool {
			return nil, fmt.Errorf("\"locking\" must be a bool")
		}

		locking = b
	}

	return New(Config{HeapKind: kind, Locking: locking}), nil
}

// NewTempStore returns a default-configured store. Pools are placed per
// call, so tests typically pair this with a fresh scratch directory.
func (plugin *HStorePlugin) NewTempStore() (kvstore.Store, error) {
	return plugin.NewStore(kvstore.PluginOptions{})
}

// TempPoolDir creates a scratch directory for temp pools.
func TempPoolDir() (string, error) {
	dir := fmt.Sprintf("%s/hstore-%s", os.TempDir(), uuid.MustUUID())

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	return dir, nil
}
