package mapstore

import (
	"github.com/KinderRiven/comanche/storage/kvstore"
)

const (
	// DriverName is the component name in the registry
	DriverName = "mapstore"
)

// Plugins lists the plugins this package provides.
func Plugins() []kvstore.Plugin {
	return []kvstore.Plugin{
		&MapStorePlugin{},
	}
}

// MapStorePlugin builds in-memory stores. It takes no options.
type MapStorePlugin struct {
}

func (plugin *MapStorePlugin) Name() string {
	return DriverName
}

func (plugin *MapStorePlugin) NewStore(options kvstore.PluginOptions) (kvstore.Store, error) {
	return New(nil), nil
}

func (plugin *MapStorePlugin) NewTempStore() (kvstore.Store, error) {
	return New(nil), nil
}
