package nvmestore

import (
	"fmt"
	"os"

	"github.com/KinderRiven/comanche/storage/kvstore"
)

const (
	// DriverName is the component name in the registry
	DriverName = "nvmestore"
)

// Plugins lists the plugins this package provides.
func Plugins() []kvstore.Plugin {
	return []kvstore.Plugin{
		&NVMeStorePlugin{},
	}
}

// NVMeStorePlugin builds append-log stores. Options: "block_count"
// sizes newly created volumes.
type NVMeStorePlugin struct {
}

func (plugin *NVMeStorePlugin) Name() string {
	return DriverName
}

func (plugin *NVMeStorePlugin) NewStore(options kvstore.PluginOptions) (kvstore.Store, error) {
	blockCount, ok := options.Uint64("block_count", 0)

	if !ok {
		return nil, fmt.Errorf("\"block_count\" must be a non-negative integer")
	}

	return New(Config{BlockCount: blockCount}), nil
}

func (plugin *NVMeStorePlugin) NewTempStore() (kvstore.Store, error) {
	return plugin.NewStore(kvstore.PluginOptions{})
}

// removeFiles deletes a pool's log and catalog files.
func removeFiles(dir, name string) error {
	logErr := os.Remove(logPath(dir, name))
	catErr := os.Remove(catalogPath(dir, name))

	if logErr != nil && os.IsNotExist(logErr) && catErr != nil && os.IsNotExist(catErr) {
		return kvstore.ErrPoolNotFound
	}

	if logErr != nil && !os.IsNotExist(logErr) {
		return logErr
	}

	if catErr != nil && !os.IsNotExist(catErr) {
		return catErr
	}

	return nil
}
