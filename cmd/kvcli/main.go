package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/KinderRiven/comanche/components"
	"github.com/KinderRiven/comanche/storage/kvstore"
)

// cmdRoot is the base command when no other command has been specified.
var cmdRoot = &cobra.Command{
	Use:   "kvcli",
	Short: "Drive the key-value storage components",
	Long: `
kvcli opens a pool on any registered storage component and runs simple
operations or a benchmark against it.
`,
	SilenceErrors:     true,
	SilenceUsage:      true,
	DisableAutoGenTag: true,

	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
		os.Exit(0)
	},
}

// GlobalOptions bundles the options every subcommand needs.
type GlobalOptions struct {
	Component string
	Dir       string
	Pool      string
	PoolSize  uint64
	Verbose   bool
}

var globalOptions GlobalOptions

func init() {
	f := cmdRoot.PersistentFlags()
	f.StringVar(&globalOptions.Component, "component", "hstore", "storage component (hstore, mapstore, nvmestore)")
	f.StringVar(&globalOptions.Dir, "dir", "/tmp", "pool directory, example: '/mnt/pmem0'")
	f.StringVar(&globalOptions.Pool, "pool", "default", "pool name")
	f.Uint64Var(&globalOptions.PoolSize, "pool-size", 32*1024*1024, "pool size in bytes when creating")
	f.BoolVar(&globalOptions.Verbose, "verbose", false, "debug logging")
}

func newLogger() (*zap.Logger, error) {
	if globalOptions.Verbose {
		return zap.NewDevelopment()
	}

	return zap.NewProduction()
}

// openStore loads the selected component and opens (or creates) the
// pool named by the global options.
func openStore() (kvstore.Store, kvstore.PoolID, error) {
	plugin := components.Plugin(globalOptions.Component)

	if plugin == nil {
		return nil, kvstore.PoolInvalid, fmt.Errorf("no such component %q", globalOptions.Component)
	}

	store, err := plugin.NewStore(kvstore.PluginOptions{})

	if err != nil {
		return nil, kvstore.PoolInvalid, err
	}

	pool, err := store.OpenPool(globalOptions.Dir, globalOptions.Pool, 0)

	if err == kvstore.ErrPoolNotFound {
		pool, err = store.CreatePool(globalOptions.Dir, globalOptions.Pool, globalOptions.PoolSize, 0, 0)
	}

	if err != nil {
		store.Close()

		return nil, kvstore.PoolInvalid, err
	}

	return store, pool, nil
}

func main() {
	if err := cmdRoot.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
