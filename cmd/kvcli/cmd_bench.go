package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var cmdBench = &cobra.Command{
	Use:   "bench",
	Short: "Run a put/get benchmark against the pool",
	Long: `
The "bench" command writes then reads back a keyspace, fanned out over a
number of workers, and reports throughput. With more than one worker the
component must be opened in a thread-safe mode.
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBench()
	},
}

// BenchOptions bundles all options for the bench command.
type BenchOptions struct {
	Keys      uint64
	ValueSize uint64
	Workers   int
}

var benchOptions BenchOptions

func init() {
	cmdRoot.AddCommand(cmdBench)

	f := cmdBench.Flags()
	f.Uint64Var(&benchOptions.Keys, "keys", 10000, "number of keys")
	f.Uint64Var(&benchOptions.ValueSize, "value-size", 64, "value size in bytes")
	f.IntVar(&benchOptions.Workers, "workers", 1, "concurrent workers")
}

func runBench() error {
	logger, err := newLogger()

	if err != nil {
		return err
	}

	defer logger.Sync()

	store, pool, err := openStore()

	if err != nil {
		return err
	}

	defer store.Close()

	value := make([]byte, benchOptions.ValueSize)

	for i := range value {
		value[i] = byte(i)
	}

	start := time.Now()
	group := errgroup.Group{}
	workers := benchOptions.Workers

	if workers < 1 {
		workers = 1
	}

	for w := 0; w < workers; w++ {
		w := w

		group.Go(func() error {
			for i := uint64(w); i < benchOptions.Keys; i += uint64(workers) {
				if err := store.Put(pool, fmt.Sprintf("key-%d", i), value); err != nil {
					return err
				}
			}

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return err
	}

	putElapsed := time.Since(start)
	start = time.Now()

	for w := 0; w < workers; w++ {
		w := w

		group.Go(func() error {
			buf := make([]byte, benchOptions.ValueSize)

			for i := uint64(w); i < benchOptions.Keys; i += uint64(workers) {
				if _, err := store.GetDirect(pool, fmt.Sprintf("key-%d", i), buf); err != nil {
					return err
				}
			}

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return err
	}

	getElapsed := time.Since(start)

	logger.Info("bench complete",
		zap.Uint64("keys", benchOptions.Keys),
		zap.Int("workers", workers),
		zap.Duration("put_elapsed", putElapsed),
		zap.Duration("get_elapsed", getElapsed),
		zap.Float64("puts_per_sec", float64(benchOptions.Keys)/putElapsed.Seconds()),
		zap.Float64("gets_per_sec", float64(benchOptions.Keys)/getElapsed.Seconds()))

	return nil
}
