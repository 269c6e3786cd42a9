package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cmdPut = &cobra.Command{
	Use:   "put KEY VALUE",
	Short: "Store a value under a key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, pool, err := openStore()

		if err != nil {
			return err
		}

		defer store.Close()

		return store.Put(pool, args[0], []byte(args[1]))
	},
}

var cmdGet = &cobra.Command{
	Use:   "get KEY",
	Short: "Fetch the value stored under a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, pool, err := openStore()

		if err != nil {
			return err
		}

		defer store.Close()

		value, err := store.Get(pool, args[0])

		if err != nil {
			return err
		}

		fmt.Printf("%s\n", value)

		return nil
	},
}

var cmdErase = &cobra.Command{
	Use:   "erase KEY",
	Short: "Remove a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, pool, err := openStore()

		if err != nil {
			return err
		}

		defer store.Close()

		return store.Erase(pool, args[0])
	},
}

var cmdCount = &cobra.Command{
	Use:   "count",
	Short: "Report the number of live entries in the pool",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, pool, err := openStore()

		if err != nil {
			return err
		}

		defer store.Close()

		n, err := store.Count(pool)

		if err != nil {
			return err
		}

		fmt.Println(n)

		return nil
	},
}

func init() {
	cmdRoot.AddCommand(cmdPut)
	cmdRoot.AddCommand(cmdGet)
	cmdRoot.AddCommand(cmdErase)
	cmdRoot.AddCommand(cmdCount)
}
