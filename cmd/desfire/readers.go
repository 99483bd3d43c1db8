package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/barnettlynn/desfire/pkg/desfire"
)

var readersCmd = &cobra.Command{
	Use:   "readers",
	Short: "List attached PC/SC readers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		readers, err := desfire.ListPCSCReaders()
		if err != nil {
			return fmt.Errorf("list readers: %w", err)
		}
		if len(readers) == 0 {
			fmt.Println("No PC/SC readers found")
		}
		for i, r := range readers {
			fmt.Printf("[%d] %s\n", i, r)
		}
		if desfire.LibNFCAvailable {
			fmt.Println("libnfc backend: available")
		} else {
			fmt.Println("libnfc backend: not compiled in (build with -tags libnfc)")
		}
		return nil
	},
}
