/*
Copyright © 2025
*/
package cmd

import (
	"fmt"
	"os"
	"vmdevirt/internal/vm"

	"github.com/spf13/cobra"
	"golang.org/x/arch/x86/x86asm"
)

// handlerCmd disassembles one handler for manual inspection.
var handlerCmd = &cobra.Command{
	Use:   "handler <input-pe> <address>",
	Short: "Disassemble the flattened handler body at a virtual address",
	Long: `Reads the handler starting at the given virtual address, following direct
rel32 jumps, and prints its instruction list in Intel syntax. Useful for writing a
new matcher when the classifier reports an unknown handler.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		inputFilePath := args[0]
		address, err := parseAddress(args[1])
		if err != nil {
			fmt.Printf("[!] unable to parse handler address. %v\n", err)
			os.Exit(1)
		}

		reader, unmap, err := openImage(inputFilePath)
		if err != nil {
			fmt.Printf("[!] %v\n", err)
			os.Exit(1)
		}
		defer unmap()

		handler, err := vm.ReadHandler(reader, address)
		if err != nil {
			fmt.Printf("[!] unable to read handler. %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("[*] Handler at %#x (%d instructions):\n", address, len(handler.Instructions))
		for _, ins := range handler.Instructions {
			fmt.Printf("%#x:\t%s\n", ins.Addr, x86asm.IntelSyntax(ins.Inst, ins.Addr, nil))
		}
	},
}

func init() {
	rootCmd.AddCommand(handlerCmd)
}
