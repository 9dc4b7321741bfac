/*
Copyright © 2025
*/
package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"vmdevirt/internal/pefile"
	"vmdevirt/internal/vm"

	"github.com/edsrzf/mmap-go"
	"github.com/spf13/cobra"
)

var vmCallAddress string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "vmdevirt <input-pe>",
	Short: "Reconstructs the virtual bytecode behind a VMProtect-style guarded call site",
	Long: `Statically follows the interpreter of an x86-64 code-virtualization protector.

Given a 64-bit PE and the address of the "push <const>; call vm_entry" pair, the
vm entry stub is analyzed to recover the per-binary register allocation, the
rolling-key cipher is replayed against each handler, and the virtual instruction
stream is printed until it branches or exits.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		inputFilePath := args[0]
		fmt.Printf("[*] Input File: %s\n", inputFilePath)

		callAddress, err := parseAddress(vmCallAddress)
		if err != nil {
			fmt.Printf("[!] unable to parse vm call address. %v\n", err)
			os.Exit(1)
		}

		reader, unmap, err := openImage(inputFilePath)
		if err != nil {
			fmt.Printf("[!] %v\n", err)
			os.Exit(1)
		}
		defer unmap()

		ctx, err := vm.NewVmContext(reader, callAddress)
		if err != nil {
			fmt.Printf("[!] analysis failed. %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("[*] Bootstrapped VM context:\n%v\n", ctx)

		trace, err := vm.Run(reader, callAddress)
		if trace != nil {
			for _, step := range trace.Steps {
				if step.Class == vm.ClassUnconditionalBranch {
					fmt.Printf("%#x -> %v\n", step.HandlerAddress, step.Class)
					continue
				}
				fmt.Printf("%#x -> %v\n", step.HandlerAddress, step.Instruction)
			}
		}
		if err != nil {
			fmt.Printf("[!] analysis failed. %v\n", err)
			os.Exit(1)
		}

		last := trace.Steps[len(trace.Steps)-1]
		fmt.Printf("[+] Stopped at %v after %d handlers\n", last.Class, len(trace.Steps))
	},
}

func parseAddress(address string) (uint64, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(address, "0x"), "0X")
	return strconv.ParseUint(trimmed, 16, 64)
}

// openImage maps the input file read-only and wraps it in a VA byte reader.
func openImage(path string) (*pefile.Reader, func(), error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to open input file. %v", err)
	}

	mapped, err := mmap.Map(file, mmap.RDONLY, 0)
	if err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("unable to map input file. %v", err)
	}

	reader, err := pefile.New(mapped)
	if err != nil {
		mapped.Unmap()
		file.Close()
		return nil, nil, err
	}

	cleanup := func() {
		mapped.Unmap()
		file.Close()
	}
	return reader, cleanup, nil
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVarP(&vmCallAddress, "vm-call-address", "v", "",
		"virtual address (hex) of the push instruction in: push <const>; call vm_entry")
	rootCmd.MarkFlagRequired("vm-call-address")
}
