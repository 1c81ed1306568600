// Command vmman launches QEMU virtual machines described by TOML files.
//
// It is normally installed once and linked as vm-list, vm-run and vm-init;
// the name it is invoked under selects the command.
package main

import (
	"fmt"
	"os"
)

func main() {
	root := newRootCmd(initializeApp)
	root.SetArgs(commandArgs(os.Args))
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
