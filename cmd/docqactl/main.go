// Command docqactl is the operator CLI: it ingests files, asks questions and
// manages the document store using the same configuration as the services.
package main

import (
	"fmt"
	"os"
)

func main() {
	rootCmd.SetOut(os.Stdout)
	err := rootCmd.Execute()
	if cerr := closeDeps(); cerr != nil {
		fmt.Fprintln(os.Stderr, "close:", cerr)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
