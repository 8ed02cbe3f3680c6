package main

import (
	"fmt"
	"os"

	"opsconsole/internal/ui"
)

func main() {
	if err := executeCLI(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, ui.ErrorMsg("error: %v", err))
		os.Exit(1)
	}
}
