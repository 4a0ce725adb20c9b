// cmd/droidprowl/main.go
package main

import (
	"github.com/xkilldash9x/droidprowl/cmd"
)

// main is the entry point for the droidprowl CLI application.
func main() {
	cmd.Execute()
}
