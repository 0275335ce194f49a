package main

import (
	"os"

	"github.com/gleandb/glean/cmd"
)

func main() {
	err := cmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
