package main

import (
	"fmt"
	"os"

	"chat_sync/internal/command"
)

// Version подставляется при сборке через -ldflags
var Version = "dev"

func main() {
	if err := command.Execute(Version); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
