package main

import (
	"os"

	"github.com/webtunnelio/wtssh/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
