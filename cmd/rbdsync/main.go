package main

import (
	"os"

	"github.com/vbp1/rbdsync/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
