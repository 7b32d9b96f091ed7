package main

import (
	"os"

	"github.com/basarevych/tunneld/cmd/tunnelctl/cli"
)

func main() {
	os.Exit(int(cli.Run()))
}
