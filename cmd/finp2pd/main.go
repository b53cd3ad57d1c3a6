package main

import "github.com/finp2p/finp2p-router/internal/cli"

func main() {
	cli.Execute()
}
