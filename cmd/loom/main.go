package main

import "github.com/mesh-intelligence/loom/internal/cli"

func main() {
	cli.Execute()
}
