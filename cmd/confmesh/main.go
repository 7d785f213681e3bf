package main

import "github.com/confmesh/confmesh/internal/cli"

func main() {
	cli.Execute()
}
