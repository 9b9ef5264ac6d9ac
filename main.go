package main

import "github.com/benjaminmishra/memory-ops/cmd"

func main() {
	cmd.Execute()
}
