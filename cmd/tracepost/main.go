package main

import "github.com/tracepost/tracepost/internal/cli"

func main() {
	cli.Execute()
}
