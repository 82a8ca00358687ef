package main

import "github.com/rollupnc/coordinator/cli"

func main() {
	cli.Execute()
}
