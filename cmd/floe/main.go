package main

import "github.com/floe-dev/floe/cmd/floe/cmd"

func main() {
	cmd.Execute()
}
