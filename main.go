package main

import "github.com/schr-build/schr/cmd"

func main() {
	cmd.Execute()
}
