package main

import "github.com/OpenTraceLab/OpenTracePLX/cmd/plx/cmd"

func main() {
	cmd.Execute()
}
