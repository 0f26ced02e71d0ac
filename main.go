package main

import "github.com/TemporalDynamics/ecosign-sub001/cmd"

func main() {
	cmd.Execute()
}
