package main

import "github.com/markb/pljs/cmd"

func main() {
	cmd.Execute()
}
