package main

import "github.com/kozaktomas/objectcamp/cmd"

func main() {
	cmd.Execute()
}
