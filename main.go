package main

import "vmdevirt/cmd"

func main() {
	cmd.Execute()
}
