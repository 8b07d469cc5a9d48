package main

import "bastion/cmd"

func main() {
	cmd.Execute()
}
