package main

import "bft2f/cmd"

func main() {
	cmd.Execute()
}
