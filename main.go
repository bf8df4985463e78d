package main

import "authvault/cmd"

func main() {
	cmd.Execute()
}
