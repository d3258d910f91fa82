package main

import "tokencore/cmd"

func main() {
	cmd.Execute()
}
