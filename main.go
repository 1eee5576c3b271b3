package main

import "recall/cmd"

func main() {
	cmd.Execute()
}
