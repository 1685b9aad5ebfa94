package main

import "print-studio/cmd"

func main() {
	cmd.Execute()
}
