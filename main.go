package main

import "github.com/tanq16/pullguard/cmd"

func main() {
	cmd.Execute()
}
