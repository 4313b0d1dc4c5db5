package main

import "github.com/jmcleod/hermod/cmd/hermod/cmd"

func main() {
	cmd.Execute()
}
