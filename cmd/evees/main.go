package main

import "github.com/systemshift/evees/cmd/evees/cmd"

func main() {
	cmd.Execute()
}
