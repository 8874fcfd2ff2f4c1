package main

import "github.com/JakeFAU/dsl-png-renderer/cmd"

func main() {
	cmd.Execute()
}
