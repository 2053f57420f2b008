package main

import "github.com/nextlevelbuilder/webforge/cmd"

func main() {
	cmd.Execute()
}
