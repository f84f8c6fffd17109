package main

import "github.com/nextlevelbuilder/roomgate/cmd"

func main() {
	cmd.Execute()
}
