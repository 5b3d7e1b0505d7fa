package main

import "github.com/ClusterBees/beebot/cmd"

func main() {
	cmd.Execute()
}
