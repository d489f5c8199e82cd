package main

import "github.com/arcward/guildkit/cmd"

func main() {
	cmd.Execute()
}
