// Command chatcli is a terminal client for the match chat server.
package main

import "github.com/swipehire/matchchat/cmd/chatcli/cmd"

func main() {
	cmd.Execute()
}
