// bngctl is the operator CLI for the bngd daemon, speaking JSON over the
// local CoA bridge socket.
package main

import "github.com/saphalpdyl/aether/cmd/bngctl/commands"

func main() {
	commands.Execute()
}
