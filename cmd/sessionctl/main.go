// sessionctl is the CLI client for inspecting a running sessiond instance.
package main

import "github.com/accelsess/rpcsession/cmd/sessionctl/commands"

func main() {
	commands.Execute()
}
