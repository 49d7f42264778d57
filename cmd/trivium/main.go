// Command trivium runs Classical Questioning sessions from the command line.
package main

import "github.com/berth-dev/trivium/internal/cli"

func main() {
	cli.Execute()
}
