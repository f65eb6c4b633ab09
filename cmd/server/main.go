package main

import "inboxflow/cmd/cli"

func main() {
	cli.Execute()
}
