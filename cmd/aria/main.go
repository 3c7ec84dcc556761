package main

import "github.com/felixgeelhaar/aria/cmd/aria/cli"

func main() {
	cli.Execute()
}
