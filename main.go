package main

import "prioserver/src/cli"

func main() {
	cli.Main()
}
