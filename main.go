package main

import "github.com/yoanbernabeu/notegrep/cli"

func main() {
	cli.Execute()
}
