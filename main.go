package main

import "github.com/snipd-dev/snipd/cmd"

func main() {
	cmd.Execute()
}
